// Package serv wires the core Request Pipeline into an HTTP/MCP service:
// configuration loading, process lifecycle, authentication, rate limiting,
// request handling, and the REST/MCP/admin projections.
package serv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Config is the CLI/process-facing configuration: where to find the
// project descriptor, which port to listen on, and how to log. The
// project descriptor itself (connections, endpoints path, ducklake,
// auth/rate-limit defaults) is loaded separately through core.ReadProjectFile
// once ProjectFile is known.
type Config struct {
	ProjectFile string `mapstructure:"project_file"`
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	Production  bool   `mapstructure:"production"`

	viper *viper.Viper
}

// HostPort returns the address to listen on.
func (c *Config) HostPort() string {
	if c.Host == "" {
		return ":" + c.Port
	}
	return c.Host + ":" + c.Port
}

// ReadInConfig reads configFile (flapi.yaml) from disk.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is ReadInConfig against an afero filesystem, used in tests.
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))
	if fs != nil {
		vi.SetFs(fs)
	}

	if err := vi.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading service config: %w", err)
	}

	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "FLAPI_") {
			kv := strings.SplitN(e, "=", 2)
			key := strings.ToLower(strings.TrimPrefix(kv[0], "FLAPI_"))
			key = strings.ReplaceAll(key, "_", ".")
			vi.Set(key, kv[1])
		}
	}

	cfg := &Config{viper: vi}
	if err := vi.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding service config: %w", err)
	}
	if cfg.ProjectFile == "" {
		cfg.ProjectFile = configFile
	} else if !filepath.IsAbs(cfg.ProjectFile) {
		cfg.ProjectFile = filepath.Join(cp, cfg.ProjectFile)
	}
	return cfg, nil
}

func newViperWithDefaults() *viper.Viper {
	vi := viper.New()
	vi.SetDefault("host", "0.0.0.0")
	vi.SetDefault("port", "8080")
	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")
	vi.SetDefault("production", false)
	return vi
}

func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))
	if configPath == "" {
		vi.AddConfigPath(".")
	} else {
		vi.AddConfigPath(configPath)
	}
	return vi
}
