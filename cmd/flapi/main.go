// Command flapi runs the flAPI service: it loads a project descriptor,
// serves the declared endpoints over REST and MCP, and keeps their
// materialized caches refreshed on schedule.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/flapi-run/flapi/core"
	"github.com/flapi-run/flapi/serv"
	"github.com/flapi-run/flapi/serv/internal/util"
	"github.com/spf13/cobra"
)

var (
	cfgPath  string
	port     string
	logLevel string
)

// exit codes: 0 success, 1 project/endpoint descriptor error (a
// core.ConfigError or a Configuration-category core.Error anywhere in the
// error chain), 2 any other failure
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cobra.EnableCommandSorting = false
	exitCode := exitOK

	root := &cobra.Command{
		Use:           "flapi",
		Short:         "flapi serves declarative SQL endpoints over REST and MCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./flapi.yaml", "path to the project descriptor")
	root.PersistentFlags().StringVar(&port, "port", "", "override the listen port")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug|info|warning|error)")

	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *core.ConfigError
		var coreErr *core.Error
		if errors.As(err, &cfgErr) || (errors.As(err, &coreErr) && coreErr.Category == core.CategoryConfiguration) {
			exitCode = exitConfig
		} else {
			exitCode = exitRuntime
		}
	}
	return exitCode
}

func loadConfig() (*serv.Config, error) {
	cfg, err := serv.ReadInConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if port != "" {
		cfg.Port = port
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if _, err := util.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP/MCP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := serv.NewService(cfg)
			if err != nil {
				return err
			}
			return svc.Start()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "load the project and every endpoint descriptor, reporting any error",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := serv.NewService(cfg); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the flapi version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("flapi dev")
		},
	}
}
