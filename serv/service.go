package serv

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flapi-run/flapi/core"
	"github.com/flapi-run/flapi/serv/internal/util"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serverName = "flapi"

var version string

// Service is the process-wide set of wired components: engine, registry,
// cache manager, scheduler, auth, rate limiter. Hot reload happens at the
// EndpointRegistry's snapshot granularity (see core.EndpointRegistry.Reload),
// not by replacing the Service itself.
type Service struct {
	conf *Config

	registry  *core.EndpointRegistry
	engine    *core.Engine
	expander  *core.Expander
	cache     *core.CacheManager
	scheduler *core.Scheduler
	auth      *Authenticator
	limiter   *RateLimiter
	validator *core.Validator

	log    *zap.SugaredLogger
	zlog   *zap.Logger
	atom   zap.AtomicLevel

	srv   *http.Server
	state int32
}

const (
	stateInit int32 = iota
	stateListening
)

// NewService builds and fully initializes a Service from conf, opening the
// embedded engine, registering connections, loading endpoints, and wiring
// auth/rate-limit/cache/scheduler.
func NewService(conf *Config) (*Service, error) {
	level, err := util.ParseLevel(conf.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zlog, atom := util.NewLogger(conf.LogFormat == "json" || conf.Production, level)
	log := zlog.Sugar()

	project, err := core.ReadProjectFile(conf.ProjectFile)
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}
	for name, cc := range project.Connections {
		for k, v := range cc.Properties {
			if strings.Contains(v, "${") {
				log.Warnw("environment reference left unresolved", "connection", name, "property", k)
			}
		}
		for i, stmt := range cc.Init {
			if strings.Contains(stmt, "${") {
				log.Warnw("environment reference left unresolved", "connection", name, "init_statement", i)
			}
		}
	}

	s := &Service{
		conf: conf,
		log:  log,
		zlog: zlog,
		atom: atom,
	}

	s.engine = core.NewEngine(log)
	if err := s.engine.Init(engineSettingsFromProject(project)); err != nil {
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	for _, cc := range project.Connections {
		s.engine.RegisterConnection(cc)
	}

	s.expander = core.NewExpander(project.Template.Path)
	s.validator = core.NewValidator()

	s.registry = core.NewEndpointRegistry(project)
	if err := s.registry.LoadAll(); err != nil {
		return nil, fmt.Errorf("loading endpoints: %w", err)
	}

	s.cache = core.NewCacheManager(s.engine, s.expander, log)
	s.scheduler = core.NewScheduler(s.registry, s.cache, log)

	s.auth = NewAuthenticator(project.Auth)
	s.limiter = NewRateLimiter(project.RateLimit)

	return s, nil
}

func engineSettingsFromProject(p *core.Project) core.EngineSettings {
	return core.EngineSettings{
		DBPath:               p.DuckDB.DBPath,
		AccessMode:           p.DuckDB.AccessMode,
		Threads:              p.DuckDB.Threads,
		MaxMemory:            p.DuckDB.MaxMemory,
		DefaultOrder:         p.DuckDB.DefaultOrder,
		MaxConcurrentReads:   p.DuckDB.MaxConcurrentReads,
		DucklakeEnabled:      p.Ducklake.Enabled,
		DucklakeAlias:        p.Ducklake.Alias,
		DucklakeMetadataPath: p.Ducklake.MetadataPath,
		DucklakeDataPath:     p.Ducklake.DataPath,
	}
}

// initConfigWatcher watches the project's template directory (not the
// project file itself) for changes and triggers a targeted Reload, skipped
// in production (§6.2).
func initConfigWatcher(s *Service) {
	if s.conf.Production {
		return
	}
	go func() {
		if err := startConfigWatcher(s); err != nil {
			s.log.Warnf("config watcher stopped: %s", err)
		}
	}()
}

func startConfigWatcher(s *Service) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(s.registry.Project().Template.Path); err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.registry.Reload(ev.Name); err != nil {
				s.log.Warnw("endpoint reload failed", "file", ev.Name, "error", err)
				continue
			}
			s.log.Infow("endpoint reloaded", "file", ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warnw("config watcher error", "error", err)
		}
	}
}

// Start builds the HTTP router, begins the scheduler, and serves until the
// process receives an interrupt signal.
func (s *Service) Start() error {
	router, err := routesHandler(s)
	if err != nil {
		return fmt.Errorf("setting up routes: %w", err)
	}

	s.srv = &http.Server{
		Addr:              s.conf.HostPort(),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint
		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("shutdown signal received")
		}
		close(idleConnsClosed)
	}()

	s.srv.RegisterOnShutdown(func() {
		s.scheduler.Stop(30 * time.Second)
		if err := s.engine.Close(); err != nil {
			s.log.Warnw("error closing engine", "error", err)
		}
		s.log.Info("shutdown complete")
	})

	initConfigWatcher(s)
	s.scheduler.Start(context.Background())

	ver := version
	if ver == "" {
		ver = "not-set"
	}
	s.zlog.Info(serverName+" started",
		zap.String("version", ver),
		zap.String("host-port", s.conf.HostPort()),
		zap.Bool("production", s.conf.Production),
	)

	l, err := net.Listen("tcp", s.conf.HostPort())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.conf.HostPort(), err)
	}
	atomic.StoreInt32(&s.state, stateListening)

	if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	<-idleConnsClosed
	return nil
}

// Ready reports whether the HTTP listener is accepting connections.
func (s *Service) Ready() bool {
	return atomic.LoadInt32(&s.state) == stateListening
}
