// Command server runs the code assistance server with all transports
// enabled. Configuration comes from an optional YAML file named by
// CODEASSIST_CONFIG, with CODEASSIST_* environment variables overriding
// individual fields.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	codeassist "github.com/MegaGrindStone/go-codeassist"
)

type config struct {
	LogLevel string `yaml:"log_level"`

	HTTP struct {
		Addr      string `yaml:"addr"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"http"`

	Transports struct {
		Stdio     bool `yaml:"stdio"`
		SSE       bool `yaml:"sse"`
		WebSocket bool `yaml:"websocket"`
	} `yaml:"transports"`

	Provider struct {
		Kind    string `yaml:"kind"` // local | openai | none
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
	} `yaml:"provider"`

	Store struct {
		Kind string `yaml:"kind"` // badger | file | none
		Path string `yaml:"path"`
	} `yaml:"store"`

	Context struct {
		MaxAgeMinutes  int `yaml:"max_age_minutes"`
		MaxPerUser     int `yaml:"max_per_user"`
		MaxHistory     int `yaml:"max_history"`
		MaxActiveFiles int `yaml:"max_active_files"`
	} `yaml:"context"`

	RateLimit struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"rate_limit"`
}

func defaultConfig() config {
	var cfg config
	cfg.LogLevel = "info"
	cfg.HTTP.Addr = ":8080"
	cfg.Transports.Stdio = true
	cfg.Transports.SSE = true
	cfg.Transports.WebSocket = true
	cfg.Provider.Kind = "none"
	cfg.Store.Kind = "none"
	return cfg
}

func loadConfig() (config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CODEASSIST_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&cfg.LogLevel, "CODEASSIST_LOG_LEVEL")
	override(&cfg.HTTP.Addr, "CODEASSIST_HTTP_ADDR")
	override(&cfg.HTTP.AuthToken, "CODEASSIST_AUTH_TOKEN")
	override(&cfg.Provider.Kind, "CODEASSIST_PROVIDER")
	override(&cfg.Provider.BaseURL, "CODEASSIST_PROVIDER_BASE_URL")
	override(&cfg.Provider.APIKey, "CODEASSIST_OPENAI_API_KEY")
	override(&cfg.Provider.Model, "CODEASSIST_MODEL")
	override(&cfg.Store.Kind, "CODEASSIST_STORE")
	override(&cfg.Store.Path, "CODEASSIST_STORE_PATH")

	return cfg, nil
}

// newLogger writes to stderr; stdout carries protocol traffic when the stdio
// transport is enabled.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildStore(cfg config, logger *slog.Logger) (codeassist.ContextStore, error) {
	switch cfg.Store.Kind {
	case "badger":
		return codeassist.NewBadgerStore(codeassist.BadgerConfig{
			Path:           cfg.Store.Path,
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
			Logger:         logger,
		})
	case "file":
		return codeassist.NewFileStore(cfg.Store.Path, logger)
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

func buildProvider(cfg config, logger *slog.Logger) (codeassist.GenerationProvider, error) {
	switch cfg.Provider.Kind {
	case "local":
		if cfg.Provider.BaseURL == "" {
			return nil, errors.New("provider.base_url is required for the local provider")
		}
		return codeassist.NewLocalProvider(cfg.Provider.BaseURL,
			codeassist.WithLocalLogger(logger)), nil
	case "openai":
		if cfg.Provider.APIKey == "" {
			return nil, errors.New("provider.api_key is required for the openai provider")
		}
		return codeassist.NewOpenAIProvider(codeassist.OpenAIConfig{
			APIKey:  cfg.Provider.APIKey,
			Model:   cfg.Provider.Model,
			BaseURL: cfg.Provider.BaseURL,
		}, codeassist.WithOpenAILogger(logger)), nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	registry := prometheus.NewRegistry()
	metrics := codeassist.NewMetrics(registry)

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}
	if provider == nil {
		logger.Warn("no generation provider configured, tools serve fallback content")
	}

	ctxOpts := []codeassist.ContextManagerOption{
		codeassist.WithContextLogger(logger),
		codeassist.WithContextMetrics(metrics),
	}
	if store != nil {
		ctxOpts = append(ctxOpts, codeassist.WithStore(store))
	}
	if cfg.Context.MaxAgeMinutes > 0 {
		ctxOpts = append(ctxOpts,
			codeassist.WithMaxContextAge(time.Duration(cfg.Context.MaxAgeMinutes)*time.Minute))
	}
	if cfg.Context.MaxPerUser > 0 {
		ctxOpts = append(ctxOpts, codeassist.WithMaxContextsPerUser(cfg.Context.MaxPerUser))
	}
	if cfg.Context.MaxHistory > 0 {
		ctxOpts = append(ctxOpts, codeassist.WithMaxHistoryEntries(cfg.Context.MaxHistory))
	}
	if cfg.Context.MaxActiveFiles > 0 {
		ctxOpts = append(ctxOpts, codeassist.WithMaxActiveFiles(cfg.Context.MaxActiveFiles))
	}
	manager := codeassist.NewContextManager(ctxOpts...)

	var transports []codeassist.ServerTransport
	if cfg.Transports.Stdio {
		transports = append(transports,
			codeassist.NewStdIO(os.Stdin, os.Stdout, codeassist.WithStdIOLogger(logger)))
	}
	var sseSrv *codeassist.SSEServer
	if cfg.Transports.SSE {
		sseSrv = codeassist.NewSSEServer("/message",
			codeassist.WithSSELogger(logger),
			codeassist.WithSSEMetrics(metrics),
			codeassist.WithSSEAuthToken(cfg.HTTP.AuthToken))
		transports = append(transports, sseSrv)
	}
	var wsSrv *codeassist.WSServer
	if cfg.Transports.WebSocket {
		wsSrv = codeassist.NewWSServer(
			codeassist.WithWSLogger(logger),
			codeassist.WithWSMetrics(metrics),
			codeassist.WithWSAuthToken(cfg.HTTP.AuthToken))
		transports = append(transports, wsSrv)
	}

	srvOpts := []codeassist.ServerOption{
		codeassist.WithTransports(transports...),
		codeassist.WithGenerationProvider(provider),
		codeassist.WithContextManager(manager),
		codeassist.WithServerMetrics(metrics),
		codeassist.WithServerLogger(logger),
	}
	if cfg.RateLimit.Enabled {
		srvOpts = append(srvOpts,
			codeassist.WithRateLimiter(codeassist.NewRateLimiter(codeassist.DefaultRateLimitConfig())))
	}
	srv := codeassist.NewServer(codeassist.Info{
		Name:        "codeassist",
		Version:     "1.0.0",
		Description: "MCP server with local AI model integration",
	}, srvOpts...)

	mux := http.NewServeMux()
	if sseSrv != nil {
		mux.Handle("/sse", sseSrv.HandleSSE())
		mux.Handle("/message", sseSrv.HandleMessage())
	}
	if wsSrv != nil {
		mux.Handle("/ws", wsSrv.HandleWebSocket())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", srv.HandleHealth())
	mux.Handle("/status", srv.HandleStatus())

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
