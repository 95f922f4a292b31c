package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/basket/taskpilot/internal/api"
	"github.com/basket/taskpilot/internal/config"
	"github.com/basket/taskpilot/internal/dispatch"
	"github.com/basket/taskpilot/internal/identity"
	otelPkg "github.com/basket/taskpilot/internal/otel"
	"github.com/basket/taskpilot/internal/planner"
	"github.com/basket/taskpilot/internal/recurrence"
	"github.com/basket/taskpilot/internal/store"
	"github.com/basket/taskpilot/internal/telemetry"
	"github.com/basket/taskpilot/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the dispatch server

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKPILOT_HOME          Data directory (default: ~/.taskpilot)
  GEMINI_API_KEY          API key for the google provider
  ANTHROPIC_API_KEY       API key for the anthropic provider
  OPENAI_API_KEY          API key for the openai providers
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("taskpilot", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		if err := cfg.Save(); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		if isatty.IsTerminal(os.Stdout.Fd()) && !*quiet {
			fmt.Printf("Wrote %s. Add caller tokens under `callers:` to accept requests.\n",
				config.ConfigPath(cfg.HomeDir))
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	callers := cfg.ResolvedCallers()
	if len(callers) == 0 {
		logger.Warn("no callers configured; all requests will be rejected",
			"config", config.ConfigPath(cfg.HomeDir))
	}
	resolver := identity.NewResolver(callers)

	pl := planner.New(ctx, planner.Config{
		Provider:                 cfg.LLM.Provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.APIKeyFor(cfg.LLM.Provider),
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
		PlanTimeout:              cfg.PlanTimeout(),
	}, logger)

	registry, err := tools.NewRegistry(st, logger, cfg.ToolTimeout())
	if err != nil {
		fatalStartup(logger, "E_TOOL_REGISTRY", err)
	}
	logger.Info("startup phase", "phase", "tools_registered", "tools", registry.Names())

	engine := dispatch.NewEngine(resolver, st, pl, registry, logger, dispatch.Options{
		Tracer:          otelProvider.Tracer,
		Metrics:         metrics,
		HistoryLimit:    cfg.HistoryLimit,
		MaxMessageChars: cfg.MaxMessageChars,
	})

	sched := recurrence.NewScheduler(recurrence.Config{
		Store:    st,
		Logger:   logger,
		Interval: time.Duration(cfg.RecurrenceIntervalSeconds) * time.Second,
	})
	sched.Start(ctx)
	defer sched.Stop()

	// Hot-reload the caller table when config.yaml changes on disk.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.NewHandler(api.Deps{Engine: engine, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	if isatty.IsTerminal(os.Stdout.Fd()) && !*quiet {
		fmt.Printf("taskpilot %s listening on %s\n", Version, cfg.BindAddr)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case _, ok := <-watcher.Events():
				if !ok {
					return nil
				}
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				resolver.Replace(reloaded.ResolvedCallers())
				logger.Info("caller table reloaded",
					"callers", len(reloaded.Callers),
					"fingerprint", reloaded.Fingerprint())
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"dispatch","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file if present.
// Existing environment variables are never overridden.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
