// Command filterhost is a development proxy that runs the custom header filter
// (natively or as a proxy-wasm module) in front of an upstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/wasmfilter/internal/config"
	"github.com/wudi/wasmfilter/internal/filter"
	"github.com/wudi/wasmfilter/internal/logging"
	"github.com/wudi/wasmfilter/internal/metrics"
	"github.com/wudi/wasmfilter/internal/middleware"
	"github.com/wudi/wasmfilter/internal/tracing"
	"github.com/wudi/wasmfilter/internal/wasmhost"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/filterhost.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	watch := flag.Bool("watch", true, "Reload the plugin when the configuration file changes")
	flag.Parse()

	if *showVersion {
		fmt.Printf("filterhost %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if logCloser != nil {
		defer logCloser.Close()
	}
	logging.SetGlobal(logger)

	if err := run(cfg, *configPath, *watch); err != nil {
		logging.Error("filterhost stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("filterhost stopped")
}

func run(cfg *config.Config, configPath string, watch bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer tracer.Close()

	collector := metrics.NewCollector()
	engine, err := wasmhost.NewEngine(ctx, cfg.Wasm,
		wasmhost.WithNativeFactory(filter.NewRoot),
		wasmhost.WithLogger(logging.Global()),
		wasmhost.WithMetrics(collector),
		wasmhost.WithTracer(tracer))
	if err != nil {
		return fmt.Errorf("wasm engine: %w", err)
	}
	defer engine.Close(context.Background())

	manager := wasmhost.NewManager(ctx, engine, cfg.Plugin)

	if watch {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		defer watcher.Stop()
		watcher.OnChange(func(next *config.Config) {
			// Only the plugin section is reloadable; listeners and the
			// upstream need a restart.
			if err := manager.Reload(ctx, next.Plugin); err != nil {
				logging.Error("plugin reload rejected", zap.Error(err))
			}
		})
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
	}

	target, err := url.Parse(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorLog = zap.NewStdLog(logging.Global())

	handler := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logging(),
		tracer.Middleware(),
		manager.Middleware(),
	).Then(proxy)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           adminHandler(collector, manager),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{server, admin} {
		g.Go(func() error {
			logging.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := errors.Join(server.Shutdown(shutdownCtx), admin.Shutdown(shutdownCtx))
		manager.Close(shutdownCtx)
		return err
	})

	logging.Info("filterhost started",
		zap.String("version", version),
		zap.String("upstream", cfg.Upstream),
		zap.String("plugin", cfg.Plugin.Name))
	return g.Wait()
}

// adminHandler serves metrics and a health check that reports the plugin's
// load state.
func adminHandler(collector *metrics.Collector, manager *wasmhost.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		p := manager.Current()
		if err := p.LoadError(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "plugin %s: %v\n", p.Name(), err)
			return
		}
		fmt.Fprintf(w, "plugin %s: ok\n", p.Name())
	})
	return mux
}
