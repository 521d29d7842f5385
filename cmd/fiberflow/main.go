// fiberflow daemon entry point.
//
// Usage:
//
//	fiberflow serve                        # start the engine
//	fiberflow serve -config config.yaml    # with a config file
//	fiberflow version                      # show version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/taowen/fiberflow/config"
	"github.com/taowen/fiberflow/fiber"
	"github.com/taowen/fiberflow/fiber/store"
)

var version = "dev"

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(args); err != nil {
			fmt.Fprintf(os.Stderr, "fiberflow: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("fiberflow %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (want serve or version)\n", cmd)
		os.Exit(2)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	backend, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()

	callbacks := fiber.NewCallbackRegistry()
	registerDemoCallbacks(callbacks, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The wake timer drives recovery checks the way a platform alarm would.
	var sched *fiber.Scheduler
	wake := fiber.NewTimerWake(func() {
		if sched == nil {
			return
		}
		if _, err := sched.CheckFibers(context.Background()); err != nil {
			logger.Warn("wake-triggered recovery failed", zap.Error(err))
		}
	})
	defer wake.Close()

	sched, err = fiber.NewScheduler(cfg.Engine.ToFiber(), backend, backend, callbacks,
		fiber.WithLogger(logger),
		fiber.WithWakeScheduler(wake),
		fiber.WithMetrics(prometheus.DefaultRegisterer),
		fiber.WithOnFiberComplete(func(ev fiber.CompletionEvent) {
			logger.Info("fiber reached terminal state",
				zap.String("fiber_id", ev.ID),
				zap.String("callback", ev.Callback),
				zap.String("status", string(ev.Status)),
			)
		}),
	)
	if err != nil {
		return err
	}
	defer sched.Close()

	// Pick up fibers orphaned by the previous process.
	recovered, err := sched.CheckFibers(ctx)
	if err != nil {
		return fmt.Errorf("boot recovery failed: %w", err)
	}
	logger.Info("fiberflow started",
		zap.String("version", version),
		zap.String("store", string(cfg.Store.Type)),
		zap.Int("recovered", len(recovered)),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	server := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
