package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/digitalroastery/weblounge-sub000/internal/weblounge"
)

func main() {
	var (
		configPath  string
		metricsAddr string
		logLevel    string
		watch       bool
	)
	pflag.StringVar(&configPath, "config", getenvDefault("WEBLOUNGE_CONFIG", "/weblounge.yaml"), "path to weblounge.yaml")
	pflag.StringVar(&metricsAddr, "metrics-addr", "", "separate listen address for /metrics, overrides server.metricsAddr")
	pflag.StringVar(&logLevel, "log-level", "", "log level (error, info, verbose, debug, trace or a number), overrides logging.level")
	pflag.BoolVar(&watch, "watch", false, "reload the configuration when the file changes")
	pflag.Parse()

	cfg, err := weblounge.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	if metricsAddr == "" {
		metricsAddr = cfg.Server.MetricsAddr
	}

	logger, err := weblounge.NewLogger(logLevel, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	setupLog := logger.WithName("setup")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := weblounge.NewService(cfg, weblounge.WithLogger(logger), weblounge.WithRegistry(reg))
	if err != nil {
		setupLog.Error(err, "Failed to initialize service")
		os.Exit(1)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			setupLog.Error(err, "Failed to close service")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: svc.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		setupLog.Info("Listening", "addr", addr, "sites", len(cfg.Sites))
		return serve(ctx, srv)
	})

	if metricsAddr != "" {
		msrv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			setupLog.Info("Serving metrics", "addr", metricsAddr)
			return serve(ctx, msrv)
		})
	}

	if watch {
		w, err := weblounge.NewConfigWatcher(configPath, svc, logger.WithName("watch"))
		if err != nil {
			setupLog.Error(err, "Failed to watch configuration")
			os.Exit(1)
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		setupLog.Error(err, "Server stopped")
	}
}

// serve runs srv until ctx is done and then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
