package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"auoms.dev/auomsd/config"
	"auoms.dev/auomsd/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run follows node/main.go's testable-entrypoint shape: parse flags,
// build and validate config, wire the daemon, then block on a
// signal-driven context until SIGINT/SIGTERM.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("auomsd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a JSON config file (defaults applied for any field it omits)")
	dryRun := fs.Bool("dry-run", false, "validate configuration and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "config load failed: %v\n", err)
			return 2
		}
		cfg = loaded
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if *dryRun {
		fmt.Fprintln(stdout, "config OK")
		return 0
	}

	logger, err := logging.New(cfg.LogLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "logging init failed: %v\n", err)
		return 2
	}

	reg := prometheus.NewRegistry()
	d, err := newDaemon(cfg, logger, reg)
	if err != nil {
		logger.WithError(err).Error("daemon init failed")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Warn("metrics: listen failed")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsServer.Close()
		}()
	}

	logger.WithField("input_socket", cfg.InputSocketPath).Info("auomsd starting")
	err = d.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("auomsd exiting on error")
		return 1
	}
	logger.Info("auomsd stopped")
	return 0
}
