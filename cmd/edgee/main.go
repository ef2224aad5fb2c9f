package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgee-cloud/edgee-go/pkg/config"
	"github.com/edgee-cloud/edgee-go/pkg/dispatch"
	"github.com/edgee-cloud/edgee-go/pkg/monitor"
	"github.com/edgee-cloud/edgee-go/pkg/proxy"
	"github.com/edgee-cloud/edgee-go/pkg/session"
	"github.com/edgee-cloud/edgee-go/pkg/wasm"
)

func main() {
	configPath := flag.String("config", "edgee.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal("edgee exited", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	table, err := proxy.NewTable(cfg.Routing)
	if err != nil {
		return err
	}

	var codec *session.Codec
	var sink proxy.EventSink
	if !cfg.Compute.ProxyOnly && len(cfg.Components) > 0 {
		secure := cfg.HTTP.ForceHTTPS || cfg.HTTPS != nil
		codec, err = session.NewCodec(cfg.Security.CookieSecret, cfg.Security.CookieName, secure)
		if err != nil {
			return err
		}

		dispatcher := dispatch.New(logger, cfg.Compute.DispatchWorkers, cfg.Compute.DispatchQueueSize)
		defer dispatcher.Close()

		runtime, err := wasm.New(logger, cfg.Components, wasm.Options{
			Timeout:   cfg.Compute.ComponentTimeout,
			MaxMemory: cfg.Compute.ComponentMaxMemory,
		}, dispatcher)
		if err != nil {
			return err
		}
		logger.Info("compute pipeline ready", zap.Int("components", runtime.Components()))
		sink = runtime
	}

	handler := proxy.NewHandler(logger, cfg, table, codec, sink)
	server := proxy.NewServer(logger, cfg, handler)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	running := 1
	go func() { errc <- server.Run(runCtx) }()
	if cfg.Monitor != nil {
		running++
		go func() { errc <- monitor.New(logger, cfg.Monitor.Address).Run(runCtx) }()
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errc; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}
