// Command delivery-relay drains the outbox into the configured sink.
//
// Alongside the processor it can run the lease janitor and the processed-row
// pruner; both take a lease first, so any number of relays may enable them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/cmd/internal/app"
	"github.com/velmie/delivery/internal/config"
	"github.com/velmie/delivery/otelmetrics"
)

const exitUsage = 2

func main() {
	var (
		configPath string
		once       bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the YAML config file")
	flag.BoolVar(&once, "once", false, "Process a single batch and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err == nil {
		err = cfg.ValidateSink()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, once); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, once bool) error {
	zl, logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	metrics, err := otelmetrics.New(otel.GetMeterProvider().Meter("github.com/velmie/delivery"))
	if err != nil {
		return err
	}

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	sink, err := app.NewSink(cfg.Sink, logger)
	if err != nil {
		return fmt.Errorf("init sink: %w", err)
	}
	defer sink.Close()

	opts, err := app.ProcessorOptions(cfg.Relay)
	if err != nil {
		return err
	}
	opts = append(opts,
		delivery.WithDeadLetterArchive(backend.Store),
		delivery.WithLogger(logger),
		delivery.WithMetrics(metrics),
	)
	processor := delivery.NewProcessor(backend.Store, sink.Handler, opts...)

	if once {
		processed, err := processor.ProcessOnce(ctx)
		if err != nil {
			return fmt.Errorf("process batch: %w", err)
		}
		logger.Info("delivery relay batch done", "processed", processed)

		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return processor.Run(ctx)
	})

	if cfg.Janitor.Enabled {
		janitor, err := delivery.NewLeaseJanitor(backend.Store, delivery.LeaseJanitorConfig{
			CheckEvery: cfg.Janitor.Every,
			LockName:   cfg.Janitor.LockName,
			Holder:     processor.ID(),
			TTL:        cfg.Janitor.TTL,
			Logger:     logger,
			Metrics:    metrics,
		})
		if err != nil {
			return fmt.Errorf("init janitor: %w", err)
		}
		g.Go(func() error {
			return ignoreCanceled(janitor.Run(ctx))
		})
	}

	if cfg.Pruner.Enabled {
		pruner, err := delivery.NewOutboxPruner(backend.Store, backend.Store, delivery.OutboxPrunerConfig{
			Retention:  cfg.Pruner.Retention,
			CheckEvery: cfg.Pruner.Every,
			Limit:      cfg.Pruner.Limit,
			LockName:   cfg.Pruner.LockName,
			Holder:     processor.ID(),
			TTL:        cfg.Janitor.TTL,
			Logger:     logger,
			Metrics:    metrics,
		})
		if err != nil {
			return fmt.Errorf("init pruner: %w", err)
		}
		g.Go(func() error {
			return ignoreCanceled(pruner.Run(ctx))
		})
	}

	logger.Info("delivery relay started",
		"processor_id", processor.ID(),
		"driver", cfg.Database.Driver,
		"sink", cfg.Sink.Kind,
		"workers", cfg.Relay.Workers,
	)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	logger.Info("delivery relay stopped")

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
