// Command delivery-ops runs one-off maintenance against a delivery database.
//
//	delivery-ops [-config file] lease-cleanup
//	delivery-ops [-config file] lease-inspect -name NAME
//	delivery-ops [-config file] replay -dl-msg-id ID [-by OPERATOR]
//	delivery-ops [-config file] prune -retention 168h [-limit N]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/cmd/internal/app"
	"github.com/velmie/delivery/internal/config"
)

const exitUsage = 2

var errUsage = errors.New("usage")

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the YAML config file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(exitUsage)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args()); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(exitUsage)
		}
		log.Print(err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] <lease-cleanup|lease-inspect|replay|prune> [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func run(ctx context.Context, cfg config.Config, args []string) error {
	zl, logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	o := ops{
		store:   backend.Store,
		replays: backend.Replays,
		clock:   delivery.SystemClock{},
		logger:  logger,
		out:     os.Stdout,
		errOut:  os.Stderr,
	}

	return o.run(ctx, args)
}

type ops struct {
	store   app.Store
	replays delivery.ReplayLog
	clock   delivery.Clock
	logger  delivery.Logger
	out     io.Writer
	errOut  io.Writer
}

func (o ops) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	name, args := args[0], args[1:]
	switch name {
	case "lease-cleanup":
		return o.leaseCleanup(ctx, args)
	case "lease-inspect":
		return o.leaseInspect(ctx, args)
	case "replay":
		return o.replay(ctx, args)
	case "prune":
		return o.prune(ctx, args)
	default:
		fmt.Fprintf(o.errOut, "unknown command %q\n", name)
		return errUsage
	}
}

func (o ops) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(o.errOut)

	return fs
}

func (o ops) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	return nil
}

func (o ops) leaseCleanup(ctx context.Context, args []string) error {
	if err := o.parse(o.flags("lease-cleanup"), args); err != nil {
		return err
	}

	removed, err := o.store.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("lease cleanup: %w", err)
	}
	fmt.Fprintf(o.out, "removed=%d\n", removed)

	return nil
}

func (o ops) leaseInspect(ctx context.Context, args []string) error {
	fs := o.flags("lease-inspect")
	name := fs.String("name", "", "Lease name")
	if err := o.parse(fs, args); err != nil {
		return err
	}
	if *name == "" {
		fmt.Fprintln(o.errOut, "-name is required")
		return errUsage
	}

	lease, live, err := o.store.Inspect(ctx, *name)
	if err != nil {
		return fmt.Errorf("lease inspect: %w", err)
	}
	if lease.Name == "" {
		fmt.Fprintf(o.out, "name=%s absent\n", *name)
		return nil
	}
	fmt.Fprintf(o.out, "name=%s holder=%s acquired_at=%s expires_at=%s live=%t\n",
		lease.Name,
		lease.HolderID,
		lease.AcquiredAt.UTC().Format(time.RFC3339Nano),
		lease.ExpiresAt.UTC().Format(time.RFC3339Nano),
		live,
	)

	return nil
}

func (o ops) replay(ctx context.Context, args []string) error {
	fs := o.flags("replay")
	dlMsgID := fs.String("dl-msg-id", "", "Dead-letter message id to republish")
	by := fs.String("by", "delivery-ops", "Operator recorded as replayed_by")
	if err := o.parse(fs, args); err != nil {
		return err
	}
	if *dlMsgID == "" {
		fmt.Fprintln(o.errOut, "-dl-msg-id is required")
		return errUsage
	}

	replayer := delivery.NewReplayer(o.store, o.store, o.replays, o.store, delivery.WithReplayLogger(o.logger))
	outcome, err := replayer.Replay(ctx, *dlMsgID, *by)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if outcome.AlreadyReplayed {
		fmt.Fprintf(o.out, "already_replayed replay_id=%s\n", outcome.ReplayID)
		return nil
	}
	fmt.Fprintf(o.out, "replay_id=%s event_id=%d idempotency_key=%s\n", outcome.ReplayID, outcome.EventID, outcome.IdempotencyKey)

	return nil
}

func (o ops) prune(ctx context.Context, args []string) error {
	fs := o.flags("prune")
	retention := fs.Duration("retention", 0, "Delete processed rows older than this")
	limit := fs.Int("limit", 0, "Max rows deleted (0 uses the default)")
	if err := o.parse(fs, args); err != nil {
		return err
	}
	if *retention <= 0 {
		fmt.Fprintln(o.errOut, "-retention must be positive")
		return errUsage
	}

	pruner, err := delivery.NewOutboxPruner(o.store, o.store, delivery.OutboxPrunerConfig{
		Retention: *retention,
		Limit:     *limit,
		Clock:     o.clock,
		Logger:    o.logger,
	})
	if err != nil {
		return fmt.Errorf("init pruner: %w", err)
	}
	deleted, err := pruner.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Fprintf(o.out, "deleted=%d\n", deleted)

	return nil
}
