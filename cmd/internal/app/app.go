// Package app turns a config.Config into the stores, sinks and logger the
// delivery binaries run with.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/amqpsink"
	"github.com/velmie/delivery/internal/config"
	"github.com/velmie/delivery/kafkasink"
	"github.com/velmie/delivery/mysql"
	"github.com/velmie/delivery/postgres"
	"github.com/velmie/delivery/redisgate"
	"github.com/velmie/delivery/webhook"
	"github.com/velmie/delivery/zaplog"
)

// Store is everything a relational backend provides.
type Store interface {
	delivery.OutboxStore
	delivery.PendingCounter
	delivery.PendingFinder
	delivery.LeaseManager
	delivery.LeaseInspector
	delivery.ReplayLog
	delivery.DeadLetterArchive
	delivery.TxRunner
	delivery.Pruner
}

var (
	_ Store = (*postgres.Store)(nil)
	_ Store = (*mysql.Store)(nil)
)

// Backend is an opened database with its store. Replays is the store itself
// or a Redis gate in front of it.
type Backend struct {
	DB      *sql.DB
	Store   Store
	Replays delivery.ReplayLog

	closers []func() error
}

// Close releases the database and any cache client.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger from cfg.Log.
func NewLogger(cfg config.LogConfig) (*zap.Logger, delivery.Logger, error) {
	logger, err := zaplog.New(zaplog.Config{Level: cfg.Level, Encoding: cfg.Encoding})
	if err != nil {
		return nil, nil, err
	}

	return logger, zaplog.NewAdapter(logger), nil
}

// OpenBackend opens the configured database, optionally applies the schema,
// and wires the replay cache when Redis is configured.
func OpenBackend(ctx context.Context, cfg config.Config, logger delivery.Logger) (*Backend, error) {
	db, store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	b := &Backend{DB: db, Store: store, Replays: store, closers: []func() error{db.Close}}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, client.Close)
		b.Replays = redisgate.New(store, client, redisgate.Config{
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.Redis.TTL,
			Logger: logger,
		})
	}

	return b, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err = postgres.Open(cfg.DSN)
	case config.DriverMySQL:
		db, err = mysql.Open(cfg.DSN)
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.MaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping db: %w", err)
	}

	store, err := newStore(ctx, db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return db, store, nil
}

func newStore(ctx context.Context, db *sql.DB, cfg config.DatabaseConfig) (Store, error) {
	t := cfg.Tables
	if cfg.Driver == config.DriverMySQL {
		tables := mysql.Tables{Outbox: t.Outbox, Locks: t.Locks, Replays: t.Replays, DeadLetters: t.DeadLetters}
		if cfg.Migrate {
			ddl, err := mysql.Schema(tables)
			if err != nil {
				return nil, err
			}
			if err := mysql.ApplySchema(ctx, db, ddl); err != nil {
				return nil, err
			}
		}

		return mysql.NewStore(db, mysql.WithTables(tables))
	}

	tables := postgres.Tables{Outbox: t.Outbox, Locks: t.Locks, Replays: t.Replays, DeadLetters: t.DeadLetters}
	if cfg.Migrate {
		var err error
		if tables.IsDefault() {
			err = postgres.Migrate(db)
		} else {
			err = postgres.ApplySchema(ctx, db, tables)
		}
		if err != nil {
			return nil, err
		}
	}

	return postgres.NewStore(db, postgres.WithTables(tables))
}

// Sink is a delivery handler plus whatever it has to close on shutdown.
type Sink struct {
	Handler delivery.Handler
	close   func() error
}

// Close releases the sink's connections.
func (s Sink) Close() error {
	if s.close == nil {
		return nil
	}

	return s.close()
}

// NewSink builds the handler selected by cfg.Kind.
func NewSink(cfg config.SinkConfig, logger delivery.Logger) (Sink, error) {
	switch cfg.Kind {
	case config.SinkWebhook:
		opts := []webhook.Option{webhook.WithLogger(logger)}
		if cfg.Webhook.Timeout > 0 {
			opts = append(opts, webhook.WithTimeout(cfg.Webhook.Timeout))
		}
		for key, value := range cfg.Webhook.Headers {
			opts = append(opts, webhook.WithHeader(key, value))
		}
		if cfg.Webhook.RateLimit > 0 {
			opts = append(opts, webhook.WithRateLimit(rate.Limit(cfg.Webhook.RateLimit), cfg.Webhook.Burst))
		}
		if cfg.Webhook.Breaker.Enabled {
			opts = append(opts, webhook.WithCircuitBreaker(breakerSettings(cfg.Webhook.Breaker)))
		}
		sender, err := webhook.New(cfg.Webhook.URL, opts...)
		if err != nil {
			return Sink{}, err
		}

		return Sink{Handler: sender}, nil
	case config.SinkKafka:
		writer := kafkasink.NewWriter(cfg.Kafka.Brokers...)
		sink, err := kafkasink.New(writer, cfg.Kafka.Topic)
		if err != nil {
			_ = writer.Close()
			return Sink{}, err
		}

		return Sink{Handler: sink, close: writer.Close}, nil
	case config.SinkAMQP:
		conn, ch, err := amqpsink.Dial(cfg.AMQP.URL, cfg.AMQP.Confirm)
		if err != nil {
			return Sink{}, err
		}
		sink, err := amqpsink.New(ch, amqpsink.Config{
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
			Confirm:    cfg.AMQP.Confirm,
		})
		if err != nil {
			_ = conn.Close()
			return Sink{}, err
		}

		return Sink{Handler: sink, close: func() error {
			return errors.Join(ch.Close(), conn.Close())
		}}, nil
	default:
		return Sink{}, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}

func breakerSettings(cfg config.BreakerConfig) gobreaker.Settings {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	return gobreaker.Settings{
		Name:    "delivery-webhook",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
}

// ProcessorOptions maps cfg.Relay onto processor options.
func ProcessorOptions(cfg config.RelayConfig) ([]delivery.ProcessorOption, error) {
	policy, err := delivery.ParseClientFailurePolicy(cfg.ClientFailures)
	if err != nil {
		return nil, err
	}

	opts := []delivery.ProcessorOption{
		delivery.WithWorkers(cfg.Workers),
		delivery.WithBatchSize(cfg.BatchSize),
		delivery.WithPollInterval(cfg.PollInterval),
		delivery.WithHandlerTimeout(cfg.DeliveryTimeout),
		delivery.WithMaxRetries(cfg.MaxRetries),
		delivery.WithClientFailurePolicy(policy),
		delivery.WithPendingInterval(cfg.PendingInterval),
	}
	if cfg.ProcessorID != "" {
		opts = append(opts, delivery.WithProcessorID(cfg.ProcessorID))
	}
	if cfg.BackoffBase > 0 && cfg.BackoffMax > 0 {
		opts = append(opts, delivery.WithBackoff(delivery.ExponentialBackoff(cfg.BackoffBase, cfg.BackoffMax)))
	}

	return opts, nil
}
