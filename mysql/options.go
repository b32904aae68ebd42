package mysql

import "github.com/velmie/delivery"

// Default table names.
const (
	DefaultLocksTable       = "delivery_locks"
	DefaultOutboxTable      = "delivery_outbox"
	DefaultReplaysTable     = "delivery_replays"
	DefaultDeadLettersTable = "delivery_dead_letters"
)

// Tables names the four tables of the store. Use schema.table for a
// non-default schema.
type Tables struct {
	Locks       string
	Outbox      string
	Replays     string
	DeadLetters string
}

func (t Tables) withDefaults() Tables {
	if t.Locks == "" {
		t.Locks = DefaultLocksTable
	}
	if t.Outbox == "" {
		t.Outbox = DefaultOutboxTable
	}
	if t.Replays == "" {
		t.Replays = DefaultReplaysTable
	}
	if t.DeadLetters == "" {
		t.DeadLetters = DefaultDeadLettersTable
	}

	return t
}

func (t Tables) sanitize() (Tables, error) {
	t = t.withDefaults()
	for _, name := range []*string{&t.Locks, &t.Outbox, &t.Replays, &t.DeadLetters} {
		clean, err := sanitizeTableName(*name)
		if err != nil {
			return Tables{}, err
		}
		*name = clean
	}

	return t, nil
}

// Config defines MySQL store behavior.
type Config struct {
	Tables          Tables
	Clock           delivery.Clock
	ValidateJSON    bool
	validateJSONSet bool
}

func (c Config) withDefaults() Config {
	c.Tables = c.Tables.withDefaults()
	if c.Clock == nil {
		c.Clock = delivery.SystemClock{}
	}
	if !c.validateJSONSet {
		c.ValidateJSON = true
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTables sets the table names. Empty fields keep their defaults.
func WithTables(tables Tables) Option {
	return func(c *Config) {
		c.Tables = tables
	}
}

// WithClock sets the time source used by the store.
func WithClock(clock delivery.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithValidateJSON enables or disables payload JSON validation on Publish.
func WithValidateJSON(enabled bool) Option {
	return func(c *Config) {
		c.ValidateJSON = enabled
		c.validateJSONSet = true
	}
}
