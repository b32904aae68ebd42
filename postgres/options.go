package postgres

import "github.com/velmie/delivery"

// Default table names, also used by the embedded migrations.
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

// DefaultTables returns the default table names.
func DefaultTables() Tables {
	return Tables{
		Locks:       DefaultLocksTable,
		Outbox:      DefaultOutboxTable,
		Replays:     DefaultReplaysTable,
		DeadLetters: DefaultDeadLettersTable,
	}
}

func (t Tables) withDefaults() Tables {
	defaults := DefaultTables()
	if t.Locks == "" {
		t.Locks = defaults.Locks
	}
	if t.Outbox == "" {
		t.Outbox = defaults.Outbox
	}
	if t.Replays == "" {
		t.Replays = defaults.Replays
	}
	if t.DeadLetters == "" {
		t.DeadLetters = defaults.DeadLetters
	}

	return t
}

// IsDefault reports whether t resolves to DefaultTables, the names Migrate
// creates.
func (t Tables) IsDefault() bool {
	return t.withDefaults() == DefaultTables()
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

// Config defines PostgreSQL store behavior.
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

// Option configures the PostgreSQL store.
type Option func(*Config)

// WithTables sets the table names. Empty fields keep their defaults.
func WithTables(tables Tables) Option {
	return func(c *Config) {
		c.Tables = tables
	}
}

// WithClock sets the time source used for due-ness, lease expiry and timestamps.
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
