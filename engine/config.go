package engine

import (
	"os"
	"strconv"
	"time"
)

// Environment variables recognized by ConfigFromEnv.
const (
	EnvMaxConcurrent           = "AMELIA_MAX_CONCURRENT"
	EnvLogRetentionDays        = "AMELIA_LOG_RETENTION_DAYS"
	EnvCheckpointRetentionDays = "AMELIA_CHECKPOINT_RETENTION_DAYS"
	EnvStartTimeoutSeconds     = "AMELIA_WORKFLOW_START_TIMEOUT_SECONDS"
	EnvIdleTimeoutSeconds      = "AMELIA_WEBSOCKET_IDLE_TIMEOUT_SECONDS"
)

// Config defaults.
const (
	// DefaultMaxConcurrent is the number of workflows that may be
	// in_progress at once. Blocked workflows do not count.
	DefaultMaxConcurrent = 5

	// DefaultNodeTimeout bounds a single node execution. Nodes may
	// override it; the developer stage typically runs unbounded and
	// relies on per-step command timeouts instead.
	DefaultNodeTimeout = 60 * time.Second

	// DefaultStartTimeout bounds the submit-side handshake: fetching the
	// tracker issue and writing the seed checkpoint.
	DefaultStartTimeout = 30 * time.Second

	// DefaultSubscriberIdleTimeout disconnects event subscribers that
	// receive nothing for this long.
	DefaultSubscriberIdleTimeout = 5 * time.Minute

	// DefaultRetentionInterval is how often the retention sweep runs.
	DefaultRetentionInterval = time.Hour
)

// Config holds engine tuning. The zero value is usable; New fills in
// defaults for zero fields.
type Config struct {
	// MaxConcurrent caps simultaneously executing (in_progress)
	// workflows. Pending workflows queue FIFO by creation time; blocked
	// workflows release their slot while they wait.
	MaxConcurrent int

	// NodeTimeout is the default per-node execution bound. Nodes with
	// their own Timeout override it.
	NodeTimeout time.Duration

	// StartTimeout bounds issue fetch and seed persistence in Submit.
	StartTimeout time.Duration

	// SubscriberIdleTimeout disconnects idle event subscriptions. Only
	// applied to the bus the engine creates itself; a caller-provided
	// bus keeps its own settings.
	SubscriberIdleTimeout time.Duration

	// LogRetentionDays prunes workflow log rows older than this. Zero
	// keeps them forever.
	LogRetentionDays int

	// CheckpointRetentionDays prunes checkpoints of terminal workflows
	// older than this. Zero keeps them forever.
	CheckpointRetentionDays int

	// RetentionInterval is the sweep cadence for the two retention
	// settings above.
	RetentionInterval time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:         DefaultMaxConcurrent,
		NodeTimeout:           DefaultNodeTimeout,
		StartTimeout:          DefaultStartTimeout,
		SubscriberIdleTimeout: DefaultSubscriberIdleTimeout,
		RetentionInterval:     DefaultRetentionInterval,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by AMELIA_* environment
// variables. Unset or unparseable values keep the default.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if n, ok := envInt(EnvMaxConcurrent); ok && n > 0 {
		cfg.MaxConcurrent = n
	}
	if n, ok := envInt(EnvLogRetentionDays); ok && n >= 0 {
		cfg.LogRetentionDays = n
	}
	if n, ok := envInt(EnvCheckpointRetentionDays); ok && n >= 0 {
		cfg.CheckpointRetentionDays = n
	}
	if n, ok := envInt(EnvStartTimeoutSeconds); ok && n > 0 {
		cfg.StartTimeout = time.Duration(n) * time.Second
	}
	if n, ok := envInt(EnvIdleTimeoutSeconds); ok && n > 0 {
		cfg.SubscriberIdleTimeout = time.Duration(n) * time.Second
	}
	return cfg
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// withDefaults fills zero fields so the rest of the engine can assume a
// complete config. Retention days stay zero (keep forever) unless set.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.NodeTimeout == 0 {
		c.NodeTimeout = d.NodeTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.SubscriberIdleTimeout == 0 {
		c.SubscriberIdleTimeout = d.SubscriberIdleTimeout
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = d.RetentionInterval
	}
	return c
}
