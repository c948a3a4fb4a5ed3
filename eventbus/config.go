package eventbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config controls bus buffering, shutdown draining, and log retention.
//
// Example YAML:
//
//	bufferSize: 64
//	shutdownGracePeriod: 10s
//	retention: 168h
//	retentionSchedule: "@hourly"
type Config struct {
	// BufferSize is the channel capacity of each asynchronous
	// subscription. When a subscriber's buffer is full, further events for
	// that subscriber are dropped (and counted) rather than blocking the
	// publisher.
	BufferSize int `json:"bufferSize,omitempty" yaml:"bufferSize,omitempty" env:"BUFFER_SIZE" default:"64"`

	// ShutdownGracePeriod bounds how long Shutdown waits for pending async
	// handlers to drain.
	ShutdownGracePeriod time.Duration `json:"shutdownGracePeriod,omitempty" yaml:"shutdownGracePeriod,omitempty" env:"SHUTDOWN_GRACE_PERIOD" default:"10s"`

	// Retention is how long appended events stay replayable. Zero keeps
	// events forever. Sweeps run on RetentionSchedule.
	Retention time.Duration `json:"retention,omitempty" yaml:"retention,omitempty" env:"RETENTION"`

	// RetentionSchedule is a cron expression (robfig/cron syntax, "@hourly"
	// style descriptors included) for the retention sweep. Ignored when
	// Retention is zero.
	RetentionSchedule string `json:"retentionSchedule,omitempty" yaml:"retentionSchedule,omitempty" env:"RETENTION_SCHEDULE" default:"@hourly"`

	// MetricsRegisterer receives the bus's Prometheus collectors. Nil
	// registers nothing, which keeps tests and embedded uses quiet.
	MetricsRegisterer prometheus.Registerer `json:"-" yaml:"-"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:          64,
		ShutdownGracePeriod: 10 * time.Second,
		RetentionSchedule:   "@hourly",
	}
}

func (c *Config) normalize() {
	if c.BufferSize < 1 {
		c.BufferSize = 64
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 10 * time.Second
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = "@hourly"
	}
}
