package control

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	HealthzPath    = "/healthz"
	ReadyzPath     = "/readyz"
	ManualTestPath = "/manual-test"

	defaultShutdownTimeout = 10 * time.Second
	defaultReadyRetryAfter = 30 * time.Second
)

// Runner is the part of the sampling loop exposed over HTTP.
type Runner interface {
	Trigger() (uuid.UUID, error)
	LastTick() (time.Time, bool)
}

type Config struct {
	Runner Runner

	// Optional configuration.
	Clock           clockwork.Clock
	ShutdownTimeout time.Duration
	ReadyRetryAfter time.Duration
	AllowOrigin     string
}

func (c *Config) Validate() error {
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.ReadyRetryAfter <= 0 {
		c.ReadyRetryAfter = defaultReadyRetryAfter
	}
	if c.AllowOrigin == "" {
		c.AllowOrigin = "*"
	}
	return nil
}
