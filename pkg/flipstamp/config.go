// ABOUTME: Presenter configuration and verbosity-gated logging
// ABOUTME: Defaults mirror the stock behavior: 1ms polling, 2s wait timeout
package flipstamp

import (
	"log"
	"time"

	"github.com/Flipstamp/flipstamp-go/pkg/clock"
	"github.com/Flipstamp/flipstamp-go/pkg/compositor"
)

// Verbosity levels. The zero value of Config.Verbosity selects
// VerbosityDefault, so silence is negative.
const (
	VerbositySilent  = -1
	VerbosityErrors  = 1
	VerbosityWarning = 2
	VerbosityDefault = 3
	VerbosityInfo    = 5
	VerbosityDebug   = 10
)

const (
	DefaultPollInterval = time.Millisecond
	DefaultWaitTimeout  = 2 * time.Second

	// NoWaitTimeout makes WaitSwapCompletion wait until the swap resolves
	// or its context ends.
	NoWaitTimeout time.Duration = -1
)

// Config holds presenter configuration
type Config struct {
	Verbosity int

	// PollInterval is the sleep between dispatches while waiting.
	PollInterval time.Duration

	// WaitTimeout bounds WaitSwapCompletion. Zero uses DefaultWaitTimeout,
	// a negative value waits forever.
	WaitTimeout time.Duration

	// SwapDelay is the compositor safety margin in seconds. Zero uses
	// the environment override or the built-in default.
	SwapDelay float64

	// Host is the reference clock. Nil uses clock.System.
	Host clock.Host
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Verbosity:    VerbosityDefault,
		PollInterval: DefaultPollInterval,
		WaitTimeout:  DefaultWaitTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.Verbosity == 0 {
		c.Verbosity = VerbosityDefault
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SwapDelay <= 0 {
		c.SwapDelay = compositor.MarginFromEnv(compositor.DefaultSafetyMargin)
	}
	if c.Host == nil {
		c.Host = clock.System
	}
}

// logger gates log.Printf on the configured verbosity.
type logger struct {
	level int
}

func (l logger) errorf(format string, args ...interface{}) {
	if l.level >= VerbosityErrors {
		log.Printf("ERROR: "+format, args...)
	}
}

func (l logger) warnf(format string, args ...interface{}) {
	if l.level >= VerbosityWarning {
		log.Printf("WARNING: "+format, args...)
	}
}

func (l logger) infof(format string, args ...interface{}) {
	if l.level >= VerbosityInfo {
		log.Printf("INFO: "+format, args...)
	}
}

func (l logger) debugf(format string, args ...interface{}) {
	if l.level >= VerbosityDebug {
		log.Printf("DEBUG: "+format, args...)
	}
}

func (l logger) debug() bool { return l.level >= VerbosityDebug }
