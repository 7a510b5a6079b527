package recovery

import (
	"math"
	"time"
)

const (
	DefaultReorderTimeout  = 50 * time.Millisecond
	DefaultRetryBaseDelay  = 15 * time.Second
	DefaultRetryMaxDelay   = 2 * time.Minute
	DefaultRetryJitter     = 1500 * time.Millisecond
	DefaultRecoveryTimeout = 10 * time.Second
	DefaultMaxVersion      = math.MaxInt32
)

type Config struct {
	// ReorderTimeout is how long a gap may stay open before recovery starts.
	ReorderTimeout  time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryJitter     time.Duration
	RetryFactor     float64
	RecoveryTimeout time.Duration
	// MaxPendingItems bounds out-of-order items held per channel. Zero means unbounded.
	MaxPendingItems int
	// MaxVersion is the largest version the channel accepts before failing for good. It is
	// capped at math.MaxInt64-1.
	MaxVersion int64
}

func DefaultConfig() Config {
	return Config{
		ReorderTimeout:  DefaultReorderTimeout,
		RetryBaseDelay:  DefaultRetryBaseDelay,
		RetryMaxDelay:   DefaultRetryMaxDelay,
		RetryJitter:     DefaultRetryJitter,
		RetryFactor:     2,
		RecoveryTimeout: DefaultRecoveryTimeout,
		MaxVersion:      DefaultMaxVersion,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReorderTimeout <= 0 {
		c.ReorderTimeout = d.ReorderTimeout
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.RetryFactor <= 0 {
		c.RetryFactor = d.RetryFactor
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MaxPendingItems < 0 {
		c.MaxPendingItems = 0
	}
	if c.MaxVersion <= 0 {
		c.MaxVersion = d.MaxVersion
	}
	// The cursor sits one past the newest delivered version and must not overflow.
	if c.MaxVersion > math.MaxInt64-1 {
		c.MaxVersion = math.MaxInt64 - 1
	}
	return c
}

func (c Config) retryPolicy() RetryPolicy {
	return RetryPolicy{Base: c.RetryBaseDelay, Cap: c.RetryMaxDelay, Jitter: c.RetryJitter, Factor: c.RetryFactor}
}
