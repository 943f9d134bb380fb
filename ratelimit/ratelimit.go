package ratelimit

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrInvalidCapacity = errors.New("invalid capacity")
	ErrInvalidWindow   = errors.New("invalid window")
)

// Limiter admits calls per key, typically a scaler ID.
type Limiter interface {
	// Allow takes a token for key. When the key's bucket is empty it
	// returns false and the time until the next token.
	Allow(key string) (bool, time.Duration)
}

// Capacity describes the state of one key's bucket.
type Capacity struct {
	Key       string
	Available int
	Total     int
	Window    time.Duration
}

// Config sets the bucket shape shared by every key.
type Config struct {
	// Capacity is the number of calls allowed per window, and the burst a
	// fresh key may spend at once.
	Capacity int

	// Window is the refill period.
	Window time.Duration

	// MaxKeys bounds tracked keys; full buckets are evicted first when it
	// is exceeded. Default: 10000
	MaxKeys int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return ErrInvalidCapacity
	}
	if c.Window <= 0 {
		return ErrInvalidWindow
	}
	return nil
}
