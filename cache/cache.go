// Package cache provides a read-through response cache for safe resource
// reads. Stores are pluggable; the Redis store is the production backend
// and the memory store serves tests and single-process deployments.
package cache

import (
	"errors"
	"fmt"
	"time"
)

// ErrMiss reports that a key holds no live entry.
var ErrMiss = errors.New("cache: miss")

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

// Store is the backend contract of the read-through middleware. Keys are
// grouped by resource prefix so one mutation can drop every cached read of
// the resource it touched.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	DeletePrefix(prefix string) error
	Close() error
}

// Config holds common store configuration.
type Config struct {
	// TTL bounds the lifetime of cached responses. Zero falls back to
	// DefaultTTL.
	TTL time.Duration
	// Namespace is prepended to every key, isolating applications sharing
	// one Redis database.
	Namespace string
}

// DefaultTTL applies when a config leaves TTL zero.
const DefaultTTL = 5 * time.Minute

func (c Config) ttl() time.Duration {
	if c.TTL <= 0 {
		return DefaultTTL
	}
	return c.TTL
}

func (c Config) namespace() string {
	if c.Namespace == "" {
		return "crudkit:"
	}
	return c.Namespace
}

func missErr(key string) error {
	return fmt.Errorf("%w: %s", ErrMiss, key)
}
