// Package fault classifies pipeline errors so the queue can decide whether a
// failed job is worth another attempt.
//
// Configuration errors (unknown channel, missing source fields) fail the same
// way on every attempt and go straight to the dead-letter state. Everything
// else is treated as transient and follows the retry/backoff policy.
package fault

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	// ErrConfiguration marks errors that need operator intervention.
	ErrConfiguration = crdb.New("configuration error")
	// ErrTransient marks infrastructure errors that may succeed on retry.
	ErrTransient = crdb.New("transient error")
)

// Configuration marks err as a configuration error and attaches an operator hint.
func Configuration(err error, hint string) error {
	if err == nil {
		return nil
	}
	err = crdb.Mark(err, ErrConfiguration)
	if hint != "" {
		err = crdb.WithHint(err, hint)
	}
	return err
}

// Configurationf creates a new configuration error.
func Configurationf(format string, args ...interface{}) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrConfiguration)
}

// Transient marks err as a retryable infrastructure error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, ErrTransient)
}

// IsTransient reports whether err carries the transient mark.
func IsTransient(err error) bool {
	return crdb.Is(err, ErrTransient)
}

// IsConfiguration reports whether err carries the configuration mark.
func IsConfiguration(err error) bool {
	return crdb.Is(err, ErrConfiguration)
}

// Hints returns the operator hints attached anywhere in the chain.
func Hints(err error) string {
	return crdb.FlattenHints(err)
}
