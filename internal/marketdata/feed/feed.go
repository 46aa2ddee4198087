// Package feed defines the upstream tick source consumed by the pipeline and
// a WebSocket adapter implementing it. The pipeline only depends on the
// TickSource capability set; vendor specifics stay inside the adapter.
package feed

import (
	"context"
	"errors"
	"fmt"

	"tradecopilot/internal/model"
)

// TickSource is the capability set the pipeline needs from any upstream feed:
// establish a session, adjust per-symbol subscriptions, push ticks, and
// notify on disconnects.
type TickSource interface {
	// Run establishes the session and streams ticks into tickCh until ctx is
	// cancelled. Transient interruptions are retried internally; a returned
	// error is fatal.
	Run(ctx context.Context, tickCh chan<- model.Tick) error

	// Subscribe adds symbols to the live subscription.
	Subscribe(symbols ...string) error

	// Unsubscribe removes symbols from the live subscription.
	Unsubscribe(symbols ...string) error

	// Disconnects yields a notification per transient disconnect.
	Disconnects() <-chan error
}

// TransientError marks a feed interruption the source retries by itself.
// Reported via Disconnects so market-status can show the degradation.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("feed transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks an authentication or configuration failure. The source
// stays disconnected until reconfigured.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("feed fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable feed interruption.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err requires operator intervention.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
