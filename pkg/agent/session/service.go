package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for an unknown session identifier.
// The orchestrator treats it as "new session, empty history", never as
// a fault.
var ErrNotFound = errors.New("session not found")

var errEmptyID = errors.New("empty session id")

// Service is the keyed session store. Implementations must serialize
// concurrent appends to the same session identifier (the later writer
// observes the former's turns before applying its own) while leaving
// different sessions fully concurrent.
type Service interface {
	// Get returns the session with its full turn history, or
	// ErrNotFound for an unknown identifier.
	Get(ctx context.Context, id string) (*Session, error)

	// Append atomically appends turns to the session, creating it for
	// subject on first use. Either every turn lands or none does.
	Append(ctx context.Context, id, subject string, turns ...Turn) (*Session, error)

	// Delete removes the session and its history.
	Delete(ctx context.Context, id string) error

	// SweepExpired deletes sessions whose retention deadline passed,
	// returning how many were removed.
	SweepExpired(ctx context.Context) (int, error)
}
