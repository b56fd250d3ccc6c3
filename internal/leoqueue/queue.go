// Package leoqueue defines the Queue abstraction (spec §6) the Secure Store
// publishes change events to and the Index Listener consumes from. The
// concrete transport is explicitly out of scope (spec §1); this package
// supplies the interface plus an in-process implementation used by every
// test and by the default single-process wiring in cmd/leo.
package leoqueue

import "context"

// Message is one leased item returned by Queue.Receive. Complete acks and
// deletes it; Release abandons it, making it immediately eligible for
// redelivery (the Index Listener uses it for a message whose body fails to
// decode; a failed dispatch instead lets the lease expire).
type Message interface {
	Body() string
	Complete(ctx context.Context) error
	Release(ctx context.Context) error
}

// Queue is the consumed contract from spec §6: SendMessage to push,
// Receive to pull up to max leased messages, and idempotent
// create/delete-if-exists lifecycle management.
type Queue interface {
	SendMessage(ctx context.Context, body string) error
	// Receive returns up to max leased messages. An empty, nil-error
	// result means "nothing currently available" — callers should back
	// off, not treat it as an error.
	Receive(ctx context.Context, max int) ([]Message, error)
	CreateIfNotExists(ctx context.Context) error
	DeleteIfExists(ctx context.Context) error
}
