// Package pushkey contains the public interfaces and domain models shared by the
// key directory, the push dispatcher and the request handling layers.
package pushkey

import (
	"context"
)

// KeyStore defines the contract for the durable key -> device token mapping.
// Implementations must make Update atomic with respect to concurrent writers
// of the same key, and Put must never overwrite an existing record.
type KeyStore interface {
	// Get returns the record stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (*DeviceRecord, error)

	// Put inserts a new record. It fails with ErrKeyExists if the key is taken.
	Put(ctx context.Context, record DeviceRecord) error

	// Update replaces the token of an existing record in a single atomic step.
	// It fails with ErrKeyNotFound if no record has that key.
	Update(ctx context.Context, key, token string) error
}

// Dispatcher defines the contract for a component that delivers a single
// notification to a single device through a push provider.
type Dispatcher interface {
	// Send builds the provider payload for req and pushes it to token.
	// Provider rejections are reported through the returned Outcome; a non-nil
	// error means the request never got a provider verdict (ErrInvalidInput,
	// ErrTransport).
	Send(ctx context.Context, token string, req PushRequest) (Outcome, error)
}
