// Package directory maps opaque client-visible keys to device push tokens and
// enforces the registration and rotation rules.
package directory

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

const defaultMaxAttempts = 3

// RegisterPath records which branch a registration took.
type RegisterPath string

const (
	PathFresh   RegisterPath = "fresh"
	PathRotated RegisterPath = "rotated"
)

// Observer is notified after each successful registration.
type Observer interface {
	ObserveRegistration(path RegisterPath)
}

// KeyGenerator produces candidate keys.
type KeyGenerator func() (string, error)

// Directory owns the key -> token mapping. It is the only writer of device records.
type Directory struct {
	store          pushkey.KeyStore
	newKey         KeyGenerator
	maxAttempts    int
	strictRotation bool
	observer       Observer
	logger         *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithStrictRotation rejects a presented key that matches no record with
// ErrKeyNotFound instead of silently registering a new device.
func WithStrictRotation(strict bool) Option {
	return func(d *Directory) { d.strictRotation = strict }
}

// WithKeyGenerator replaces the default UUID based generator.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(d *Directory) { d.newKey = gen }
}

// WithMaxAttempts bounds how many candidate keys are tried on collision.
func WithMaxAttempts(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithObserver attaches a registration observer (e.g. metrics).
func WithObserver(o Observer) Option {
	return func(d *Directory) { d.observer = o }
}

func New(store pushkey.KeyStore, logger *slog.Logger, opts ...Option) *Directory {
	d := &Directory{
		store:       store,
		newKey:      NewKey,
		maxAttempts: defaultMaxAttempts,
		logger:      logger.With("component", "KeyDirectory"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewKey returns a 22 character URL-safe key built from a random UUID.
func NewKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(id[:]), nil
}

// Register binds deviceToken to a key. When presentedKey names an existing
// record its token is rotated and presentedKey is returned unchanged;
// otherwise a new record is created under a freshly generated key.
func (d *Directory) Register(ctx context.Context, deviceToken, presentedKey string) (string, error) {
	if deviceToken == "" {
		return "", fmt.Errorf("%w: device token can not be empty", pushkey.ErrInvalidInput)
	}

	candidate, err := d.newKey()
	if err != nil {
		return "", err
	}

	if presentedKey != "" {
		// Update is the store's atomic check-and-set; a miss falls through.
		err := d.store.Update(ctx, presentedKey, deviceToken)
		switch {
		case err == nil:
			d.logger.Debug("Device token rotated", "key", presentedKey)
			d.observe(PathRotated)
			return presentedKey, nil
		case !errors.Is(err, pushkey.ErrKeyNotFound):
			return "", fmt.Errorf("failed to rotate token for key %s: %w", presentedKey, err)
		case d.strictRotation:
			return "", fmt.Errorf("%w: %s", pushkey.ErrKeyNotFound, presentedKey)
		}
		d.logger.Info("Presented key unknown, registering new device", "presented_key", presentedKey)
	}

	for attempt := 1; ; attempt++ {
		err := d.store.Put(ctx, pushkey.DeviceRecord{Key: candidate, Token: deviceToken})
		if err == nil {
			d.logger.Debug("Device registered", "key", candidate)
			d.observe(PathFresh)
			return candidate, nil
		}
		if !errors.Is(err, pushkey.ErrKeyExists) {
			return "", fmt.Errorf("failed to store new device: %w", err)
		}
		if attempt >= d.maxAttempts {
			return "", fmt.Errorf("gave up after %d key collisions: %w", attempt, err)
		}
		d.logger.Warn("Generated key collided, retrying", "attempt", attempt)
		if candidate, err = d.newKey(); err != nil {
			return "", err
		}
	}
}

// Resolve returns the device token registered under key.
func (d *Directory) Resolve(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", pushkey.ErrKeyNotFound)
	}
	record, err := d.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return record.Token, nil
}

func (d *Directory) observe(path RegisterPath) {
	if d.observer != nil {
		d.observer.ObserveRegistration(path)
	}
}
