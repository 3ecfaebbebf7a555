// Package postgres implements the key store on a relational table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

const schema = `CREATE TABLE IF NOT EXISTS devices (
	key        VARCHAR(32) PRIMARY KEY,
	token      TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type KeyStore struct {
	db DB
}

func NewKeyStore(db DB) *KeyStore {
	return &KeyStore{db: db}
}

// NewPool opens and pings a connection pool for dsn.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the devices table if it does not exist.
func (s *KeyStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create devices table: %w", err)
	}
	return nil
}

func (s *KeyStore) Get(ctx context.Context, key string) (*pushkey.DeviceRecord, error) {
	record := pushkey.DeviceRecord{Key: key}
	err := s.db.QueryRow(ctx,
		`SELECT token, created_at, updated_at FROM devices WHERE key = $1`, key,
	).Scan(&record.Token, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", pushkey.ErrKeyNotFound, key)
		}
		return nil, fmt.Errorf("postgres get failed: %w", err)
	}
	return &record, nil
}

// Put never overwrites: a conflicting key inserts nothing and reports ErrKeyExists.
func (s *KeyStore) Put(ctx context.Context, record pushkey.DeviceRecord) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO devices (key, token) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		record.Key, record.Token,
	)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", pushkey.ErrKeyExists, record.Key)
	}
	return nil
}

// Update is a single statement, so the existence check and the write are atomic.
func (s *KeyStore) Update(ctx context.Context, key, token string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE devices SET token = $1, updated_at = now() WHERE key = $2`,
		token, key,
	)
	if err != nil {
		return fmt.Errorf("postgres update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", pushkey.ErrKeyNotFound, key)
	}
	return nil
}
