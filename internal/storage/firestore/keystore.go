package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

const DefaultCollection = "devices"

// KeyStore implements pushkey.KeyStore using Google Cloud Firestore.
// Each device is one document whose ID is the key.
type KeyStore struct {
	client     *firestore.Client
	collection string
}

func NewKeyStore(client *firestore.Client, collection string) *KeyStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &KeyStore{client: client, collection: collection}
}

// deviceDoc is the internal DB representation.
type deviceDoc struct {
	Token     string    `firestore:"token"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *KeyStore) Get(ctx context.Context, key string) (*pushkey.DeviceRecord, error) {
	snap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", pushkey.ErrKeyNotFound, key)
		}
		return nil, fmt.Errorf("firestore get failed: %w", err)
	}

	var doc deviceDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("corrupt device document %s: %w", key, err)
	}
	return &pushkey.DeviceRecord{
		Key:       key,
		Token:     doc.Token,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Put uses Create, which fails if the document already exists, so a key
// collision can never overwrite another device.
func (s *KeyStore) Put(ctx context.Context, record pushkey.DeviceRecord) error {
	now := time.Now()
	_, err := s.doc(record.Key).Create(ctx, deviceDoc{
		Token:     record.Token,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", pushkey.ErrKeyExists, record.Key)
		}
		return fmt.Errorf("firestore create failed: %w", err)
	}
	return nil
}

// Update is a single-document write with an implicit exists precondition.
func (s *KeyStore) Update(ctx context.Context, key, token string) error {
	_, err := s.doc(key).Update(ctx, []firestore.Update{
		{Path: "token", Value: token},
		{Path: "updated_at", Value: time.Now()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", pushkey.ErrKeyNotFound, key)
		}
		return fmt.Errorf("firestore update failed: %w", err)
	}
	return nil
}

// doc: devices/{key}
func (s *KeyStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(key)
}
