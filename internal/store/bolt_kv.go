package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltBucket      = "session"
	boltFileMode    = 0o600
	boltOpenTimeout = time.Second
)

// BoltKV keeps the durable client storage in a bbolt database file.
type BoltKV struct {
	db *bolt.DB
}

func OpenBoltKV(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, boltFileMode, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database '%s': %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket '%s': %w", boltBucket, err)
	}
	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if v == nil {
			return nil
		}
		// v is only valid for the life of the transaction.
		value = string(v)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read key '%s': %w", key, err)
	}
	return value, found, nil
}

func (b *BoltKV) Put(_ context.Context, entries map[string]string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		for k, v := range entries {
			if err := bucket.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("failed to put key '%s': %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session database: %w", err)
	}
	return nil
}

func (b *BoltKV) Delete(_ context.Context, keys ...string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		for _, k := range keys {
			if err := bucket.Delete([]byte(k)); err != nil {
				return fmt.Errorf("failed to delete key '%s': %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session database: %w", err)
	}
	return nil
}

func (b *BoltKV) Replace(_ context.Context, put map[string]string, del ...string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		for _, k := range del {
			if err := bucket.Delete([]byte(k)); err != nil {
				return fmt.Errorf("failed to delete key '%s': %w", k, err)
			}
		}
		for k, v := range put {
			if err := bucket.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("failed to put key '%s': %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session database: %w", err)
	}
	return nil
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}
