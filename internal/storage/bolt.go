package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const documentsBucket = "documents"

// BoltStore keeps named documents as keys of a single bbolt bucket.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(documentsBucket)); err != nil {
			return fmt.Errorf("could not create %s bucket: %w", documentsBucket, err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) ReadFile(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(documentsBucket)).Get([]byte(name))
		if data == nil {
			return &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
		}
		// bolt memory is only valid inside the transaction
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func (s *BoltStore) WriteFile(name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("invalid document name %q", name)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(documentsBucket)).Put([]byte(name), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
