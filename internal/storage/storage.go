// Package storage persists small named JSON documents (states, settings,
// discovered devices) either as plain files or inside a bbolt database.
package storage

import (
	"fmt"
	"io"
	"strings"
)

type Store interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	io.Closer
}

// Open selects a backend by name: "file" (default) or "bolt".
func Open(backend, dir, boltPath string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "file":
		return NewFileStore(dir)
	case "bolt":
		return OpenBoltStore(boltPath)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
