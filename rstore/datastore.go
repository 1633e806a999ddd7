// Package rstore persists small named secrets and settings: the shared
// secret keytab, daemon credentials and endpoint database images.
//
// Values may be sealed at rest. Sealing uses DPAPI on Windows and
// nacl/secretbox elsewhere.
package rstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DataStore is a flat key-value store.
type DataStore interface {
	// Get returns the value for key, or nil, nil if it is not present.
	// With decrypt set the stored value is unsealed first.
	Get(key string, decrypt bool) ([]byte, error)

	// Set stores value under key, sealing it first when encrypt is set.
	Set(key string, encrypt bool, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys lists the stored keys in sorted order.
	Keys() ([]string, error)

	// Path is the storage location, for display.
	Path() string
}

var ErrInvalidKey = errors.New("rstore: invalid key")

// CheckKey reports whether key is usable in every store: a file name, a
// registry value name and a key=value line key.
func CheckKey(key string) error {
	if key == "" || key[0] == '.' || len(key) > 200 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Open picks a store from a location string. Paths ending in ".conf" open a
// ConfigStore. On Windows, "LM/..." and "CU/..." open a registry store. Any
// other path is a FileStore directory.
func Open(location string) (DataStore, error) {
	if location == "" {
		return nil, errors.New("rstore: location is required")
	}
	if strings.EqualFold(filepath.Ext(location), ".conf") {
		return NewConfigStore(location)
	}
	if ds, ok, err := openPlatform(location); ok {
		return ds, err
	}
	return NewFileStore(location)
}
