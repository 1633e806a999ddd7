package rstore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ConfigStore keeps every key in one human-editable key=value file.
type ConfigStore struct {
	path string

	mu sync.RWMutex
	kv kvFile
}

var _ DataStore = (*ConfigStore)(nil)

// NewConfigStore loads path if it exists. The file is created on first Set.
func NewConfigStore(path string) (*ConfigStore, error) {
	path = expandPath(path)
	s := &ConfigStore{path: path, kv: make(kvFile)}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	kv, err := decodeKV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.kv = kv
	return s, nil
}

func (s *ConfigStore) Get(key string, decrypt bool) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.kv[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if decrypt && len(data) > 0 {
		plain, err := unseal(data)
		if err != nil {
			return nil, fmt.Errorf("rstore: %s: %w", key, err)
		}
		return plain, nil
	}
	return bytes.Clone(data), nil
}

func (s *ConfigStore) Set(key string, encrypt bool, value []byte) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	data := bytes.Clone(value)
	if encrypt {
		var err error
		data, err = seal(value)
		if err != nil {
			return fmt.Errorf("rstore: %s: %w", key, err)
		}
	}
	if data == nil {
		data = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = data
	return s.saveLocked()
}

func (s *ConfigStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[key]; !ok {
		return nil
	}
	delete(s.kv, key)
	return s.saveLocked()
}

func (s *ConfigStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.kv))
	for k := range s.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *ConfigStore) Path() string {
	return s.path
}

func (s *ConfigStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := encodeKV(&buf, s.kv); err != nil {
		return err
	}
	return WriteFileAtomic(s.path, buf.Bytes(), 0600)
}
