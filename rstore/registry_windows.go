//go:build windows

package rstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// RegistryStore keeps each key as a binary value under one registry key.
type RegistryStore struct {
	hive    registry.Key
	keyPath string
}

var _ DataStore = (*RegistryStore)(nil)

// NewRegistryStore opens or creates "HIVE/path/to/key", where HIVE is LM
// (LOCAL_MACHINE) or CU (CURRENT_USER).
func NewRegistryStore(path string) (*RegistryStore, error) {
	path = strings.ReplaceAll(path, "/", `\`)
	hiveName, keyPath, ok := strings.Cut(path, `\`)
	if !ok {
		return nil, errors.New("rstore: registry path needs a hive prefix (LM or CU)")
	}

	var hive registry.Key
	switch strings.ToUpper(hiveName) {
	case "LM", "LOCAL_MACHINE":
		hive = registry.LOCAL_MACHINE
	case "CU", "CURRENT_USER":
		hive = registry.CURRENT_USER
	default:
		return nil, fmt.Errorf("rstore: unknown registry hive %q", hiveName)
	}

	k, _, err := registry.CreateKey(hive, keyPath, registry.ALL_ACCESS)
	if err != nil {
		return nil, fmt.Errorf("rstore: create registry key: %w", err)
	}
	k.Close()
	return &RegistryStore{hive: hive, keyPath: keyPath}, nil
}

func (s *RegistryStore) open(access uint32) (registry.Key, error) {
	return registry.OpenKey(s.hive, s.keyPath, access)
}

func (s *RegistryStore) Get(key string, decrypt bool) ([]byte, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}
	k, err := s.open(registry.QUERY_VALUE)
	if err != nil {
		return nil, nil
	}
	defer k.Close()

	data, _, err := k.GetBinaryValue(key)
	if errors.Is(err, registry.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rstore: %s: %w", key, err)
	}
	if decrypt && len(data) > 0 {
		plain, err := unseal(data)
		if err != nil {
			return nil, fmt.Errorf("rstore: %s: %w", key, err)
		}
		return plain, nil
	}
	return data, nil
}

func (s *RegistryStore) Set(key string, encrypt bool, value []byte) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	k, _, err := registry.CreateKey(s.hive, s.keyPath, registry.ALL_ACCESS)
	if err != nil {
		return fmt.Errorf("rstore: open registry key: %w", err)
	}
	defer k.Close()

	data := value
	if encrypt {
		data, err = seal(value)
		if err != nil {
			return fmt.Errorf("rstore: %s: %w", key, err)
		}
	}
	return k.SetBinaryValue(key, data)
}

func (s *RegistryStore) Delete(key string) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	k, err := s.open(registry.SET_VALUE)
	if err != nil {
		return nil
	}
	defer k.Close()
	if err := k.DeleteValue(key); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return err
	}
	return nil
}

func (s *RegistryStore) Keys() ([]string, error) {
	k, err := s.open(registry.QUERY_VALUE)
	if err != nil {
		return nil, nil
	}
	defer k.Close()
	names, err := k.ReadValueNames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *RegistryStore) Path() string {
	var hive string
	switch s.hive {
	case registry.LOCAL_MACHINE:
		hive = "HKLM"
	case registry.CURRENT_USER:
		hive = "HKCU"
	default:
		hive = "UNKNOWN"
	}
	return hive + `\` + s.keyPath
}
