package secretauth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kardianos/rpcrt/rstore"
)

const keyPrefix = "secret."

// MinSecretLen is the shortest shared secret accepted.
const MinSecretLen = 16

var ErrShortSecret = fmt.Errorf("secretauth: secret shorter than %d bytes", MinSecretLen)

// Keytab is the set of shared secrets, sealed in a DataStore.
type Keytab struct {
	ds rstore.DataStore
}

func NewKeytab(ds rstore.DataStore) *Keytab {
	return &Keytab{ds: ds}
}

func storeKey(principal string) (string, error) {
	k := keyPrefix + principal
	if err := rstore.CheckKey(k); err != nil {
		return "", fmt.Errorf("secretauth: principal %q: %w", principal, err)
	}
	return k, nil
}

// Add stores or replaces the secret for principal.
func (kt *Keytab) Add(principal string, secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrShortSecret
	}
	k, err := storeKey(principal)
	if err != nil {
		return err
	}
	return kt.ds.Set(k, true, secret)
}

// Remove deletes the secret for principal.
func (kt *Keytab) Remove(principal string) error {
	k, err := storeKey(principal)
	if err != nil {
		return err
	}
	return kt.ds.Delete(k)
}

// Lookup returns the secret for principal.
func (kt *Keytab) Lookup(principal string) ([]byte, error) {
	k, err := storeKey(principal)
	if err != nil {
		return nil, err
	}
	secret, err := kt.ds.Get(k, true)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrincipal, principal)
	}
	return secret, nil
}

// Principals lists the principals with a secret.
func (kt *Keytab) Principals() ([]string, error) {
	keys, err := kt.ds.Keys()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if p, ok := strings.CutPrefix(k, keyPrefix); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

var ErrUnknownPrincipal = errors.New("secretauth: unknown principal")
