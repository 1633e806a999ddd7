//go:build !windows

package rstore

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// sealKey keeps values out of plain text on disk. It is not a secret from
// anyone holding the binary.
var sealKey = [32]byte{
	0x41, 0x9e, 0x0d, 0xc7, 0x5b, 0x28, 0xf3, 0x6a,
	0x92, 0x17, 0xbe, 0x4c, 0x03, 0xd8, 0x7f, 0x25,
	0xe1, 0x6b, 0x38, 0xa4, 0xcf, 0x50, 0x8d, 0x19,
	0x74, 0xfa, 0x2e, 0xb3, 0x66, 0x0a, 0xd5, 0x8c,
}

const nonceSize = 24

var errUnseal = errors.New("rstore: unseal failed")

// seal returns nonce || secretbox(plain).
func seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("rstore: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &sealKey), nil
}

func unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: value too short", errUnseal)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed)
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &sealKey)
	if !ok {
		return nil, errUnseal
	}
	return plain, nil
}
