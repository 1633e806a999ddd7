//go:build windows

package rstore

import (
	"github.com/billgraziano/dpapi"
)

func seal(plain []byte) ([]byte, error) {
	return dpapi.EncryptBytes(plain)
}

func unseal(sealed []byte) ([]byte, error) {
	return dpapi.DecryptBytes(sealed)
}
