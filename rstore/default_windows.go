//go:build windows

package rstore

import (
	"strings"
)

// Default store locations. The keytab lives in the machine hive.
const (
	DefaultKeytabPath = `LM\SOFTWARE\rpcrt\keytab`
	DefaultStatePath  = `C:\ProgramData\rpcrt`
	DefaultUserPath   = `CU\SOFTWARE\rpcrt`
)

func openPlatform(location string) (DataStore, bool, error) {
	hive, _, ok := strings.Cut(strings.ReplaceAll(location, "/", `\`), `\`)
	if !ok {
		return nil, false, nil
	}
	switch strings.ToUpper(hive) {
	case "LM", "LOCAL_MACHINE", "CU", "CURRENT_USER":
		ds, err := NewRegistryStore(location)
		if err != nil {
			return nil, true, err
		}
		return ds, true, nil
	}
	return nil, false, nil
}
