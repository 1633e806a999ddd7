//go:build !windows

package rstore

// Default store locations.
const (
	DefaultKeytabPath = "/etc/rpcrt/keytab"
	DefaultStatePath  = "/var/lib/rpcrt"
	DefaultUserPath   = "$HOME/.config/rpcrt"
)

func openPlatform(string) (DataStore, bool, error) {
	return nil, false, nil
}
