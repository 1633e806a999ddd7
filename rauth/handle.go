package rauth

import (
	"sync/atomic"
)

// refs is a reference count that starts at one and refuses to be revived
// once it reaches zero.
type refs struct {
	n atomic.Int32
}

func (r *refs) init() {
	r.n.Store(1)
}

func (r *refs) acquire() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops one reference and reports whether it was the last.
// Releasing a freed handle is a no-op.
func (r *refs) release() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n-1) {
			return n == 1
		}
	}
}

func (r *refs) count() int {
	return int(r.n.Load())
}

// Info is authentication information attached to a binding or a call.
// It is reference counted; the last Registry.FreeInfo hands it back to the
// provider that created it. Data is provider-owned.
type Info struct {
	Svc             AuthnSvc
	Level           ProtectLevel
	Authz           AuthzSvc
	ServerPrincipal string
	ClientPrincipal string
	Server          bool

	Data any

	refs refs
}

// NewInfo is used by providers to allocate an Info holding one reference.
func NewInfo(svc AuthnSvc, level ProtectLevel, authz AuthzSvc) *Info {
	info := &Info{Svc: svc, Level: level, Authz: authz}
	info.refs.init()
	return info
}

// Ref adds a reference. It returns false if the info has been freed.
func (i *Info) Ref() bool {
	if i == nil {
		return false
	}
	return i.refs.acquire()
}

// Refs returns the current reference count; zero once freed.
func (i *Info) Refs() int {
	if i == nil {
		return 0
	}
	return i.refs.count()
}

// Key is a per-session key. Bytes and Data are provider-owned and must only
// be cleared by the provider's FreeKey.
type Key struct {
	Svc     AuthnSvc
	Version uint32
	Bytes   []byte
	Data    any

	refs refs
}

// NewKey is used by providers to allocate a Key holding one reference.
func NewKey(svc AuthnSvc, version uint32, b []byte) *Key {
	k := &Key{Svc: svc, Version: version, Bytes: b}
	k.refs.init()
	return k
}

// Ref adds a reference. It returns false if the key has been freed.
func (k *Key) Ref() bool {
	if k == nil {
		return false
	}
	return k.refs.acquire()
}

// Refs returns the current reference count; zero once freed.
func (k *Key) Refs() int {
	if k == nil {
		return 0
	}
	return k.refs.count()
}

// ResolvedIdentity is a provider-internal reference to a validated identity.
// Each one must be released exactly once through Registry.ReleaseIdentity.
type ResolvedIdentity struct {
	Svc       AuthnSvc
	Principal string
	Data      any

	released atomic.Bool
}

// NewResolvedIdentity is used by providers to create a resolved identity.
func NewResolvedIdentity(svc AuthnSvc, principal string, data any) *ResolvedIdentity {
	return &ResolvedIdentity{Svc: svc, Principal: principal, Data: data}
}

// Released reports whether the identity has been released.
func (r *ResolvedIdentity) Released() bool {
	return r == nil || r.released.Load()
}
