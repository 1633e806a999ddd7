// Package rauth is the authentication provider registry.
//
// Each security mechanism is a Provider registered once at startup through
// an InitFunc. Providers need not implement every capability: embedding
// Unimplemented supplies methods that return an *UnsupportedError naming
// the missing capability, so callers can tell "not supported here" from
// "tried and failed" and fall back to another provider.
//
// Handles (Info, Key, ResolvedIdentity) are created by providers and are
// only ever freed by the provider that created them, through the registry.
package rauth

import (
	"context"
)

// Provider is the capability set of one authentication service.
//
// Resolution and security-context calls may block on external I/O; the
// registry never holds its lock while calling a provider.
type Provider interface {
	AuthnSvc() AuthnSvc
	Name() string

	// SetBindingInfo builds the authentication info for a binding.
	SetBindingInfo(ctx context.Context, req BindingRequest) (*Info, error)
	// RegisterServer registers a server principal. Arg is mechanism specific.
	RegisterServer(ctx context.Context, principal string, arg any) error
	DefaultLevel() (ProtectLevel, error)
	PrincipalName(ctx context.Context) (string, error)

	FreeInfo(info *Info) error
	FreeKey(key *Key) error

	ResolveIdentity(ctx context.Context, id Identity) (*ResolvedIdentity, error)
	ReleaseIdentity(id *ResolvedIdentity) error

	InquireSecurityContext(info *Info) (*SecurityContext, error)
	InquireAccessToken(info *Info) (*AccessToken, error)
}

// ProtocolExt is a provider's extension for one RPC protocol family.
type ProtocolExt interface {
	Protocol() ProtocolID
	// TrailerSize is the authentication trailer length at the given level.
	TrailerSize(level ProtectLevel) int
}

// InitFunc creates a provider and its per-protocol extensions. It is called
// once by Registry.Init.
type InitFunc func() (Provider, map[ProtocolID]ProtocolExt, error)

// Unimplemented reports every capability as unsupported. Providers embed it
// and override what they implement.
type Unimplemented struct {
	Svc AuthnSvc
}

func (u Unimplemented) SetBindingInfo(context.Context, BindingRequest) (*Info, error) {
	return nil, Unsupported(u.Svc, CapBindingInfo)
}

func (u Unimplemented) RegisterServer(context.Context, string, any) error {
	return Unsupported(u.Svc, CapRegisterServer)
}

func (u Unimplemented) DefaultLevel() (ProtectLevel, error) {
	return LevelDefault, Unsupported(u.Svc, CapDefaultLevel)
}

func (u Unimplemented) PrincipalName(context.Context) (string, error) {
	return "", Unsupported(u.Svc, CapPrincipalName)
}

func (u Unimplemented) FreeInfo(*Info) error {
	return Unsupported(u.Svc, CapFreeInfo)
}

func (u Unimplemented) FreeKey(*Key) error {
	return Unsupported(u.Svc, CapFreeKey)
}

func (u Unimplemented) ResolveIdentity(context.Context, Identity) (*ResolvedIdentity, error) {
	return nil, Unsupported(u.Svc, CapResolveIdentity)
}

func (u Unimplemented) ReleaseIdentity(*ResolvedIdentity) error {
	return Unsupported(u.Svc, CapReleaseIdentity)
}

func (u Unimplemented) InquireSecurityContext(*Info) (*SecurityContext, error) {
	return nil, Unsupported(u.Svc, CapSecurityContext)
}

func (u Unimplemented) InquireAccessToken(*Info) (*AccessToken, error) {
	return nil, Unsupported(u.Svc, CapAccessToken)
}

// trailer is a fixed-size ProtocolExt usable by simple providers.
type trailer struct {
	proto ProtocolID
	sizes map[ProtectLevel]int
}

// FixedTrailer returns a ProtocolExt with per-level trailer sizes. Levels not
// listed have no trailer.
func FixedTrailer(proto ProtocolID, sizes map[ProtectLevel]int) ProtocolExt {
	return trailer{proto: proto, sizes: sizes}
}

func (t trailer) Protocol() ProtocolID { return t.proto }

func (t trailer) TrailerSize(level ProtectLevel) int { return t.sizes[level] }
