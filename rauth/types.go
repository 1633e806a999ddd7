package rauth

import (
	"fmt"
	"time"
)

// AuthnSvc identifies an authentication service.
type AuthnSvc uint32

const (
	AuthnNone         AuthnSvc = 0
	AuthnDCEPrivate   AuthnSvc = 1
	AuthnDCEPublic    AuthnSvc = 2
	AuthnGSSNegotiate AuthnSvc = 9
	AuthnWinNT        AuthnSvc = 10
	AuthnGSSKerberos  AuthnSvc = 16
	// AuthnSharedSecret is the shared-secret mechanism in the private-use range.
	AuthnSharedSecret AuthnSvc = 0x80
	// AuthnDefault asks the registry to choose, or to try every provider.
	AuthnDefault AuthnSvc = 0xFFFFFFFF
)

func (s AuthnSvc) String() string {
	switch s {
	case AuthnNone:
		return "none"
	case AuthnDCEPrivate:
		return "dce-private"
	case AuthnDCEPublic:
		return "dce-public"
	case AuthnGSSNegotiate:
		return "gss-negotiate"
	case AuthnWinNT:
		return "winnt"
	case AuthnGSSKerberos:
		return "gss-kerberos"
	case AuthnSharedSecret:
		return "shared-secret"
	case AuthnDefault:
		return "default"
	default:
		return fmt.Sprintf("authn(%d)", uint32(s))
	}
}

// AuthzSvc identifies how the server learns the client's privileges.
type AuthzSvc uint32

const (
	AuthzNone AuthzSvc = iota
	AuthzName
	AuthzDCE
)

func (s AuthzSvc) String() string {
	switch s {
	case AuthzNone:
		return "none"
	case AuthzName:
		return "name"
	case AuthzDCE:
		return "dce"
	default:
		return fmt.Sprintf("authz(%d)", uint32(s))
	}
}

// ProtectLevel is the per-call protection level.
type ProtectLevel uint32

const (
	LevelDefault ProtectLevel = iota
	LevelNone
	LevelConnect
	LevelCall
	LevelPkt
	LevelPktIntegrity
	LevelPktPrivacy
)

func (l ProtectLevel) String() string {
	switch l {
	case LevelDefault:
		return "default"
	case LevelNone:
		return "none"
	case LevelConnect:
		return "connect"
	case LevelCall:
		return "call"
	case LevelPkt:
		return "pkt"
	case LevelPktIntegrity:
		return "pkt-integrity"
	case LevelPktPrivacy:
		return "pkt-privacy"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}

// ProtocolID names the RPC protocol family an extension table serves.
type ProtocolID uint8

const (
	// ProtocolCN is connection-oriented RPC.
	ProtocolCN ProtocolID = iota
	// ProtocolDG is datagram RPC.
	ProtocolDG
)

func (p ProtocolID) String() string {
	switch p {
	case ProtocolCN:
		return "ncacn"
	case ProtocolDG:
		return "ncadg"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Capability names one entry of a provider's capability set.
type Capability uint8

const (
	CapBindingInfo Capability = iota
	CapRegisterServer
	CapDefaultLevel
	CapPrincipalName
	CapFreeInfo
	CapFreeKey
	CapResolveIdentity
	CapReleaseIdentity
	CapSecurityContext
	CapAccessToken
)

func (c Capability) String() string {
	switch c {
	case CapBindingInfo:
		return "binding-info"
	case CapRegisterServer:
		return "register-server"
	case CapDefaultLevel:
		return "default-level"
	case CapPrincipalName:
		return "principal-name"
	case CapFreeInfo:
		return "free-info"
	case CapFreeKey:
		return "free-key"
	case CapResolveIdentity:
		return "resolve-identity"
	case CapReleaseIdentity:
		return "release-identity"
	case CapSecurityContext:
		return "security-context"
	case CapAccessToken:
		return "access-token"
	default:
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
}

// Identity is a caller-supplied, not yet validated credential.
type Identity struct {
	Svc       AuthnSvc
	Principal string
	// Proof is mechanism specific: a token, ticket or MAC.
	Proof []byte
}

// BindingRequest carries bind-time authentication parameters.
type BindingRequest struct {
	Svc             AuthnSvc
	Level           ProtectLevel
	Authz           AuthzSvc
	ServerPrincipal string
	// Client is the resolved client identity, nil for server-side info.
	Client *ResolvedIdentity
	Server bool
}

// SecurityContext describes an established (or establishing) context.
type SecurityContext struct {
	Svc              AuthnSvc
	Level            ProtectLevel
	Authz            AuthzSvc
	Initiator        string
	Acceptor         string
	ExpiresAt        time.Time
	LocallyInitiated bool
	Established      bool
}

// AccessToken summarizes the privileges of an authenticated principal.
type AccessToken struct {
	Svc       AuthnSvc
	Principal string
	Groups    []string
	ExpiresAt time.Time
}
