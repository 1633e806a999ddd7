// Package noauth is the "none" authentication service. It binds without
// protection and resolves only anonymous identities.
package noauth

import (
	"context"

	"github.com/kardianos/rpcrt/rauth"
)

// Anonymous is the principal name of resolved anonymous identities.
const Anonymous = "anonymous"

type Provider struct {
	rauth.Unimplemented
}

// Init registers the provider with both protocol families.
func Init() (rauth.Provider, map[rauth.ProtocolID]rauth.ProtocolExt, error) {
	none := map[rauth.ProtectLevel]int{}
	return &Provider{Unimplemented: rauth.Unimplemented{Svc: rauth.AuthnNone}}, map[rauth.ProtocolID]rauth.ProtocolExt{
		rauth.ProtocolCN: rauth.FixedTrailer(rauth.ProtocolCN, none),
		rauth.ProtocolDG: rauth.FixedTrailer(rauth.ProtocolDG, none),
	}, nil
}

func (p *Provider) AuthnSvc() rauth.AuthnSvc { return rauth.AuthnNone }
func (p *Provider) Name() string             { return "none" }

func (p *Provider) SetBindingInfo(_ context.Context, req rauth.BindingRequest) (*rauth.Info, error) {
	info := rauth.NewInfo(rauth.AuthnNone, rauth.LevelNone, rauth.AuthzNone)
	info.ServerPrincipal = req.ServerPrincipal
	info.ClientPrincipal = Anonymous
	info.Server = req.Server
	return info, nil
}

func (p *Provider) DefaultLevel() (rauth.ProtectLevel, error) {
	return rauth.LevelNone, nil
}

func (p *Provider) FreeInfo(*rauth.Info) error { return nil }

// ResolveIdentity accepts an identity with no proof. A credential it cannot
// check is reported as unsupported so another provider may take it.
func (p *Provider) ResolveIdentity(_ context.Context, id rauth.Identity) (*rauth.ResolvedIdentity, error) {
	if len(id.Proof) != 0 {
		return nil, rauth.Unsupported(rauth.AuthnNone, rauth.CapResolveIdentity)
	}
	return rauth.NewResolvedIdentity(rauth.AuthnNone, Anonymous, nil), nil
}

func (p *Provider) ReleaseIdentity(*rauth.ResolvedIdentity) error { return nil }

func (p *Provider) InquireSecurityContext(info *rauth.Info) (*rauth.SecurityContext, error) {
	return &rauth.SecurityContext{
		Svc:         rauth.AuthnNone,
		Level:       rauth.LevelNone,
		Authz:       rauth.AuthzNone,
		Initiator:   info.ClientPrincipal,
		Acceptor:    info.ServerPrincipal,
		Established: true,
	}, nil
}
