package rmock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kardianos/rpcrt/rauth"
)

// Provider is a configurable rauth.Provider. Unset hooks report the
// capability as unsupported through the embedded rauth.Unimplemented.
type Provider struct {
	rauth.Unimplemented
	ProviderName string

	Resolve func(ctx context.Context, id rauth.Identity) (*rauth.ResolvedIdentity, error)
	Binding func(ctx context.Context, req rauth.BindingRequest) (*rauth.Info, error)

	mu             sync.Mutex
	freedInfo      map[*rauth.Info]int
	freedKey       map[*rauth.Key]int
	releasedIDs    map[*rauth.ResolvedIdentity]int
	resolveCalls   atomic.Int32
	closeCallCount atomic.Int32
}

// NewProvider returns a provider for svc with no capabilities.
func NewProvider(svc rauth.AuthnSvc, name string) *Provider {
	return &Provider{
		Unimplemented: rauth.Unimplemented{Svc: svc},
		ProviderName:  name,
		freedInfo:     make(map[*rauth.Info]int),
		freedKey:      make(map[*rauth.Key]int),
		releasedIDs:   make(map[*rauth.ResolvedIdentity]int),
	}
}

// Init adapts the provider to rauth.InitFunc.
func (p *Provider) Init() rauth.InitFunc {
	return func() (rauth.Provider, map[rauth.ProtocolID]rauth.ProtocolExt, error) {
		return p, map[rauth.ProtocolID]rauth.ProtocolExt{
			rauth.ProtocolCN: rauth.FixedTrailer(rauth.ProtocolCN, map[rauth.ProtectLevel]int{rauth.LevelPktIntegrity: 16}),
		}, nil
	}
}

func (p *Provider) AuthnSvc() rauth.AuthnSvc { return p.Svc }
func (p *Provider) Name() string             { return p.ProviderName }

func (p *Provider) ResolveIdentity(ctx context.Context, id rauth.Identity) (*rauth.ResolvedIdentity, error) {
	p.resolveCalls.Add(1)
	if p.Resolve == nil {
		return p.Unimplemented.ResolveIdentity(ctx, id)
	}
	return p.Resolve(ctx, id)
}

func (p *Provider) ReleaseIdentity(rid *rauth.ResolvedIdentity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releasedIDs[rid]++
	return nil
}

func (p *Provider) SetBindingInfo(ctx context.Context, req rauth.BindingRequest) (*rauth.Info, error) {
	if p.Binding != nil {
		return p.Binding(ctx, req)
	}
	return rauth.NewInfo(p.Svc, req.Level, req.Authz), nil
}

func (p *Provider) FreeInfo(info *rauth.Info) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freedInfo[info]++
	return nil
}

func (p *Provider) FreeKey(key *rauth.Key) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freedKey[key]++
	return nil
}

func (p *Provider) Close() error {
	p.closeCallCount.Add(1)
	return nil
}

// ResolveCalls is the number of ResolveIdentity calls.
func (p *Provider) ResolveCalls() int { return int(p.resolveCalls.Load()) }

// Closed is the number of Close calls.
func (p *Provider) Closed() int { return int(p.closeCallCount.Load()) }

// InfoFrees is the number of times the provider freed info.
func (p *Provider) InfoFrees(info *rauth.Info) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freedInfo[info]
}

// KeyFrees is the number of times the provider freed key.
func (p *Provider) KeyFrees(key *rauth.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freedKey[key]
}

// Releases is the number of times the provider released rid.
func (p *Provider) Releases(rid *rauth.ResolvedIdentity) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releasedIDs[rid]
}
