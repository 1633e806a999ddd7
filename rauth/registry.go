package rauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Observer receives registry diagnostics.
type Observer interface {
	Logf(format string, v ...any)
}

// RegistryOpt configures a Registry.
type RegistryOpt struct {
	// DefaultSvc is used for binding info requested with AuthnDefault.
	// When zero-valued (AuthnNone) the first registered provider is used.
	DefaultSvc AuthnSvc
	Observer   Observer
}

type entry struct {
	p   Provider
	ext map[ProtocolID]ProtocolExt
}

// Registry holds one provider per authentication service. Providers are
// added with Register before Init and are fixed afterwards.
type Registry struct {
	opt RegistryOpt

	mu          sync.RWMutex
	inits       []InitFunc
	providers   map[AuthnSvc]*entry
	order       []AuthnSvc
	initialized bool
	closed      bool
}

// NewRegistry returns an empty registry.
func NewRegistry(opt RegistryOpt) *Registry {
	return &Registry{
		opt:       opt,
		providers: make(map[AuthnSvc]*entry),
	}
}

func (r *Registry) logf(format string, v ...any) {
	if r.opt.Observer == nil {
		return
	}
	r.opt.Observer.Logf(format, v...)
}

// Register queues a provider initializer.
func (r *Registry) Register(fn InitFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if r.initialized {
		return ErrInitialized
	}
	r.inits = append(r.inits, fn)
	return nil
}

// Init runs every registered initializer in order. A provider that fails to
// initialize, or duplicates an already registered service, is skipped and
// its error is included in the joined result; the others stay available.
func (r *Registry) Init() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if r.initialized {
		r.mu.Unlock()
		return ErrInitialized
	}
	r.initialized = true
	inits := r.inits
	r.inits = nil
	r.mu.Unlock()

	var errs []error
	for i, fn := range inits {
		p, ext, err := fn()
		if err != nil {
			r.logf("rauth: provider %d init failed: %v", i, err)
			errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
			continue
		}
		if p == nil {
			errs = append(errs, fmt.Errorf("provider %d: nil provider", i))
			continue
		}
		svc := p.AuthnSvc()
		r.mu.Lock()
		_, dup := r.providers[svc]
		if !dup {
			r.providers[svc] = &entry{p: p, ext: ext}
			r.order = append(r.order, svc)
		}
		r.mu.Unlock()
		if dup {
			errs = append(errs, fmt.Errorf("%s (%s): %w", p.Name(), svc, ErrDuplicateProvider))
			continue
		}
		r.logf("rauth: registered %s (%s)", p.Name(), svc)
	}
	return errors.Join(errs...)
}

// Close drops every provider. Providers that implement io.Closer are closed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var list []Provider
	for _, svc := range r.order {
		list = append(list, r.providers[svc].p)
	}
	r.providers = make(map[AuthnSvc]*entry)
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for _, p := range list {
		c, ok := p.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) lookup(svc AuthnSvc) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	if svc == AuthnDefault {
		if r.opt.DefaultSvc != AuthnNone {
			svc = r.opt.DefaultSvc
		} else if len(r.order) > 0 {
			svc = r.order[0]
		} else {
			return nil, ErrNoProviders
		}
	}
	e, ok := r.providers[svc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, svc)
	}
	return e, nil
}

// Provider returns the provider registered for svc.
func (r *Registry) Provider(svc AuthnSvc) (Provider, error) {
	e, err := r.lookup(svc)
	if err != nil {
		return nil, err
	}
	return e.p, nil
}

// Ext returns the protocol extension of a provider.
func (r *Registry) Ext(svc AuthnSvc, proto ProtocolID) (ProtocolExt, error) {
	e, err := r.lookup(svc)
	if err != nil {
		return nil, err
	}
	x, ok := e.ext[proto]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownProtocolExt, svc, proto)
	}
	return x, nil
}

// Services lists the registered services in registration order.
func (r *Registry) Services() []AuthnSvc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AuthnSvc, len(r.order))
	copy(out, r.order)
	return out
}

// Providers lists the registered providers in registration order.
func (r *Registry) Providers() []Provider {
	list, _ := r.snapshot()
	return list
}

func (r *Registry) snapshot() ([]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	list := make([]Provider, 0, len(r.order))
	for _, svc := range r.order {
		list = append(list, r.providers[svc].p)
	}
	return list, nil
}

// SetBindingInfo asks the provider named by req.Svc for binding info.
func (r *Registry) SetBindingInfo(ctx context.Context, req BindingRequest) (*Info, error) {
	e, err := r.lookup(req.Svc)
	if err != nil {
		return nil, err
	}
	return e.p.SetBindingInfo(ctx, req)
}

// RegisterServer registers a server principal with one provider.
func (r *Registry) RegisterServer(ctx context.Context, svc AuthnSvc, principal string, arg any) error {
	e, err := r.lookup(svc)
	if err != nil {
		return err
	}
	return e.p.RegisterServer(ctx, principal, arg)
}

func (r *Registry) DefaultLevel(svc AuthnSvc) (ProtectLevel, error) {
	e, err := r.lookup(svc)
	if err != nil {
		return LevelDefault, err
	}
	return e.p.DefaultLevel()
}

func (r *Registry) PrincipalName(ctx context.Context, svc AuthnSvc) (string, error) {
	e, err := r.lookup(svc)
	if err != nil {
		return "", err
	}
	return e.p.PrincipalName(ctx)
}

// FreeInfo drops one reference to info. The last reference is handed to the
// provider that created it. Freeing nil or an already freed info is a no-op.
func (r *Registry) FreeInfo(info *Info) error {
	if info == nil || !info.refs.release() {
		return nil
	}
	e, err := r.lookup(info.Svc)
	if err != nil {
		return err
	}
	return e.p.FreeInfo(info)
}

// FreeKey drops one reference to key, as FreeInfo does for Info.
func (r *Registry) FreeKey(key *Key) error {
	if key == nil || !key.refs.release() {
		return nil
	}
	e, err := r.lookup(key.Svc)
	if err != nil {
		return err
	}
	return e.p.FreeKey(key)
}

// ResolveIdentity validates id. A specific id.Svc asks only that provider
// and returns its error unchanged. AuthnDefault tries every provider in
// registration order; the first success wins and otherwise a *ResolveError
// lists each attempt.
func (r *Registry) ResolveIdentity(ctx context.Context, id Identity) (*ResolvedIdentity, error) {
	if id.Svc != AuthnDefault {
		e, err := r.lookup(id.Svc)
		if err != nil {
			return nil, err
		}
		return e.p.ResolveIdentity(ctx, id)
	}

	list, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNoProviders
	}
	rerr := &ResolveError{}
	for _, p := range list {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rid, err := p.ResolveIdentity(ctx, id)
		if err == nil {
			return rid, nil
		}
		rerr.Attempts = append(rerr.Attempts, ProviderError{Svc: p.AuthnSvc(), Name: p.Name(), Err: err})
	}
	return nil, rerr
}

// ReleaseIdentity returns rid to the provider that resolved it. A second
// release of the same identity is a no-op.
func (r *Registry) ReleaseIdentity(rid *ResolvedIdentity) error {
	if rid == nil || !rid.released.CompareAndSwap(false, true) {
		return nil
	}
	e, err := r.lookup(rid.Svc)
	if err != nil {
		return err
	}
	return e.p.ReleaseIdentity(rid)
}

func (r *Registry) InquireSecurityContext(info *Info) (*SecurityContext, error) {
	if info == nil || info.Refs() == 0 {
		return nil, errors.New("rauth: security context of freed info")
	}
	e, err := r.lookup(info.Svc)
	if err != nil {
		return nil, err
	}
	return e.p.InquireSecurityContext(info)
}

func (r *Registry) InquireAccessToken(info *Info) (*AccessToken, error) {
	if info == nil || info.Refs() == 0 {
		return nil, errors.New("rauth: access token of freed info")
	}
	e, err := r.lookup(info.Svc)
	if err != nil {
		return nil, err
	}
	return e.p.InquireAccessToken(info)
}
