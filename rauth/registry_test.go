package rauth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kardianos/rpcrt/rauth"
	"github.com/kardianos/rpcrt/rmock"
)

var errBadProof = errors.New("bad proof")

func newRegistry(t *testing.T, ps ...*rmock.Provider) *rauth.Registry {
	t.Helper()
	r := rauth.NewRegistry(rauth.RegistryOpt{Observer: rmock.NewTestLogger(t)})
	for _, p := range ps {
		if err := r.Register(p.Init()); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestResolveFallsThroughUnsupported(t *testing.T) {
	first := rmock.NewProvider(rauth.AuthnNone, "first")
	second := rmock.NewProvider(rauth.AuthnSharedSecret, "second")
	second.Resolve = func(ctx context.Context, id rauth.Identity) (*rauth.ResolvedIdentity, error) {
		return rauth.NewResolvedIdentity(rauth.AuthnSharedSecret, id.Principal, nil), nil
	}
	r := newRegistry(t, first, second)

	rid, err := r.ResolveIdentity(context.Background(), rauth.Identity{Svc: rauth.AuthnDefault, Principal: "alice"})
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if rid.Svc != rauth.AuthnSharedSecret || rid.Principal != "alice" {
		t.Fatalf("resolved %+v", rid)
	}
	if first.ResolveCalls() != 1 || second.ResolveCalls() != 1 {
		t.Fatalf("calls first=%d second=%d", first.ResolveCalls(), second.ResolveCalls())
	}

	if err := r.ReleaseIdentity(rid); err != nil {
		t.Fatal(err)
	}
	if err := r.ReleaseIdentity(rid); err != nil {
		t.Fatal(err)
	}
	if n := second.Releases(rid); n != 1 {
		t.Fatalf("released %d times, want 1", n)
	}
}

func TestResolveErrorClassification(t *testing.T) {
	t.Run("all unsupported", func(t *testing.T) {
		r := newRegistry(t,
			rmock.NewProvider(rauth.AuthnNone, "a"),
			rmock.NewProvider(rauth.AuthnSharedSecret, "b"),
		)
		_, err := r.ResolveIdentity(context.Background(), rauth.Identity{Svc: rauth.AuthnDefault})
		var rerr *rauth.ResolveError
		if !errors.As(err, &rerr) {
			t.Fatalf("err %v is not a ResolveError", err)
		}
		if len(rerr.Attempts) != 2 {
			t.Fatalf("attempts = %d, want 2", len(rerr.Attempts))
		}
		if !errors.Is(err, rauth.ErrUnsupported) {
			t.Fatal("all-unsupported error must match ErrUnsupported")
		}
	})
	t.Run("real failure", func(t *testing.T) {
		bad := rmock.NewProvider(rauth.AuthnSharedSecret, "bad")
		bad.Resolve = func(context.Context, rauth.Identity) (*rauth.ResolvedIdentity, error) {
			return nil, errBadProof
		}
		r := newRegistry(t, rmock.NewProvider(rauth.AuthnNone, "none"), bad)
		_, err := r.ResolveIdentity(context.Background(), rauth.Identity{Svc: rauth.AuthnDefault})
		if errors.Is(err, rauth.ErrUnsupported) {
			t.Fatal("real failure must not match ErrUnsupported")
		}
		if !errors.Is(err, errBadProof) {
			t.Fatalf("err %v does not wrap provider failure", err)
		}
		var rerr *rauth.ResolveError
		errors.As(err, &rerr)
		if f := rerr.Failures(); len(f) != 1 || f[0].Name != "bad" {
			t.Fatalf("failures = %+v", f)
		}
	})
	t.Run("specific service", func(t *testing.T) {
		bad := rmock.NewProvider(rauth.AuthnSharedSecret, "bad")
		bad.Resolve = func(context.Context, rauth.Identity) (*rauth.ResolvedIdentity, error) {
			return nil, errBadProof
		}
		r := newRegistry(t, bad)
		_, err := r.ResolveIdentity(context.Background(), rauth.Identity{Svc: rauth.AuthnSharedSecret})
		if err != errBadProof {
			t.Fatalf("err = %v, want provider error unchanged", err)
		}
		_, err = r.ResolveIdentity(context.Background(), rauth.Identity{Svc: rauth.AuthnWinNT})
		if !errors.Is(err, rauth.ErrUnknownProvider) {
			t.Fatalf("err = %v, want ErrUnknownProvider", err)
		}
	})
}

func TestUnsupportedError(t *testing.T) {
	p := rmock.NewProvider(rauth.AuthnNone, "none")
	_, err := p.InquireAccessToken(nil)
	var uerr *rauth.UnsupportedError
	if !errors.As(err, &uerr) {
		t.Fatalf("err %v is not an UnsupportedError", err)
	}
	if uerr.Capability != rauth.CapAccessToken || uerr.Svc != rauth.AuthnNone {
		t.Fatalf("unsupported %+v", uerr)
	}
	if !errors.Is(err, rauth.ErrUnsupported) {
		t.Fatal("UnsupportedError must match ErrUnsupported")
	}
}

func TestFreeInfoRefCount(t *testing.T) {
	p := rmock.NewProvider(rauth.AuthnSharedSecret, "secret")
	r := newRegistry(t, p)

	info, err := r.SetBindingInfo(context.Background(), rauth.BindingRequest{Svc: rauth.AuthnDefault, Level: rauth.LevelPktIntegrity})
	if err != nil {
		t.Fatal(err)
	}
	if !info.Ref() {
		t.Fatal("Ref on live info failed")
	}
	if err := r.FreeInfo(info); err != nil {
		t.Fatal(err)
	}
	if p.InfoFrees(info) != 0 {
		t.Fatal("info freed while a reference remains")
	}
	if err := r.FreeInfo(info); err != nil {
		t.Fatal(err)
	}
	if err := r.FreeInfo(info); err != nil {
		t.Fatal(err)
	}
	if err := r.FreeInfo(nil); err != nil {
		t.Fatal(err)
	}
	if n := p.InfoFrees(info); n != 1 {
		t.Fatalf("provider freed info %d times, want 1", n)
	}
	if info.Ref() {
		t.Fatal("freed info revived")
	}

	key := rauth.NewKey(rauth.AuthnSharedSecret, 1, []byte("k"))
	r.FreeKey(key)
	r.FreeKey(key)
	if n := p.KeyFrees(key); n != 1 {
		t.Fatalf("provider freed key %d times, want 1", n)
	}
}

func TestRegistryInit(t *testing.T) {
	r := rauth.NewRegistry(rauth.RegistryOpt{})
	a := rmock.NewProvider(rauth.AuthnSharedSecret, "a")
	b := rmock.NewProvider(rauth.AuthnSharedSecret, "b")
	failing := func() (rauth.Provider, map[rauth.ProtocolID]rauth.ProtocolExt, error) {
		return nil, nil, errors.New("no keytab")
	}
	r.Register(a.Init())
	r.Register(failing)
	r.Register(b.Init())

	if _, err := r.Provider(rauth.AuthnSharedSecret); !errors.Is(err, rauth.ErrNotInitialized) {
		t.Fatalf("before Init: %v", err)
	}
	err := r.Init()
	if !errors.Is(err, rauth.ErrDuplicateProvider) {
		t.Fatalf("Init = %v, want ErrDuplicateProvider", err)
	}
	got, err := r.Provider(rauth.AuthnSharedSecret)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name() != "a" {
		t.Fatalf("provider = %s, want first registration", got.Name())
	}
	if err := r.Register(b.Init()); !errors.Is(err, rauth.ErrInitialized) {
		t.Fatalf("Register after Init = %v", err)
	}

	ext, err := r.Ext(rauth.AuthnSharedSecret, rauth.ProtocolCN)
	if err != nil {
		t.Fatal(err)
	}
	if ext.TrailerSize(rauth.LevelPktIntegrity) != 16 || ext.TrailerSize(rauth.LevelNone) != 0 {
		t.Fatal("unexpected trailer sizes")
	}
	if _, err := r.Ext(rauth.AuthnSharedSecret, rauth.ProtocolDG); !errors.Is(err, rauth.ErrUnknownProtocolExt) {
		t.Fatalf("Ext(DG) = %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if a.Closed() != 1 {
		t.Fatal("provider not closed")
	}
	if _, err := r.Provider(rauth.AuthnSharedSecret); !errors.Is(err, rauth.ErrRegistryClosed) {
		t.Fatalf("after Close: %v", err)
	}
}
