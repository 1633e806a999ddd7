package secretauth_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kardianos/rpcrt/rauth"
	"github.com/kardianos/rpcrt/rauth/noauth"
	"github.com/kardianos/rpcrt/rauth/secretauth"
	"github.com/kardianos/rpcrt/rmock"
	"github.com/kardianos/rpcrt/rstore"
)

var aliceSecret = []byte("0123456789abcdef-alice")

func setup(t *testing.T, now func() time.Time) (*rauth.Registry, *secretauth.Keytab) {
	t.Helper()
	ds, err := rstore.NewFileStore(filepath.Join(t.TempDir(), "keytab"))
	if err != nil {
		t.Fatal(err)
	}
	kt := secretauth.NewKeytab(ds)
	if err := kt.Add("alice", aliceSecret); err != nil {
		t.Fatal(err)
	}
	r := rauth.NewRegistry(rauth.RegistryOpt{DefaultSvc: rauth.AuthnSharedSecret, Observer: rmock.NewTestLogger(t)})
	r.Register(noauth.Init)
	r.Register(secretauth.Init(kt, secretauth.Options{MaxSkew: time.Minute, Now: now}))
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, kt
}

func TestResolveWithProof(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r, _ := setup(t, func() time.Time { return now })
	ctx := context.Background()

	proof, err := secretauth.NewProof("alice", aliceSecret, now)
	if err != nil {
		t.Fatal(err)
	}
	// noauth is registered first and passes on identities with a proof.
	rid, err := r.ResolveIdentity(ctx, rauth.Identity{Svc: rauth.AuthnDefault, Principal: "alice", Proof: proof})
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if rid.Svc != rauth.AuthnSharedSecret || rid.Principal != "alice" {
		t.Fatalf("resolved %+v", rid)
	}

	p, _ := r.Provider(rauth.AuthnSharedSecret)
	sp := p.(*secretauth.Provider)
	nonce := []byte("session-nonce")
	k1, err := sp.SessionKey(rid, nonce)
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := sp.SessionKey(rid, nonce)
	if !bytes.Equal(k1.Bytes, k2.Bytes) || k1.Version == k2.Version {
		t.Fatal("session keys from one nonce must match and carry distinct versions")
	}
	if err := r.FreeKey(k1); err != nil {
		t.Fatal(err)
	}
	if k1.Bytes != nil {
		t.Fatal("freed key not cleared")
	}
	r.FreeKey(k1)

	if err := r.ReleaseIdentity(rid); err != nil {
		t.Fatal(err)
	}
	if _, err := sp.SessionKey(rid, nonce); err == nil {
		t.Fatal("session key from released identity")
	}
}

func TestResolveFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r, _ := setup(t, func() time.Time { return now })
	ctx := context.Background()

	good, _ := secretauth.NewProof("alice", aliceSecret, now)
	tampered := bytes.Clone(good)
	tampered[len(tampered)-1] ^= 1
	stale, _ := secretauth.NewProof("alice", aliceSecret, now.Add(-time.Hour))

	tests := []struct {
		name  string
		id    rauth.Identity
		match error
	}{
		{"tampered", rauth.Identity{Principal: "alice", Proof: tampered}, secretauth.ErrBadProof},
		{"short", rauth.Identity{Principal: "alice", Proof: good[:10]}, secretauth.ErrBadProof},
		{"stale", rauth.Identity{Principal: "alice", Proof: stale}, secretauth.ErrStaleProof},
		{"unknown", rauth.Identity{Principal: "bob", Proof: good}, secretauth.ErrUnknownPrincipal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.id.Svc = rauth.AuthnSharedSecret
			_, err := r.ResolveIdentity(ctx, tt.id)
			if !errors.Is(err, tt.match) {
				t.Fatalf("err = %v, want %v", err, tt.match)
			}

			tt.id.Svc = rauth.AuthnDefault
			_, err = r.ResolveIdentity(ctx, tt.id)
			var rerr *rauth.ResolveError
			if !errors.As(err, &rerr) {
				t.Fatalf("default resolution err = %v, want ResolveError", err)
			}
			if errors.Is(err, rauth.ErrUnsupported) {
				t.Fatal("a real failure must not read as unsupported")
			}
			if !errors.Is(err, tt.match) {
				t.Fatalf("default resolution err = %v, want %v", err, tt.match)
			}
		})
	}
}

func TestProofResolvesOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r, _ := setup(t, func() time.Time { return now })
	ctx := context.Background()

	proof, err := secretauth.NewProof("alice", aliceSecret, now)
	if err != nil {
		t.Fatal(err)
	}
	id := rauth.Identity{Svc: rauth.AuthnSharedSecret, Principal: "alice", Proof: proof}
	rid, err := r.ResolveIdentity(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	r.ReleaseIdentity(rid)

	if _, err := r.ResolveIdentity(ctx, id); !errors.Is(err, secretauth.ErrReplay) {
		t.Fatalf("replayed proof: err = %v, want ErrReplay", err)
	}

	// A fresh proof from the same principal still resolves.
	fresh, _ := secretauth.NewProof("alice", aliceSecret, now)
	rid, err = r.ResolveIdentity(ctx, rauth.Identity{Svc: rauth.AuthnSharedSecret, Principal: "alice", Proof: fresh})
	if err != nil {
		t.Fatalf("fresh proof: %v", err)
	}
	r.ReleaseIdentity(rid)
}

func TestAnonymousResolvesThroughNone(t *testing.T) {
	r, _ := setup(t, nil)
	rid, err := r.ResolveIdentity(context.Background(), rauth.Identity{Svc: rauth.AuthnDefault})
	if err != nil {
		t.Fatal(err)
	}
	if rid.Svc != rauth.AuthnNone || rid.Principal != noauth.Anonymous {
		t.Fatalf("resolved %+v", rid)
	}
	r.ReleaseIdentity(rid)
}

func TestBindingInfo(t *testing.T) {
	r, _ := setup(t, nil)
	ctx := context.Background()

	if _, err := r.PrincipalName(ctx, rauth.AuthnSharedSecret); !errors.Is(err, secretauth.ErrNoServer) {
		t.Fatalf("PrincipalName before register = %v", err)
	}
	if err := r.RegisterServer(ctx, rauth.AuthnSharedSecret, "epmap", []byte("server-secret-0123456789")); err != nil {
		t.Fatal(err)
	}
	name, err := r.PrincipalName(ctx, rauth.AuthnSharedSecret)
	if err != nil || name != "epmap" {
		t.Fatalf("PrincipalName = %q, %v", name, err)
	}
	if err := r.RegisterServer(ctx, rauth.AuthnSharedSecret, "nobody", nil); !errors.Is(err, secretauth.ErrUnknownPrincipal) {
		t.Fatalf("RegisterServer without secret = %v", err)
	}

	client := rauth.NewResolvedIdentity(rauth.AuthnSharedSecret, "alice", nil)
	info, err := r.SetBindingInfo(ctx, rauth.BindingRequest{Svc: rauth.AuthnDefault, ServerPrincipal: "epmap", Client: client, Server: true})
	if err != nil {
		t.Fatal(err)
	}
	if info.Level != rauth.LevelPktIntegrity {
		t.Fatalf("level = %s", info.Level)
	}
	sc, err := r.InquireSecurityContext(info)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Initiator != "alice" || sc.Acceptor != "epmap" || !sc.Established || sc.LocallyInitiated {
		t.Fatalf("security context %+v", sc)
	}
	if _, err := r.InquireAccessToken(info); !errors.Is(err, rauth.ErrUnsupported) {
		t.Fatalf("InquireAccessToken = %v, want unsupported", err)
	}
	ext, err := r.Ext(rauth.AuthnSharedSecret, rauth.ProtocolDG)
	if err != nil || ext.TrailerSize(rauth.LevelPktIntegrity) != secretauth.ProofLen-24 {
		t.Fatalf("Ext = %v, %v", ext, err)
	}

	if err := r.FreeInfo(info); err != nil {
		t.Fatal(err)
	}
	if _, err := r.InquireSecurityContext(info); err == nil {
		t.Fatal("security context of freed info")
	}
}

func TestKeytab(t *testing.T) {
	ds, err := rstore.NewConfigStore(filepath.Join(t.TempDir(), "keytab.conf"))
	if err != nil {
		t.Fatal(err)
	}
	kt := secretauth.NewKeytab(ds)
	if err := kt.Add("short", []byte("x")); !errors.Is(err, secretauth.ErrShortSecret) {
		t.Fatalf("Add short = %v", err)
	}
	if err := kt.Add("bad/name", aliceSecret); !errors.Is(err, rstore.ErrInvalidKey) {
		t.Fatalf("Add bad name = %v", err)
	}
	kt.Add("alice", aliceSecret)
	kt.Add("bob", aliceSecret)
	ds.Set("other", false, []byte("x"))

	list, err := kt.Principals()
	if err != nil || len(list) != 2 || list[0] != "alice" || list[1] != "bob" {
		t.Fatalf("Principals = %v, %v", list, err)
	}
	if err := kt.Remove("bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := kt.Lookup("bob"); !errors.Is(err, secretauth.ErrUnknownPrincipal) {
		t.Fatalf("Lookup removed = %v", err)
	}
	got, err := kt.Lookup("alice")
	if err != nil || !bytes.Equal(got, aliceSecret) {
		t.Fatalf("Lookup = %q, %v", got, err)
	}
}
