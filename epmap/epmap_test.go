package epmap_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kardianos/rpcrt/epdb"
	"github.com/kardianos/rpcrt/epmap"
	"github.com/kardianos/rpcrt/rauth"
	"github.com/kardianos/rpcrt/rauth/noauth"
	"github.com/kardianos/rpcrt/rauth/secretauth"
	"github.com/kardianos/rpcrt/rmock"
	"github.com/kardianos/rpcrt/rquic"
	"github.com/kardianos/rpcrt/rstore"
)

var (
	ifA         = uuid.MustParse("12345778-1234-abcd-ef00-0123456789ab")
	ifB         = uuid.MustParse("338cd001-2244-31f1-aaaa-900038001003")
	objU1       = uuid.MustParse("6f1c1e3a-5d2b-4a8e-9c3f-0b1d2e3f4a5b")
	ndr         = uuid.MustParse("8a885d04-1ceb-11c9-9fe8-08002b104860")
	aliceSecret = []byte("0123456789abcdef-alice")
)

const protoTCP = 0x07

func entry(obj, iface uuid.UUID, minor uint16, addr string) epdb.Entry {
	return epdb.Entry{
		Object:     obj,
		Interface:  epdb.IfID{UUID: iface, Major: 1, Minor: minor},
		DataRep:    epdb.SyntaxID{UUID: ndr, Version: 2},
		Protocol:   epdb.ProtocolID{ID: protoTCP, Major: 1},
		Addr:       addr,
		Annotation: "svc " + addr,
		Tower:      []byte(addr),
	}
}

type fixture struct {
	db   *epdb.DB
	srv  *epmap.Server
	addr string
	pin  rquic.Fingerprint
}

func setup(t *testing.T) *fixture {
	t.Helper()
	log := rmock.NewTestLogger(t)

	ds, err := rstore.NewFileStore(filepath.Join(t.TempDir(), "keytab"))
	if err != nil {
		t.Fatal(err)
	}
	kt := secretauth.NewKeytab(ds)
	if err := kt.Add("alice", aliceSecret); err != nil {
		t.Fatal(err)
	}
	reg := rauth.NewRegistry(rauth.RegistryOpt{Observer: log})
	reg.Register(noauth.Init)
	reg.Register(secretauth.Init(kt, secretauth.Options{}))
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	db := epdb.New(epdb.Options{Observer: log})
	t.Cleanup(func() { db.Close() })

	cert, _, _, err := rquic.SelfSigned(time.Now(), "localhost")
	if err != nil {
		t.Fatal(err)
	}
	rs, err := rquic.NewServer(rquic.ServerOpt{Cert: cert, Registry: reg, Observer: log})
	if err != nil {
		t.Fatal(err)
	}
	srv := epmap.NewServer(epmap.ServerOpt{DB: db, Observer: log})
	srv.Register(rs)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Serve(ctx, pc) }()
	t.Cleanup(func() {
		cancel()
		<-done
		pc.Close()
	})
	return &fixture{db: db, srv: srv, addr: pc.LocalAddr().String(), pin: rquic.CertFingerprint(cert)}
}

func (f *fixture) dial(t *testing.T, cred func() (rauth.Identity, error)) *rquic.Client {
	t.Helper()
	pin := f.pin
	rc := rquic.NewClient(rquic.ClientOpt{
		Addr:       f.addr,
		Pin:        &pin,
		Credential: cred,
		Observer:   rmock.NewTestLogger(t),
	})
	t.Cleanup(func() { rc.Close() })
	return rc
}

func (f *fixture) bind(t *testing.T, ctx context.Context, rc *rquic.Client) *epmap.Client {
	t.Helper()
	c, err := epmap.Bind(ctx, rc)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInsertLookupMap(t *testing.T) {
	f := setup(t)
	ctx := testCtx(t)
	c := f.bind(t, ctx, f.dial(t, secretauth.Credential("alice", aliceSecret, nil)))

	err := c.Insert(ctx, false,
		entry(uuid.Nil, ifA, 0, "10.0.0.1[1025]"),
		entry(uuid.Nil, ifA, 2, "10.0.0.2[1025]"),
		entry(objU1, ifA, 1, "10.0.0.3[1025]"),
		entry(uuid.Nil, ifB, 0, "10.0.0.4[1025]"),
		entry(uuid.Nil, ifB, 0, "10.0.0.5[1025]"),
	)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if f.db.Len() != 5 {
		t.Fatalf("db has %d entries, want 5", f.db.Len())
	}

	all, err := c.Lookup(ctx, epmap.LookupArgs{Inquiry: epdb.IndexEntry, Max: 2})
	if err != nil {
		t.Fatalf("Lookup all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("Lookup all returned %d entries, want 5", len(all))
	}

	byIf, err := c.Lookup(ctx, epmap.LookupArgs{
		Inquiry:   epdb.IndexInterface,
		Interface: epdb.IfID{UUID: ifA, Major: 1, Minor: 1},
		Vers:      epdb.VersCompatible,
	})
	if err != nil {
		t.Fatalf("Lookup interface: %v", err)
	}
	if len(byIf) != 2 {
		t.Fatalf("compatible lookup returned %d entries, want 2: %v", len(byIf), byIf)
	}

	none, err := c.Lookup(ctx, epmap.LookupArgs{Inquiry: epdb.IndexInterface, Interface: epdb.IfID{UUID: uuid.New()}})
	if err != nil || len(none) != 0 {
		t.Fatalf("lookup of unknown interface: %v, %v", none, err)
	}

	mapped, err := c.Map(ctx, epmap.MapArgs{Object: objU1, Interface: epdb.IfID{UUID: ifA, Major: 1}, Protocol: protoTCP})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(mapped) != 1 || mapped[0].Addr != "10.0.0.3[1025]" {
		t.Fatalf("Map preferred %v, want the object entry", mapped)
	}
	mapped, err = c.Map(ctx, epmap.MapArgs{Interface: epdb.IfID{UUID: ifB, Major: 1}, Protocol: protoTCP, Max: 1})
	if err != nil || len(mapped) != 1 {
		t.Fatalf("Map max 1: %v, %v", mapped, err)
	}
	if _, err := c.Map(ctx, epmap.MapArgs{Interface: epdb.IfID{UUID: ifB, Major: 2}, Protocol: protoTCP}); !errors.Is(err, epdb.ErrNotRegistered) {
		t.Fatalf("Map of unregistered major: %v", err)
	}

	obj, err := c.InqObject(ctx)
	if err != nil || obj != f.db.Identity() {
		t.Fatalf("InqObject = %s, %v; want %s", obj, err, f.db.Identity())
	}
}

func TestInsertDeleteErrors(t *testing.T) {
	f := setup(t)
	ctx := testCtx(t)
	c := f.bind(t, ctx, f.dial(t, secretauth.Credential("alice", aliceSecret, nil)))

	e := entry(uuid.Nil, ifA, 0, "10.0.0.1[1025]")
	if err := c.Insert(ctx, false, e); err != nil {
		t.Fatal(err)
	}
	if err := c.Insert(ctx, false, e); !errors.Is(err, epdb.ErrExists) {
		t.Fatalf("second Insert without replace: %v", err)
	}
	e.Annotation = "replaced"
	if err := c.Insert(ctx, true, e); err != nil {
		t.Fatalf("Insert with replace: %v", err)
	}
	if got := f.db.Entries()[0].Annotation; got != "replaced" {
		t.Fatalf("annotation %q", got)
	}

	bad := e
	bad.Addr = ""
	if err := c.Insert(ctx, false, bad); !errors.Is(err, epdb.ErrInvalidEntry) {
		t.Fatalf("Insert of invalid entry: %v", err)
	}

	if err := c.Delete(ctx, e); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(ctx, e); !errors.Is(err, epdb.ErrNotRegistered) {
		t.Fatalf("second Delete: %v", err)
	}
	if f.db.Len() != 0 {
		t.Fatalf("db has %d entries after delete", f.db.Len())
	}
}

func TestMultiEntryWritesAllOrNothing(t *testing.T) {
	f := setup(t)
	ctx := testCtx(t)
	c := f.bind(t, ctx, f.dial(t, secretauth.Credential("alice", aliceSecret, nil)))

	a := entry(uuid.Nil, ifA, 0, "10.0.0.1[1025]")
	b := entry(uuid.Nil, ifA, 0, "10.0.0.2[1025]")
	if err := c.Insert(ctx, false, a); err != nil {
		t.Fatal(err)
	}
	// b is new but a already exists.
	if err := c.Insert(ctx, false, b, a); !errors.Is(err, epdb.ErrExists) {
		t.Fatalf("Insert: %v, want ErrExists", err)
	}
	if f.db.Len() != 1 {
		t.Fatalf("db has %d entries, want 1 after a failed insert", f.db.Len())
	}

	// b is not registered, so a stays.
	if err := c.Delete(ctx, a, b); !errors.Is(err, epdb.ErrNotRegistered) {
		t.Fatalf("Delete: %v, want ErrNotRegistered", err)
	}
	if f.db.Len() != 1 {
		t.Fatalf("db has %d entries, want 1 after a failed delete", f.db.Len())
	}

	if err := c.Insert(ctx, false, b); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, a, b); err != nil {
		t.Fatal(err)
	}
	if f.db.Len() != 0 {
		t.Fatalf("db has %d entries after delete", f.db.Len())
	}
}

func TestAnonymousWriteDenied(t *testing.T) {
	f := setup(t)
	ctx := testCtx(t)
	f.db.Insert(entry(uuid.Nil, ifA, 0, "10.0.0.1[1025]"))
	c := f.bind(t, ctx, f.dial(t, nil))

	if err := c.Insert(ctx, true, entry(uuid.Nil, ifB, 0, "10.0.0.9[1025]")); !errors.Is(err, epmap.ErrAccessDenied) {
		t.Fatalf("anonymous Insert: %v", err)
	}
	if err := c.Delete(ctx, entry(uuid.Nil, ifA, 0, "10.0.0.1[1025]")); !errors.Is(err, epmap.ErrAccessDenied) {
		t.Fatalf("anonymous Delete: %v", err)
	}
	got, err := c.Lookup(ctx, epmap.LookupArgs{})
	if err != nil || len(got) != 1 {
		t.Fatalf("anonymous Lookup: %v, %v", got, err)
	}
}

func TestLookupHandles(t *testing.T) {
	f := setup(t)
	ctx := testCtx(t)
	for i := range 4 {
		f.db.Insert(entry(uuid.Nil, ifA, 0, fmt.Sprintf("10.0.0.%d[1025]", i+1)))
	}
	rc := f.dial(t, nil)
	owner := f.bind(t, ctx, rc)
	other := f.bind(t, ctx, rc)

	page, h, err := owner.LookupPage(ctx, epmap.LookupArgs{Max: 1})
	if err != nil || len(page) != 1 || len(h) == 0 {
		t.Fatalf("first page: %v, handle %x, %v", page, h, err)
	}
	if f.srv.OpenHandles() != 1 || f.db.OpenHandles() != 1 {
		t.Fatalf("open handles: server %d db %d", f.srv.OpenHandles(), f.db.OpenHandles())
	}

	t.Run("other association", func(t *testing.T) {
		if _, _, err := other.LookupPage(ctx, epmap.LookupArgs{Handle: h}); !errors.Is(err, epdb.ErrInvalidHandle) {
			t.Fatalf("page with a foreign handle: %v", err)
		}
		if err := other.FreeHandle(ctx, h); !errors.Is(err, epdb.ErrInvalidHandle) {
			t.Fatalf("free of a foreign handle: %v", err)
		}
	})

	t.Run("garbage handle", func(t *testing.T) {
		if _, _, err := owner.LookupPage(ctx, epmap.LookupArgs{Handle: []byte{1, 2, 3}}); !errors.Is(err, epdb.ErrInvalidHandle) {
			t.Fatalf("page with a short handle: %v", err)
		}
	})

	page, h2, err := owner.LookupPage(ctx, epmap.LookupArgs{Handle: h, Max: 1})
	if err != nil || len(page) != 1 {
		t.Fatalf("second page: %v, %v", page, err)
	}
	if err := owner.FreeHandle(ctx, h2); err != nil {
		t.Fatalf("FreeHandle: %v", err)
	}
	if f.srv.OpenHandles() != 0 || f.db.OpenHandles() != 0 {
		t.Fatalf("after free: server %d db %d", f.srv.OpenHandles(), f.db.OpenHandles())
	}

	// A handle left open is released when its association closes.
	if _, _, err := owner.LookupPage(ctx, epmap.LookupArgs{Max: 2}); err != nil {
		t.Fatal(err)
	}
	if f.db.OpenHandles() != 1 {
		t.Fatalf("db handles %d, want 1", f.db.OpenHandles())
	}
	owner.Close()
	waitFor(t, "handle rundown", func() bool { return f.srv.OpenHandles() == 0 && f.db.OpenHandles() == 0 })
}

func TestLookupInvalidated(t *testing.T) {
	f := setup(t)
	ctx := testCtx(t)
	f.db.Insert(entry(uuid.Nil, ifA, 0, "10.0.0.1[1025]"))
	f.db.Insert(entry(uuid.Nil, ifA, 0, "10.0.0.2[1025]"))
	c := f.bind(t, ctx, f.dial(t, nil))

	args := epmap.LookupArgs{Inquiry: epdb.IndexInterface, Interface: epdb.IfID{UUID: ifA}, Max: 1}
	_, h, err := c.LookupPage(ctx, args)
	if err != nil || len(h) == 0 {
		t.Fatalf("first page: %v", err)
	}
	f.db.Insert(entry(uuid.Nil, ifA, 0, "10.0.0.3[1025]"))

	args.Handle = h
	if _, _, err := c.LookupPage(ctx, args); !errors.Is(err, epdb.ErrInvalidated) {
		t.Fatalf("page after insert: %v", err)
	}
	if f.srv.OpenHandles() != 0 || f.db.OpenHandles() != 0 {
		t.Fatalf("invalidated handle kept: server %d db %d", f.srv.OpenHandles(), f.db.OpenHandles())
	}
}
