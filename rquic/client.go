package rquic

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/kardianos/rpcrt/assoc"
	"github.com/kardianos/rpcrt/rauth"
	"github.com/kardianos/rpcrt/rstate"
)

var (
	ErrNotConnected = errors.New("rquic: client not connected")
	ErrClientClosed = errors.New("rquic: client closed")
	ErrAssocClosed  = errors.New("rquic: association closed")
)

// ConnState is the connection state of a Client.
type ConnState uint8

const (
	ConnIdle ConnState = iota
	ConnDialing
	ConnReady
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnDialing:
		return "dialing"
	case ConnReady:
		return "ready"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var connTransitions = []rstate.Transition[ConnState]{
	{From: ConnIdle, To: ConnDialing, Name: "dial"},
	{From: ConnDialing, To: ConnReady, Name: "connected"},
	{From: ConnDialing, To: ConnIdle, Name: "dial-failed"},
	{From: ConnReady, To: ConnIdle, Name: "lost"},
	{From: ConnIdle, To: ConnClosed, Name: "close"},
	{From: ConnDialing, To: ConnClosed, Name: "close"},
	{From: ConnReady, To: ConnClosed, Name: "close"},
}

type ClientOpt struct {
	Addr       string
	ServerName string
	// RootCAs verifies the server certificate chain. Ignored when Pin is set.
	RootCAs *x509.CertPool
	// Pin accepts exactly one server certificate.
	Pin *Fingerprint

	// Groups receives the client group of each connection. A table is
	// created when nil.
	Groups *assoc.Table

	// Credential returns the identity presented on each bind. Binds are
	// anonymous when nil.
	Credential func() (rauth.Identity, error)
	Level      rauth.ProtectLevel

	DialTimeout     time.Duration
	KeepAlivePeriod time.Duration

	Observer Observer
}

// session is one connection and its client group.
type session struct {
	conn  *quic.Conn
	group assoc.Key

	mu     sync.Mutex
	assocs map[assoc.AssocID]*Assoc
	dead   bool
	freed  bool
}

// Client dials one server. Each connection is one client association group
// and each Bind opens one association on it.
type Client struct {
	opt    ClientOpt
	groups *assoc.Table
	state  *rstate.Machine[ConnState]

	mu   sync.Mutex
	sess *session

	nextAssoc atomic.Uint64
}

func NewClient(opt ClientOpt) *Client {
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.KeepAlivePeriod <= 0 {
		opt.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if opt.ServerName == "" {
		opt.ServerName = "localhost"
	}
	groups := opt.Groups
	if groups == nil {
		groups = assoc.NewTable(assoc.TableOpt{})
	}
	c := &Client{
		opt:    opt,
		groups: groups,
	}
	c.state = rstate.New(ConnIdle, connTransitions, func(from, to ConnState, name string) {
		c.logf("rquic: client %s: %s -> %s (%s)", opt.Addr, from, to, name)
	})
	return c
}

func (c *Client) logf(format string, v ...any) {
	if c.opt.Observer == nil {
		return
	}
	c.opt.Observer.Logf(format, v...)
}

// State returns the connection state.
func (c *Client) State() ConnState {
	return c.state.Current()
}

// Groups returns the table holding the client's association groups.
func (c *Client) Groups() *assoc.Table {
	return c.groups
}

// Group returns the key of the current connection's group.
func (c *Client) Group() (assoc.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return assoc.Key{}, false
	}
	return c.sess.group, true
}

// Dial connects to the server. It is a no-op when already connected.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.Current() {
	case ConnReady:
		return nil
	case ConnClosed:
		return ErrClientClosed
	}
	if err := c.state.TransitionTo(ConnDialing); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opt.DialTimeout)
	defer cancel()
	kap := c.opt.KeepAlivePeriod
	qc := &quic.Config{
		KeepAlivePeriod: kap,
		MaxIdleTimeout:  kap * 4,
	}
	conn, err := quic.DialAddr(dialCtx, c.opt.Addr, clientTLS(c.opt.ServerName, c.opt.RootCAs, c.opt.Pin), qc)
	if err != nil {
		c.state.MustTransitionTo(ConnIdle)
		return fmt.Errorf("rquic: dial %s: %w", c.opt.Addr, err)
	}
	k, err := c.groups.NewGroup(assoc.RoleClient, assoc.Payload{Peer: c.opt.Addr})
	if err != nil {
		_ = conn.CloseWithError(0, "no group")
		c.state.MustTransitionTo(ConnIdle)
		return err
	}
	s := &session{
		conn:   conn,
		group:  k,
		assocs: make(map[assoc.AssocID]*Assoc),
	}
	c.sess = s
	c.state.MustTransitionTo(ConnReady)
	go c.watch(s)
	return nil
}

// watch moves the client back to idle when the connection is lost.
func (c *Client) watch(s *session) {
	<-s.conn.Context().Done()

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		if c.state.Current() == ConnReady {
			c.state.MustTransitionTo(ConnIdle)
		}
	}
	c.mu.Unlock()

	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	c.closeGroupIfIdle(s)
}

// closeGroupIfIdle raises CLOSE once the session's connection is gone and
// its last association has been removed.
func (c *Client) closeGroupIfIdle(s *session) {
	s.mu.Lock()
	if !s.dead || s.freed || len(s.assocs) > 0 {
		s.mu.Unlock()
		return
	}
	s.freed = true
	s.mu.Unlock()

	if _, err := c.groups.Raise(s.group, assoc.EventClose, assoc.Payload{}); err != nil {
		c.logf("rquic: close group %s: %v", s.group, err)
	}
}

// Close ends every association and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	if c.state.Current() == ConnClosed {
		c.mu.Unlock()
		return nil
	}
	c.state.MustTransitionTo(ConnClosed)
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	s.mu.Lock()
	list := make([]*Assoc, 0, len(s.assocs))
	for _, a := range s.assocs {
		list = append(list, a)
	}
	s.mu.Unlock()
	for _, a := range list {
		_ = a.Close()
	}
	err := s.conn.CloseWithError(0, "client closed")
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	c.closeGroupIfIdle(s)
	return err
}

// BindResult describes an accepted bind.
type BindResult struct {
	Assoc           uint64
	Svc             rauth.AuthnSvc
	Level           rauth.ProtectLevel
	ClientPrincipal string
	ServerPrincipal string
}

// Bind opens an association for an interface, dialing first if needed.
func (c *Client) Bind(ctx context.Context, id uuid.UUID, major, minor uint16) (*Assoc, error) {
	if err := c.Dial(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}

	req := BindRequest{Interface: id, Major: major, Minor: minor, Svc: rauth.AuthnNone, Level: c.opt.Level}
	if c.opt.Credential != nil {
		cred, err := c.opt.Credential()
		if err != nil {
			return nil, fmt.Errorf("rquic: credential: %w", err)
		}
		req.Svc, req.Principal, req.Proof = cred.Svc, cred.Principal, cred.Proof
	}

	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("rquic: open stream: %w", err)
	}
	a := &Assoc{
		c:      c,
		s:      s,
		id:     assoc.AssocID(c.nextAssoc.Add(1)),
		stream: stream,
		codec:  newCodec(stream),
	}
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		stream.CancelWrite(0)
		stream.CancelRead(0)
		return nil, ErrNotConnected
	}
	if _, err := c.groups.Raise(s.group, assoc.EventAddAssoc, assoc.Payload{Assoc: a.id}); err != nil {
		s.mu.Unlock()
		stream.CancelWrite(0)
		stream.CancelRead(0)
		return nil, err
	}
	s.assocs[a.id] = a
	s.mu.Unlock()

	var resp BindResponse
	err = a.roundTrip(ctx, req, &resp)
	if err == nil && resp.Status != StatusOK {
		err = &StatusError{Status: resp.Status, Msg: resp.Msg}
	}
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Result = BindResult{
		Assoc:           resp.Assoc,
		Svc:             resp.Svc,
		Level:           resp.Level,
		ClientPrincipal: resp.ClientPrincipal,
		ServerPrincipal: resp.ServerPrincipal,
	}
	return a, nil
}

// Assoc is one bound association. Calls on it are serialized.
type Assoc struct {
	c      *Client
	s      *session
	id     assoc.AssocID
	stream *quic.Stream
	codec  *codec

	Result BindResult

	closed atomic.Bool

	mu     sync.Mutex
	callID uint32
	broken error
}

// ID is the association's id within the client group.
func (a *Assoc) ID() assoc.AssocID {
	return a.id
}

// roundTrip writes v and reads into out, abandoning the stream if ctx ends
// first. Called with a.mu held or before the association is shared.
func (a *Assoc) roundTrip(ctx context.Context, v, out any) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = a.stream.SetDeadline(dl)
		defer a.stream.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = a.stream.SetDeadline(time.Now())
	})
	defer stop()

	if err := a.codec.write(v); err != nil {
		return a.fail(ctx, err)
	}
	if err := a.codec.read(out); err != nil {
		return a.fail(ctx, err)
	}
	return nil
}

func (a *Assoc) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	a.broken = err
	return err
}

// Call sends op with body in and decodes the response body into out, which
// may be nil. A non-zero response status is returned as a *StatusError.
func (a *Assoc) Call(ctx context.Context, op uint16, in, out any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAssocClosed
	}
	if a.broken != nil {
		return fmt.Errorf("%w: %v", ErrAssocClosed, a.broken)
	}

	req := Request{Op: op}
	if in != nil {
		body, err := cbor.Marshal(in)
		if err != nil {
			return err
		}
		req.Body = body
	}
	a.callID++
	req.CallID = a.callID

	var resp Response
	if err := a.roundTrip(ctx, req, &resp); err != nil {
		return err
	}
	if resp.CallID != req.CallID {
		a.broken = fmt.Errorf("response for call %d, want %d", resp.CallID, req.CallID)
		return a.broken
	}
	if resp.Status != StatusOK {
		return &StatusError{Status: resp.Status, Msg: resp.Msg}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return cbor.Unmarshal(resp.Body, out)
}

// Close ends the association and removes it from its group. A call in
// progress fails.
func (a *Assoc) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.stream.CancelRead(0)
	err := a.stream.Close()

	s := a.s
	s.mu.Lock()
	delete(s.assocs, a.id)
	s.mu.Unlock()
	if _, rerr := a.c.groups.Raise(s.group, assoc.EventRemAssoc, assoc.Payload{Assoc: a.id}); rerr != nil {
		a.c.logf("rquic: group %s: remove association %d: %v", s.group, a.id, rerr)
	}
	a.c.closeGroupIfIdle(s)
	return err
}
