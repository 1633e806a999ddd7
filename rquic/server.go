package rquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/kardianos/rpcrt/assoc"
	"github.com/kardianos/rpcrt/liveness"
	"github.com/kardianos/rpcrt/rauth"
)

const (
	DefaultKeepAlivePeriod = 45 * time.Second
	DefaultBindTimeout     = 10 * time.Second
)

var ErrNoRegistry = errors.New("rquic: server needs an auth registry")

// Observer receives log lines from servers and clients.
type Observer interface {
	Logf(format string, v ...any)
}

// Call is one request delivered to a Handler.
type Call struct {
	Op   uint16
	Body cbor.RawMessage

	Group assoc.Key
	Assoc assoc.AssocID

	// Identity and Info are owned by the association and stay valid until
	// the handler returns.
	Identity *rauth.ResolvedIdentity
	Info     *rauth.Info
}

// Decode unmarshals the request body into v.
func (c *Call) Decode(v any) error {
	if err := cbor.Unmarshal(c.Body, v); err != nil {
		return Errorf(StatusBadRequest, "op %d: %v", c.Op, err)
	}
	return nil
}

// Handler serves the calls of one interface. The returned value is
// marshaled into the response body. A *StatusError sets the response
// status; any other error is reported as StatusInternal.
type Handler interface {
	Call(ctx context.Context, c *Call) (any, error)
}

// AssocCloser is implemented by handlers that keep per-association state,
// such as context handles, and need to run it down when the association
// ends for any reason.
type AssocCloser interface {
	AssocClosed(group assoc.Key, id assoc.AssocID)
}

type HandlerFunc func(ctx context.Context, c *Call) (any, error)

func (f HandlerFunc) Call(ctx context.Context, c *Call) (any, error) {
	return f(ctx, c)
}

type ifKey struct {
	id    uuid.UUID
	major uint16
}

type registration struct {
	minor uint16
	h     Handler
}

type ServerOpt struct {
	ListenOn string
	Cert     tls.Certificate

	Registry *rauth.Registry
	// Groups receives one server group per connection. A table is created
	// when nil.
	Groups   *assoc.Table
	Liveness liveness.Config

	// MinLevel rejects binds that resolve to a lower protection level.
	MinLevel        rauth.ProtectLevel
	BindTimeout     time.Duration
	KeepAlivePeriod time.Duration
	// AuthRetryInterval refuses binds from a host for this long after one
	// of its binds failed authentication. Zero disables it.
	AuthRetryInterval time.Duration

	Observer Observer
}

// Server accepts QUIC connections. Each connection is one server
// association group and each stream on it one association.
type Server struct {
	opt      ServerOpt
	groups   *assoc.Table
	live     *liveness.Monitor
	throttle *authThrottle

	mu       sync.RWMutex
	handlers map[ifKey]registration
	addr     net.Addr

	nextAssoc atomic.Uint64
	wg        sync.WaitGroup
}

func NewServer(opt ServerOpt) (*Server, error) {
	if opt.Registry == nil {
		return nil, ErrNoRegistry
	}
	if opt.BindTimeout <= 0 {
		opt.BindTimeout = DefaultBindTimeout
	}
	if opt.KeepAlivePeriod <= 0 {
		opt.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	groups := opt.Groups
	if groups == nil {
		groups = assoc.NewTable(assoc.TableOpt{})
	}
	lc := opt.Liveness
	if lc.Observer == nil && opt.Observer != nil {
		lc.Observer = opt.Observer
	}
	return &Server{
		opt:      opt,
		groups:   groups,
		live:     liveness.New(groups, lc),
		throttle: newAuthThrottle(opt.AuthRetryInterval),
		handlers: make(map[ifKey]registration),
	}, nil
}

func (s *Server) logf(format string, v ...any) {
	if s.opt.Observer == nil {
		return
	}
	s.opt.Observer.Logf(format, v...)
}

// Register serves an interface. Binds naming the same UUID and major
// version with a minor version up to minor are accepted.
func (s *Server) Register(id uuid.UUID, major, minor uint16, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[ifKey{id: id, major: major}] = registration{minor: minor, h: h}
}

// Groups returns the table holding the server's association groups.
func (s *Server) Groups() *assoc.Table {
	return s.groups
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// ListenAndServe listens on opt.ListenOn and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.opt.ListenOn)
	if err != nil {
		return fmt.Errorf("rquic: listen %s: %w", s.opt.ListenOn, err)
	}
	defer pc.Close()
	return s.Serve(ctx, pc)
}

// Serve accepts connections on packetConn until ctx is done. It returns nil
// once ctx is done and every connection handler has exited.
func (s *Server) Serve(ctx context.Context, packetConn net.PacketConn) error {
	kap := s.opt.KeepAlivePeriod
	qc := &quic.Config{
		KeepAlivePeriod: kap,
		MaxIdleTimeout:  kap * 4,
	}
	listener, err := quic.Listen(packetConn, serverTLS(s.opt.Cert), qc)
	if err != nil {
		return fmt.Errorf("rquic: start listener: %w", err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	s.logf("rquic: listening on %s", listener.Addr())

	defer func() {
		listener.Close()
		s.wg.Wait()
		s.live.Close()
	}()
	if s.throttle != nil {
		tctx, stop := context.WithCancel(ctx)
		defer stop()
		go s.throttle.cleanupLoop(tctx)
	}
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rquic: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *quic.Conn) {
	peer := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}
	k, err := s.groups.NewGroup(assoc.RoleServer, assoc.Payload{Peer: peer})
	if err != nil {
		s.logf("rquic: refuse %s: %v", peer, err)
		_ = conn.CloseWithError(quic.ApplicationErrorCode(StatusBusy), err.Error())
		return
	}
	if err := s.live.Watch(k); err != nil {
		s.logf("rquic: group %s not watched: %v", k, err)
	}
	s.logf("rquic: connection from %s is group %s", peer, k)

	var streams sync.WaitGroup
	defer streams.Wait()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.CloseWithError(0, "server shutting down")
			}
			return
		}
		streams.Add(1)
		go func() {
			defer streams.Done()
			s.handleStream(conn.Context(), k, host, stream)
		}()
	}
}

// binding is what an accepted bind holds until its association ends.
type binding struct {
	h    Handler
	rid  *rauth.ResolvedIdentity
	info *rauth.Info
}

func (s *Server) release(b *binding) {
	if err := s.opt.Registry.FreeInfo(b.info); err != nil {
		s.logf("rquic: free binding info: %v", err)
	}
	if err := s.opt.Registry.ReleaseIdentity(b.rid); err != nil {
		s.logf("rquic: release identity %q: %v", b.rid.Principal, err)
	}
}

func (s *Server) bind(ctx context.Context, req *BindRequest) (*binding, error) {
	s.mu.RLock()
	reg, ok := s.handlers[ifKey{id: req.Interface, major: req.Major}]
	s.mu.RUnlock()
	if !ok || req.Minor > reg.minor {
		return nil, Errorf(StatusUnknownInterface, "%s v%d.%d", req.Interface, req.Major, req.Minor)
	}

	r := s.opt.Registry
	rid, err := r.ResolveIdentity(ctx, rauth.Identity{Svc: req.Svc, Principal: req.Principal, Proof: req.Proof})
	if err != nil {
		return nil, &StatusError{Status: StatusAuthRejected, Msg: err.Error()}
	}
	serverPrincipal, _ := r.PrincipalName(ctx, rid.Svc)
	info, err := r.SetBindingInfo(ctx, rauth.BindingRequest{
		Svc:             rid.Svc,
		Level:           req.Level,
		Authz:           req.Authz,
		ServerPrincipal: serverPrincipal,
		Client:          rid,
		Server:          true,
	})
	if err != nil {
		_ = r.ReleaseIdentity(rid)
		return nil, &StatusError{Status: StatusAuthRejected, Msg: err.Error()}
	}
	b := &binding{h: reg.h, rid: rid, info: info}
	if info.Level < s.opt.MinLevel {
		s.release(b)
		return nil, Errorf(StatusLevelRejected, "%s below %s", info.Level, s.opt.MinLevel)
	}
	return b, nil
}

func (s *Server) handleStream(ctx context.Context, k assoc.Key, host string, stream *quic.Stream) {
	defer stream.Close()
	c := newCodec(stream)

	_ = stream.SetReadDeadline(time.Now().Add(s.opt.BindTimeout))
	var req BindRequest
	if err := c.read(&req); err != nil {
		s.logf("rquic: group %s: read bind: %v", k, err)
		stream.CancelRead(quic.StreamErrorCode(StatusBadRequest))
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	if d := s.throttle.wait(host); d > 0 {
		_ = c.write(BindResponse{
			Status: StatusBusy,
			Msg:    fmt.Sprintf("authentication failed recently, retry in %s", d.Round(time.Millisecond)),
		})
		return
	}
	b, err := s.bind(ctx, &req)
	if err != nil {
		if StatusOf(err) == StatusAuthRejected {
			s.throttle.fail(host)
		}
		s.logf("rquic: group %s: bind %s rejected: %v", k, req.Interface, err)
		_ = c.write(BindResponse{Status: StatusOf(err), Msg: messageOf(err)})
		return
	}

	id := assoc.AssocID(s.nextAssoc.Add(1))
	if _, err := s.groups.Raise(k, assoc.EventAddAssoc, assoc.Payload{Assoc: id}); err != nil {
		s.release(b)
		st := StatusBusy
		if errors.Is(err, assoc.ErrUnknownGroup) {
			st = StatusInternal
		}
		_ = c.write(BindResponse{Status: st, Msg: err.Error()})
		return
	}
	defer func() {
		if ac, ok := b.h.(AssocCloser); ok {
			ac.AssocClosed(k, id)
		}
		if _, err := s.groups.Raise(k, assoc.EventRemAssoc, assoc.Payload{Assoc: id}); err != nil {
			s.logf("rquic: group %s: remove association %d: %v", k, id, err)
		}
		s.release(b)
	}()

	err = c.write(BindResponse{
		Status:          StatusOK,
		Assoc:           uint64(id),
		Svc:             b.info.Svc,
		Level:           b.info.Level,
		ClientPrincipal: b.rid.Principal,
		ServerPrincipal: b.info.ServerPrincipal,
	})
	if err != nil {
		return
	}

	for {
		var r Request
		if err := c.read(&r); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logf("rquic: group %s: association %d: %v", k, id, err)
			}
			return
		}
		s.groups.Touch(k)
		resp := s.dispatch(ctx, b, k, id, &r)
		if err := c.write(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, b *binding, k assoc.Key, id assoc.AssocID, r *Request) Response {
	call := &Call{
		Op:       r.Op,
		Body:     r.Body,
		Group:    k,
		Assoc:    id,
		Identity: b.rid,
		Info:     b.info,
	}
	out, err := b.h.Call(ctx, call)
	if err != nil {
		st := StatusOf(err)
		if st == StatusInternal {
			s.logf("rquic: group %s: op %d: %v", k, r.Op, err)
		}
		return Response{CallID: r.CallID, Status: st, Msg: messageOf(err)}
	}
	resp := Response{CallID: r.CallID}
	if out != nil {
		body, err := cbor.Marshal(out)
		if err != nil {
			return Response{CallID: r.CallID, Status: StatusInternal, Msg: err.Error()}
		}
		resp.Body = body
	}
	return resp
}
