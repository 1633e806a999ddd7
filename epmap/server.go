package epmap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kardianos/rpcrt/assoc"
	"github.com/kardianos/rpcrt/epdb"
	"github.com/kardianos/rpcrt/rauth"
	"github.com/kardianos/rpcrt/rquic"
)

type Observer interface {
	Logf(format string, v ...any)
}

type ServerOpt struct {
	DB *epdb.DB
	// AnonymousWrites lets unauthenticated callers insert and delete.
	AnonymousWrites bool
	Observer        Observer
}

// Server implements the endpoint mapper operations. It is an rquic.Handler.
type Server struct {
	opt ServerOpt

	mu      sync.Mutex
	handles map[assoc.AssocID]map[epdb.Handle]struct{}
}

var (
	_ rquic.Handler     = (*Server)(nil)
	_ rquic.AssocCloser = (*Server)(nil)
)

func NewServer(opt ServerOpt) *Server {
	return &Server{
		opt:     opt,
		handles: make(map[assoc.AssocID]map[epdb.Handle]struct{}),
	}
}

// Register serves the endpoint mapper interface on rs.
func (s *Server) Register(rs *rquic.Server) {
	rs.Register(Interface, Major, Minor, s)
}

func (s *Server) logf(format string, v ...any) {
	if s.opt.Observer == nil {
		return
	}
	s.opt.Observer.Logf(format, v...)
}

func (s *Server) Call(ctx context.Context, c *rquic.Call) (any, error) {
	var (
		out any
		err error
	)
	switch c.Op {
	case OpInsert:
		out, err = s.insert(c)
	case OpDelete:
		out, err = s.delete(c)
	case OpLookup:
		out, err = s.lookup(c)
	case OpMap:
		out, err = s.mapEndpoints(c)
	case OpLookupHandleFree:
		out, err = s.freeHandle(c)
	case OpInqObject:
		out = InqObjectReply{Object: s.opt.DB.Identity()}
	default:
		return nil, rquic.Errorf(rquic.StatusUnknownOp, "op %d", c.Op)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Server) checkWrite(c *rquic.Call) error {
	if s.opt.AnonymousWrites {
		return nil
	}
	if c.Identity == nil || c.Identity.Svc == rauth.AuthnNone {
		return fmt.Errorf("%w: op %d needs an authenticated caller", ErrAccessDenied, c.Op)
	}
	return nil
}

func (s *Server) insert(c *rquic.Call) (any, error) {
	if err := s.checkWrite(c); err != nil {
		return nil, err
	}
	var args InsertArgs
	if err := c.Decode(&args); err != nil {
		return nil, err
	}
	if err := s.opt.DB.InsertAll(args.Entries, args.Replace); err != nil {
		return nil, err
	}
	for _, e := range args.Entries {
		s.logf("epmap: %s registered %s at %s", c.Identity.Principal, e.Interface, e.Addr)
	}
	return nil, nil
}

func (s *Server) delete(c *rquic.Call) (any, error) {
	if err := s.checkWrite(c); err != nil {
		return nil, err
	}
	var args DeleteArgs
	if err := c.Decode(&args); err != nil {
		return nil, err
	}
	keys := make([]epdb.EntryKey, len(args.Entries))
	for n, e := range args.Entries {
		keys[n] = e.Key()
	}
	if err := s.opt.DB.MarkDeletedAll(keys); err != nil {
		return nil, err
	}
	for _, e := range args.Entries {
		s.logf("epmap: %s removed %s at %s", c.Identity.Principal, e.Interface, e.Addr)
	}
	return nil, nil
}

func (s *Server) own(id assoc.AssocID, h epdb.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.handles[id]
	if m == nil {
		m = make(map[epdb.Handle]struct{})
		s.handles[id] = m
	}
	m[h] = struct{}{}
}

func (s *Server) owns(id assoc.AssocID, h epdb.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[id][h]
	return ok
}

func (s *Server) disown(id assoc.AssocID, h epdb.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.handles[id]
	delete(m, h)
	if len(m) == 0 {
		delete(s.handles, id)
	}
}

func (s *Server) handleOf(c *rquic.Call, b []byte) (epdb.Handle, error) {
	var h epdb.Handle
	if err := h.UnmarshalBinary(b); err != nil {
		return h, err
	}
	if !s.owns(c.Assoc, h) {
		return h, fmt.Errorf("%w: not opened on this association", epdb.ErrInvalidHandle)
	}
	return h, nil
}

func (s *Server) lookup(c *rquic.Call) (any, error) {
	var args LookupArgs
	if err := c.Decode(&args); err != nil {
		return nil, err
	}
	max := pageSize(args.Max)
	db := s.opt.DB

	var (
		reply LookupReply
		h     epdb.Handle
	)
	if len(args.Handle) == 0 {
		q := epdb.Query{
			Index:     args.Inquiry,
			Object:    args.Object,
			Interface: args.Interface,
			Vers:      args.Vers,
		}
		e, first, err := db.LookupFirst(q)
		if err != nil {
			return nil, err
		}
		h = first
		s.own(c.Assoc, h)
		reply.Entries = append(reply.Entries, e)
	} else {
		var err error
		if h, err = s.handleOf(c, args.Handle); err != nil {
			return nil, err
		}
	}

	for len(reply.Entries) < max {
		e, err := db.LookupNext(h)
		if err == nil {
			reply.Entries = append(reply.Entries, e)
			continue
		}
		s.disown(c.Assoc, h)
		if errors.Is(err, epdb.ErrEnd) && len(reply.Entries) > 0 {
			return reply, nil
		}
		return nil, err
	}
	reply.Handle, _ = h.MarshalBinary()
	return reply, nil
}

func (s *Server) freeHandle(c *rquic.Call) (any, error) {
	var args HandleArgs
	if err := c.Decode(&args); err != nil {
		return nil, err
	}
	h, err := s.handleOf(c, args.Handle)
	if err != nil {
		return nil, err
	}
	s.opt.DB.ReleaseHandle(h)
	s.disown(c.Assoc, h)
	return nil, nil
}

func (s *Server) mapEndpoints(c *rquic.Call) (any, error) {
	var args MapArgs
	if err := c.Decode(&args); err != nil {
		return nil, err
	}
	entries, err := s.opt.DB.Map(epdb.MapRequest{
		Object:    args.Object,
		Interface: args.Interface,
		Protocol:  args.Protocol,
		Max:       pageSize(args.Max),
	})
	if err != nil {
		return nil, err
	}
	return MapReply{Entries: entries}, nil
}

// AssocClosed releases every lookup handle the association left open.
func (s *Server) AssocClosed(group assoc.Key, id assoc.AssocID) {
	s.mu.Lock()
	m := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	for h := range m {
		s.opt.DB.ReleaseHandle(h)
	}
	if len(m) > 0 {
		s.logf("epmap: group %s association %d closed, released %d lookup handles", group, id, len(m))
	}
}

// OpenHandles is the number of lookup handles held for callers.
func (s *Server) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.handles {
		n += len(m)
	}
	return n
}
