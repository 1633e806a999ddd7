package epmap

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kardianos/rpcrt/epdb"
	"github.com/kardianos/rpcrt/rquic"
)

// Client calls an endpoint mapper over one association.
type Client struct {
	a *rquic.Assoc
}

// Bind opens an endpoint mapper association on rc.
func Bind(ctx context.Context, rc *rquic.Client) (*Client, error) {
	a, err := rc.Bind(ctx, Interface, Major, Minor)
	if err != nil {
		return nil, err
	}
	return &Client{a: a}, nil
}

// Close ends the association. The server releases any lookup handle still
// open on it.
func (c *Client) Close() error {
	return c.a.Close()
}

func (c *Client) call(ctx context.Context, op uint16, in, out any) error {
	return fromStatus(c.a.Call(ctx, op, in, out))
}

// Insert registers entries. Without replace an entry whose key is already
// registered fails with epdb.ErrExists. Either every entry is registered or
// none is.
func (c *Client) Insert(ctx context.Context, replace bool, entries ...epdb.Entry) error {
	return c.call(ctx, OpInsert, InsertArgs{Entries: entries, Replace: replace}, nil)
}

// Delete removes entries by key. If any is not registered none is removed.
func (c *Client) Delete(ctx context.Context, entries ...epdb.Entry) error {
	return c.call(ctx, OpDelete, DeleteArgs{Entries: entries}, nil)
}

// LookupPage returns one page. Pass the returned handle in args.Handle for
// the next page; an empty handle means there are no more.
func (c *Client) LookupPage(ctx context.Context, args LookupArgs) ([]epdb.Entry, []byte, error) {
	var reply LookupReply
	if err := c.call(ctx, OpLookup, args, &reply); err != nil {
		return nil, nil, err
	}
	return reply.Entries, reply.Handle, nil
}

// Lookup returns every entry matching args, fetching pages of args.Max.
// No match is not an error.
func (c *Client) Lookup(ctx context.Context, args LookupArgs) ([]epdb.Entry, error) {
	args.Handle = nil
	var all []epdb.Entry
	for {
		page, h, err := c.LookupPage(ctx, args)
		if err != nil {
			// A failed page has already released the handle on the server.
			if errors.Is(err, epdb.ErrNotRegistered) {
				return all, nil
			}
			return all, err
		}
		all = append(all, page...)
		if len(h) == 0 {
			return all, nil
		}
		args.Handle = h
	}
}

// FreeHandle ends a paginated lookup early.
func (c *Client) FreeHandle(ctx context.Context, h []byte) error {
	return c.call(ctx, OpLookupHandleFree, HandleArgs{Handle: h}, nil)
}

// Map returns the endpoints compatible with args. With none it returns an
// error matching epdb.ErrNotRegistered.
func (c *Client) Map(ctx context.Context, args MapArgs) ([]epdb.Entry, error) {
	var reply MapReply
	if err := c.call(ctx, OpMap, args, &reply); err != nil {
		return nil, err
	}
	return reply.Entries, nil
}

// InqObject returns the identity of the remote endpoint map.
func (c *Client) InqObject(ctx context.Context) (uuid.UUID, error) {
	var reply InqObjectReply
	if err := c.call(ctx, OpInqObject, nil, &reply); err != nil {
		return uuid.Nil, err
	}
	return reply.Object, nil
}
