// Package epmap is the endpoint mapper service: it serves an epdb.DB to
// remote callers over rquic associations and provides the matching client.
//
// Lookups are paginated. The first page returns a handle that names the
// position kept by the server; the handle belongs to the association that
// opened it and is released when the enumeration ends, when the caller
// frees it, or when the association closes.
package epmap

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kardianos/rpcrt/epdb"
	"github.com/kardianos/rpcrt/rquic"
)

// Interface identifies the endpoint mapper interface.
var Interface = uuid.MustParse("e1af8308-5d1f-11c9-91a4-08002b14a0fa")

const (
	Major = 3
	Minor = 0
)

// Operation numbers.
const (
	OpInsert uint16 = iota
	OpDelete
	OpLookup
	OpMap
	OpLookupHandleFree
	OpInqObject
)

// MaxPage bounds the entries returned by one lookup or map call.
const MaxPage = 64

// Status codes carried in rquic responses.
const (
	StatusNotRegistered rquic.Status = rquic.StatusUser + iota
	StatusInvalidEntry
	StatusExists
	StatusCantPerform
	StatusInvalidContext
	StatusInvalidated
	StatusAccessDenied
)

var ErrAccessDenied = errors.New("epmap: access denied")

// statusErrors pairs each status with the error it stands for on both ends.
var statusErrors = []struct {
	status rquic.Status
	err    error
}{
	{StatusNotRegistered, epdb.ErrNotRegistered},
	{StatusNotRegistered, epdb.ErrNotFound},
	{StatusNotRegistered, epdb.ErrEnd},
	{StatusInvalidEntry, epdb.ErrInvalidEntry},
	{StatusExists, epdb.ErrExists},
	{StatusCantPerform, epdb.ErrFull},
	{StatusCantPerform, epdb.ErrClosed},
	{StatusInvalidContext, epdb.ErrInvalidHandle},
	{StatusInvalidated, epdb.ErrInvalidated},
	{StatusAccessDenied, ErrAccessDenied},
}

// toStatus converts a database error for the wire.
func toStatus(err error) error {
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return &rquic.StatusError{Status: se.status, Msg: err.Error()}
		}
	}
	return err
}

// fromStatus converts a response status back to the matching sentinel so
// callers can use errors.Is on either side.
func fromStatus(err error) error {
	var se *rquic.StatusError
	if !errors.As(err, &se) {
		return err
	}
	for _, s := range statusErrors {
		if s.status == se.Status {
			return fmt.Errorf("%w (remote: %s)", s.err, se.Msg)
		}
	}
	return err
}

type InsertArgs struct {
	Entries []epdb.Entry `cbor:"1,keyasint"`
	// Replace overwrites entries with the same key instead of failing.
	Replace bool `cbor:"2,keyasint,omitempty"`
}

type DeleteArgs struct {
	Entries []epdb.Entry `cbor:"1,keyasint"`
}

// LookupArgs selects entries. Handle is empty on the first call and the
// value returned by the previous page afterwards; the query fields are
// ignored once a handle is given.
type LookupArgs struct {
	Inquiry   epdb.IndexType `cbor:"1,keyasint"`
	Object    uuid.UUID      `cbor:"2,keyasint"`
	Interface epdb.IfID      `cbor:"3,keyasint"`
	Vers      epdb.VersOpt   `cbor:"4,keyasint"`
	Handle    []byte         `cbor:"5,keyasint,omitempty"`
	Max       uint32         `cbor:"6,keyasint,omitempty"`
}

// LookupReply is one page. An empty Handle means the enumeration ended.
type LookupReply struct {
	Handle  []byte       `cbor:"1,keyasint,omitempty"`
	Entries []epdb.Entry `cbor:"2,keyasint"`
}

type HandleArgs struct {
	Handle []byte `cbor:"1,keyasint"`
}

type MapArgs struct {
	Object    uuid.UUID `cbor:"1,keyasint"`
	Interface epdb.IfID `cbor:"2,keyasint"`
	Protocol  uint8     `cbor:"3,keyasint"`
	Max       uint32    `cbor:"4,keyasint,omitempty"`
}

type MapReply struct {
	Entries []epdb.Entry `cbor:"1,keyasint"`
}

type InqObjectReply struct {
	Object uuid.UUID `cbor:"1,keyasint"`
}

func pageSize(max uint32) int {
	if max == 0 || max > MaxPage {
		return MaxPage
	}
	return int(max)
}
