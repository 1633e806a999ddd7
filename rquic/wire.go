package rquic

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/kardianos/rpcrt/rauth"
)

// Every stream is one association. The client writes a BindRequest and
// reads a BindResponse; after an accepted bind it writes Requests and reads
// one Response for each, in order, until it closes its side.

// BindRequest opens an association.
type BindRequest struct {
	Interface uuid.UUID `cbor:"1,keyasint"`
	Major     uint16    `cbor:"2,keyasint"`
	Minor     uint16    `cbor:"3,keyasint"`

	Svc       rauth.AuthnSvc     `cbor:"4,keyasint"`
	Level     rauth.ProtectLevel `cbor:"5,keyasint,omitempty"`
	Authz     rauth.AuthzSvc     `cbor:"6,keyasint,omitempty"`
	Principal string             `cbor:"7,keyasint,omitempty"`
	Proof     []byte             `cbor:"8,keyasint,omitempty"`
}

// BindResponse accepts or rejects a bind.
type BindResponse struct {
	Status Status `cbor:"1,keyasint"`
	Msg    string `cbor:"2,keyasint,omitempty"`

	Assoc           uint64             `cbor:"3,keyasint,omitempty"`
	Svc             rauth.AuthnSvc     `cbor:"4,keyasint,omitempty"`
	Level           rauth.ProtectLevel `cbor:"5,keyasint,omitempty"`
	ClientPrincipal string             `cbor:"6,keyasint,omitempty"`
	ServerPrincipal string             `cbor:"7,keyasint,omitempty"`
}

// Request is one call on a bound association.
type Request struct {
	CallID uint32          `cbor:"1,keyasint"`
	Op     uint16          `cbor:"2,keyasint"`
	Body   cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// Response answers the Request with the same CallID.
type Response struct {
	CallID uint32          `cbor:"1,keyasint"`
	Status Status          `cbor:"2,keyasint"`
	Msg    string          `cbor:"3,keyasint,omitempty"`
	Body   cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

// Status is a call or bind result code. Zero is success; handlers define
// their own codes above StatusUser.
type Status uint32

const (
	StatusOK Status = iota
	StatusAuthRejected
	StatusLevelRejected
	StatusUnknownInterface
	StatusUnknownOp
	StatusBadRequest
	StatusBusy
	StatusInternal

	StatusUser Status = 0x100
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAuthRejected:
		return "authentication rejected"
	case StatusLevelRejected:
		return "protection level rejected"
	case StatusUnknownInterface:
		return "unknown interface"
	case StatusUnknownOp:
		return "unknown operation"
	case StatusBadRequest:
		return "bad request"
	case StatusBusy:
		return "server busy"
	case StatusInternal:
		return "internal error"
	default:
		return fmt.Sprintf("status(%#x)", uint32(s))
	}
}

// StatusError carries a non-zero Status across the wire.
type StatusError struct {
	Status Status
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return "rquic: " + e.Status.String()
	}
	return fmt.Sprintf("rquic: %s: %s", e.Status, e.Msg)
}

// Errorf returns a *StatusError with a formatted message.
func Errorf(s Status, format string, v ...any) error {
	return &StatusError{Status: s, Msg: fmt.Sprintf(format, v...)}
}

// StatusOf returns the status carried by err, StatusOK for nil and
// StatusInternal for any other error.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusInternal
}

// messageOf returns the text sent with a failed status.
func messageOf(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Msg
	}
	return err.Error()
}

// codec frames CBOR values on one stream.
type codec struct {
	enc *cbor.Encoder
	dec *cbor.Decoder
}

func newCodec(rw io.ReadWriter) *codec {
	return &codec{
		enc: cbor.NewEncoder(rw),
		dec: cbor.NewDecoder(rw),
	}
}

func (c *codec) write(v any) error {
	return c.enc.Encode(v)
}

func (c *codec) read(v any) error {
	return c.dec.Decode(v)
}
