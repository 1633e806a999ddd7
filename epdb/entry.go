package epdb

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// AnnotationLen is the size of the annotation buffer in the image format.
const AnnotationLen = 64

// IfID is an interface identifier with its version.
type IfID struct {
	UUID  uuid.UUID
	Major uint16
	Minor uint16
}

func (i IfID) String() string {
	return fmt.Sprintf("%s v%d.%d", i.UUID, i.Major, i.Minor)
}

// SyntaxID is a transfer syntax (data representation) and its version.
type SyntaxID struct {
	UUID    uuid.UUID
	Version uint32
}

// ProtocolID is an RPC protocol and its version.
type ProtocolID struct {
	ID    uint8
	Major uint16
	Minor uint16
}

// Entry is one registered endpoint.
type Entry struct {
	Object     uuid.UUID
	Interface  IfID
	DataRep    SyntaxID
	Protocol   ProtocolID
	Addr       string
	Annotation string
	Tower      []byte
}

// Key returns the identity used by Insert and MarkDeleted.
func (e Entry) Key() EntryKey {
	return EntryKey{Object: e.Object, Interface: e.Interface, Protocol: e.Protocol.ID, Addr: e.Addr}
}

// Equal reports whether every persisted field matches.
func (e Entry) Equal(o Entry) bool {
	return e.Object == o.Object &&
		e.Interface == o.Interface &&
		e.DataRep == o.DataRep &&
		e.Protocol == o.Protocol &&
		e.Addr == o.Addr &&
		e.Annotation == o.Annotation &&
		bytes.Equal(e.Tower, o.Tower)
}

func (e Entry) clone() Entry {
	e.Tower = bytes.Clone(e.Tower)
	return e
}

func (e Entry) validate() error {
	if e.Interface.UUID == uuid.Nil {
		return fmt.Errorf("%w: interface uuid is required", ErrInvalidEntry)
	}
	if e.Addr == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidEntry)
	}
	if len(e.Addr) > 0xffff {
		return fmt.Errorf("%w: address longer than %d bytes", ErrInvalidEntry, 0xffff)
	}
	if len(e.Annotation) > AnnotationLen {
		return fmt.Errorf("%w: annotation longer than %d bytes", ErrInvalidEntry, AnnotationLen)
	}
	if bytes.IndexByte([]byte(e.Annotation), 0) >= 0 {
		return fmt.Errorf("%w: annotation contains NUL", ErrInvalidEntry)
	}
	return nil
}

// EntryKey identifies an entry: the same object, interface, protocol and
// address is the same registration.
type EntryKey struct {
	Object    uuid.UUID
	Interface IfID
	Protocol  uint8
	Addr      string
}

// IndexType selects the chain a lookup walks.
type IndexType uint8

const (
	// IndexEntry walks every entry in insertion order.
	IndexEntry IndexType = iota
	// IndexObject walks the bucket of Query.Object.
	IndexObject
	// IndexInterface walks the bucket of Query.Interface.UUID.
	IndexInterface
)

func (t IndexType) String() string {
	switch t {
	case IndexEntry:
		return "entry"
	case IndexObject:
		return "object"
	case IndexInterface:
		return "interface"
	default:
		return fmt.Sprintf("index(%d)", uint8(t))
	}
}

// VersOpt controls how Query.Interface versions match.
type VersOpt uint8

const (
	// VersAll ignores the version.
	VersAll VersOpt = iota
	// VersCompatible matches the major version and any minor at or above it.
	VersCompatible
	// VersExact matches major and minor.
	VersExact
	// VersMajorOnly matches the major version.
	VersMajorOnly
	// VersUpTo matches any version at or below the requested one.
	VersUpTo
)

// Query selects entries for LookupFirst. Object is always compared on
// IndexObject and only when non-nil otherwise; likewise Interface on
// IndexInterface.
type Query struct {
	Index     IndexType
	Object    uuid.UUID
	Interface IfID
	Vers      VersOpt
	// WithNilObject makes an IndexObject lookup continue with entries that
	// have no object once the Object bucket is exhausted.
	WithNilObject bool
}

func (q Query) matchInterface(e Entry) bool {
	want, got := q.Interface, e.Interface
	if want.UUID != got.UUID {
		return false
	}
	switch q.Vers {
	case VersAll:
		return true
	case VersCompatible:
		return got.Major == want.Major && got.Minor >= want.Minor
	case VersExact:
		return got.Major == want.Major && got.Minor == want.Minor
	case VersMajorOnly:
		return got.Major == want.Major
	case VersUpTo:
		if got.Major != want.Major {
			return got.Major < want.Major
		}
		return got.Minor <= want.Minor
	}
	return false
}

// match reports whether e satisfies q during the given pass. Pass 2 of an
// IndexObject lookup accepts nil-object entries.
func (q Query) match(e Entry, pass int) bool {
	switch {
	case q.Index == IndexObject && pass == 2:
		if e.Object != uuid.Nil {
			return false
		}
	case q.Index == IndexObject || q.Object != uuid.Nil:
		if e.Object != q.Object {
			return false
		}
	}
	if q.Index == IndexInterface || q.Interface.UUID != uuid.Nil {
		if !q.matchInterface(e) {
			return false
		}
	}
	return true
}
