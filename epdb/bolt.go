package epdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")

	keyHeader = []byte("header")
)

// FormatVersion is the database and image format this package writes.
const FormatVersion uint32 = 1

// HeaderLen is the size of the header: a little-endian uint32 format
// version followed by the 16-byte file identity.
const HeaderLen = 20

var (
	ErrUnsupportedVersion = errors.New("epdb: unsupported format version")
	ErrCorruptHeader      = errors.New("epdb: corrupt header")
)

// HeaderError reports a header that cannot be used.
type HeaderError struct {
	Version uint32
	Len     int
	Err     error
}

func (e *HeaderError) Error() string {
	if errors.Is(e.Err, ErrUnsupportedVersion) {
		return fmt.Sprintf("epdb: format version %d not supported (want %d)", e.Version, FormatVersion)
	}
	return fmt.Sprintf("epdb: corrupt header (%d bytes)", e.Len)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}

func encodeHeader(id uuid.UUID) []byte {
	b := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(b, FormatVersion)
	copy(b[4:], id[:])
	return b
}

func decodeHeader(b []byte) (uuid.UUID, error) {
	if len(b) != HeaderLen {
		return uuid.Nil, &HeaderError{Len: len(b), Err: ErrCorruptHeader}
	}
	v := binary.LittleEndian.Uint32(b)
	if v != FormatVersion {
		return uuid.Nil, &HeaderError{Version: v, Len: len(b), Err: ErrUnsupportedVersion}
	}
	id, err := uuid.FromBytes(b[4:])
	if err != nil {
		return uuid.Nil, &HeaderError{Version: v, Len: len(b), Err: ErrCorruptHeader}
	}
	return id, nil
}

// record is the stored form of an Entry.
type record struct {
	Object      uuid.UUID `cbor:"1,keyasint"`
	IfUUID      uuid.UUID `cbor:"2,keyasint"`
	IfMajor     uint16    `cbor:"3,keyasint"`
	IfMinor     uint16    `cbor:"4,keyasint"`
	DataRepUUID uuid.UUID `cbor:"5,keyasint"`
	DataRepVers uint32    `cbor:"6,keyasint"`
	ProtoID     uint8     `cbor:"7,keyasint"`
	ProtoMajor  uint16    `cbor:"8,keyasint"`
	ProtoMinor  uint16    `cbor:"9,keyasint"`
	Addr        string    `cbor:"10,keyasint"`
	Annotation  string    `cbor:"11,keyasint,omitempty"`
	Tower       []byte    `cbor:"12,keyasint,omitempty"`
}

func toRecord(e Entry) record {
	return record{
		Object:      e.Object,
		IfUUID:      e.Interface.UUID,
		IfMajor:     e.Interface.Major,
		IfMinor:     e.Interface.Minor,
		DataRepUUID: e.DataRep.UUID,
		DataRepVers: e.DataRep.Version,
		ProtoID:     e.Protocol.ID,
		ProtoMajor:  e.Protocol.Major,
		ProtoMinor:  e.Protocol.Minor,
		Addr:        e.Addr,
		Annotation:  e.Annotation,
		Tower:       e.Tower,
	}
}

func (r record) entry() Entry {
	return Entry{
		Object:     r.Object,
		Interface:  IfID{UUID: r.IfUUID, Major: r.IfMajor, Minor: r.IfMinor},
		DataRep:    SyntaxID{UUID: r.DataRepUUID, Version: r.DataRepVers},
		Protocol:   ProtocolID{ID: r.ProtoID, Major: r.ProtoMajor, Minor: r.ProtoMinor},
		Addr:       r.Addr,
		Annotation: r.Annotation,
		Tower:      r.Tower,
	}
}

func recordKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

type boltStore struct {
	db       *bbolt.DB
	identity uuid.UUID
}

func openBolt(path string, timeout time.Duration) (*boltStore, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("epdb: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("epdb: open %s: %w", path, err)
	}
	st := &boltStore{db: db}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		entries, err := tx.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		h := meta.Get(keyHeader)
		if h == nil {
			if k, _ := entries.Cursor().First(); k != nil {
				return &HeaderError{Err: ErrCorruptHeader}
			}
			st.identity = uuid.New()
			return meta.Put(keyHeader, encodeHeader(st.identity))
		}
		st.identity, err = decodeHeader(h)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func (st *boltStore) load(fn func(id uint64, e Entry) error) error {
	return st.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("bad record key %x", k)
			}
			var r record
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal record %x: %w", k, err)
			}
			return fn(binary.BigEndian.Uint64(k), r.entry())
		})
	})
}

func (st *boltStore) add(e Entry) (uint64, error) {
	var id uint64
	err := st.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var err error
		if id, err = b.NextSequence(); err != nil {
			return err
		}
		data, err := cbor.Marshal(toRecord(e))
		if err != nil {
			return err
		}
		return b.Put(recordKey(id), data)
	})
	return id, err
}

func (st *boltStore) put(id uint64, e Entry) error {
	data, err := cbor.Marshal(toRecord(e))
	if err != nil {
		return err
	}
	return st.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put(recordKey(id), data)
	})
}

func (st *boltStore) delete(id uint64) error {
	return st.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete(recordKey(id))
	})
}

func (st *boltStore) close() error {
	return st.db.Close()
}
