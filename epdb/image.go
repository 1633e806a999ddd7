package epdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/kardianos/rpcrt/rstore"
)

// ErrCorruptImage reports an entry cut short or malformed in an image.
var ErrCorruptImage = errors.New("epdb: corrupt image")

// The image is the header followed by entries until EOF. All integers are
// little-endian. Each entry is:
//
//	object            16
//	interface uuid    16, major u16, minor u16
//	data rep uuid     16, version u32
//	protocol          id u8, major u16, minor u16
//	address           u16 length, bytes
//	annotation        64, zero padded
//	tower             u32 length, bytes

// maxTower bounds a tower read from an image.
const maxTower = 1 << 20

// WriteImage writes entries under the file identity id.
func WriteImage(w io.Writer, id uuid.UUID, entries []Entry) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(encodeHeader(id)); err != nil {
		return err
	}
	le := binary.LittleEndian
	var buf []byte
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return err
		}
		buf = buf[:0]
		buf = append(buf, e.Object[:]...)
		buf = append(buf, e.Interface.UUID[:]...)
		buf = le.AppendUint16(buf, e.Interface.Major)
		buf = le.AppendUint16(buf, e.Interface.Minor)
		buf = append(buf, e.DataRep.UUID[:]...)
		buf = le.AppendUint32(buf, e.DataRep.Version)
		buf = append(buf, e.Protocol.ID)
		buf = le.AppendUint16(buf, e.Protocol.Major)
		buf = le.AppendUint16(buf, e.Protocol.Minor)
		buf = le.AppendUint16(buf, uint16(len(e.Addr)))
		buf = append(buf, e.Addr...)
		var ann [AnnotationLen]byte
		copy(ann[:], e.Annotation)
		buf = append(buf, ann[:]...)
		buf = le.AppendUint32(buf, uint32(len(e.Tower)))
		buf = append(buf, e.Tower...)
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadImage reads an image written by WriteImage. An unknown format version
// is rejected with a *HeaderError before any entry is read.
func ReadImage(r io.Reader) (uuid.UUID, []Entry, error) {
	br := bufio.NewReader(r)
	h := make([]byte, HeaderLen)
	n, err := io.ReadFull(br, h)
	if err != nil {
		return uuid.Nil, nil, &HeaderError{Len: n, Err: ErrCorruptHeader}
	}
	id, err := decodeHeader(h)
	if err != nil {
		return uuid.Nil, nil, err
	}

	var entries []Entry
	for {
		e, err := readEntry(br)
		if err == io.EOF {
			return id, entries, nil
		}
		if err != nil {
			return id, nil, fmt.Errorf("%w: entry %d: %v", ErrCorruptImage, len(entries), err)
		}
		entries = append(entries, e)
	}
}

// fixedLen is the size of the fields before the address.
const fixedLen = 16 + 16 + 2 + 2 + 16 + 4 + 1 + 2 + 2 + 2

func readEntry(r io.Reader) (Entry, error) {
	le := binary.LittleEndian
	var f [fixedLen]byte
	if _, err := io.ReadFull(r, f[:]); err != nil {
		// A clean EOF before the first byte ends the image.
		return Entry{}, err
	}
	var e Entry
	p := f[:]
	take := func(n int) []byte {
		b := p[:n]
		p = p[n:]
		return b
	}
	copy(e.Object[:], take(16))
	copy(e.Interface.UUID[:], take(16))
	e.Interface.Major = le.Uint16(take(2))
	e.Interface.Minor = le.Uint16(take(2))
	copy(e.DataRep.UUID[:], take(16))
	e.DataRep.Version = le.Uint32(take(4))
	e.Protocol.ID = take(1)[0]
	e.Protocol.Major = le.Uint16(take(2))
	e.Protocol.Minor = le.Uint16(take(2))
	addrLen := int(le.Uint16(take(2)))

	addr := make([]byte, addrLen+AnnotationLen+4)
	if _, err := io.ReadFull(r, addr); err != nil {
		return Entry{}, unexpected(err)
	}
	e.Addr = string(addr[:addrLen])
	ann := addr[addrLen : addrLen+AnnotationLen]
	if i := bytes.IndexByte(ann, 0); i >= 0 {
		ann = ann[:i]
	}
	e.Annotation = string(ann)
	towerLen := le.Uint32(addr[addrLen+AnnotationLen:])
	if towerLen > maxTower {
		return Entry{}, fmt.Errorf("tower length %d", towerLen)
	}
	if towerLen > 0 {
		e.Tower = make([]byte, towerLen)
		if _, err := io.ReadFull(r, e.Tower); err != nil {
			return Entry{}, unexpected(err)
		}
	}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Export writes every live entry to an image file at path, replacing it
// atomically.
func (db *DB) Export(path string) error {
	var buf bytes.Buffer
	if err := WriteImage(&buf, db.Identity(), db.Entries()); err != nil {
		return err
	}
	return rstore.WriteFileAtomic(path, buf.Bytes(), 0644)
}

// Import inserts every entry of the image file at path and returns how many
// were read. Existing entries with the same key are replaced.
func (db *DB) Import(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	_, entries, err := ReadImage(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	for i, e := range entries {
		if err := db.Insert(e); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}
