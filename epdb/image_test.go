package epdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

func TestImageRoundTrip(t *testing.T) {
	id := uuid.New()
	full := entry(objU1, ifI1, "ncacn_ip_tcp:10.0.0.1[1025]")
	full.Annotation = string(bytes.Repeat([]byte("a"), AnnotationLen))
	empty := entry(uuid.Nil, ifI2, "x")
	empty.Annotation = ""
	empty.Tower = nil
	in := []Entry{full, empty}

	var buf bytes.Buffer
	if err := WriteImage(&buf, id, in); err != nil {
		t.Fatal(err)
	}
	wantLen := HeaderLen
	for _, e := range in {
		wantLen += fixedLen + len(e.Addr) + AnnotationLen + 4 + len(e.Tower)
	}
	if buf.Len() != wantLen {
		t.Fatalf("image is %d bytes, want %d", buf.Len(), wantLen)
	}
	if v := binary.LittleEndian.Uint32(buf.Bytes()); v != FormatVersion {
		t.Fatalf("header version %d", v)
	}

	gotID, out, err := ReadImage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != id {
		t.Fatalf("identity %s, want %s", gotID, id)
	}
	if len(out) != len(in) {
		t.Fatalf("read %d entries, want %d", len(out), len(in))
	}
	for i := range in {
		if !out[i].Equal(in[i]) {
			t.Errorf("entry %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestImageRejectsBadInput(t *testing.T) {
	var good bytes.Buffer
	WriteImage(&good, uuid.New(), []Entry{entry(objU1, ifI1, "host-a")})

	future := bytes.Clone(good.Bytes())
	binary.LittleEndian.PutUint32(future, FormatVersion+1)

	tests := []struct {
		name  string
		data  []byte
		match error
	}{
		{"unknown version", future, ErrUnsupportedVersion},
		{"short header", good.Bytes()[:10], ErrCorruptHeader},
		{"truncated entry", good.Bytes()[:good.Len()-2], ErrCorruptImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadImage(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.match) {
				t.Fatalf("err = %v, want %v", err, tt.match)
			}
		})
	}

	var herr *HeaderError
	_, _, err := ReadImage(bytes.NewReader(future))
	if !errors.As(err, &herr) || herr.Version != FormatVersion+1 {
		t.Fatalf("HeaderError = %+v", herr)
	}
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	src := newTestDB(t)
	src.Insert(entry(objU1, ifI1, "host-a"))
	src.Insert(entry(objU1, ifI2, "host-b"))
	path := filepath.Join(dir, "epmap.img")
	if err := src.Export(path); err != nil {
		t.Fatal(err)
	}

	dst := newTestDB(t)
	dst.Insert(entry(objU1, ifI1, "host-a"))
	n, err := dst.Import(path)
	if err != nil || n != 2 {
		t.Fatalf("Import = %d, %v", n, err)
	}
	if dst.Len() != 2 {
		t.Fatalf("Len = %d, want 2", dst.Len())
	}
}

func TestOpenRejectsBadHeader(t *testing.T) {
	write := func(t *testing.T, header []byte) string {
		path := filepath.Join(t.TempDir(), "ep.db")
		bdb, err := bbolt.Open(path, 0600, nil)
		if err != nil {
			t.Fatal(err)
		}
		err = bdb.Update(func(tx *bbolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(bucketMeta)
			if err != nil {
				return err
			}
			return b.Put(keyHeader, header)
		})
		bdb.Close()
		if err != nil {
			t.Fatal(err)
		}
		return path
	}

	future := encodeHeader(uuid.New())
	binary.LittleEndian.PutUint32(future, 7)
	if _, err := Open(write(t, future), Options{}); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Open(version 7) = %v", err)
	}
	if _, err := Open(write(t, []byte{1, 0, 0}), Options{}); !errors.Is(err, ErrCorruptHeader) {
		t.Fatalf("Open(short header) = %v", err)
	}

	path := filepath.Join(t.TempDir(), "missing", "ep.db")
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}
