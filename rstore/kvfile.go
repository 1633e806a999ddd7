package rstore

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"
)

// The key=value file format:
//
//	name=T{text}
//	name=T{
//	several lines
//	}
//	name=B{base64}
//	name=B{
//	base64 wrapped
//	at 60 columns
//	}
//
// Text is used for printable ASCII without braces, B{...} for anything else.
// Lines starting with # are comments.
type kvFile map[string][]byte

const b64Wrap = 60

func isBinary(v []byte) bool {
	for _, c := range v {
		switch {
		case c == '\n', c == '\t', c == '\r':
		case c < 0x20, c >= 0x7f:
			return true
		case c == '{', c == '}':
			return true
		}
	}
	return false
}

func decodeKV(r io.Reader) (kvFile, error) {
	kv := make(kvFile)
	sc := bufio.NewScanner(r)

	var (
		openKey string
		openBin bool
		body    bytes.Buffer
	)
	closeBlock := func() error {
		var v []byte
		if openBin {
			dec, err := base64.StdEncoding.DecodeString(body.String())
			if err != nil {
				return fmt.Errorf("rstore: key %q: %w", openKey, err)
			}
			v = dec
		} else {
			v = bytes.Clone(bytes.Trim(body.Bytes(), "\n"))
		}
		if v == nil {
			v = []byte{}
		}
		kv[openKey] = v
		openKey = ""
		body.Reset()
		return nil
	}

	for sc.Scan() {
		line := sc.Text()
		if openKey != "" {
			if line == "}" {
				if err := closeBlock(); err != nil {
					return nil, err
				}
				continue
			}
			if body.Len() > 0 && !openBin {
				body.WriteByte('\n')
			}
			body.WriteString(line)
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)

		switch {
		case v == "T{" || v == "B{":
			openKey = k
			openBin = v[0] == 'B'
		case strings.HasPrefix(v, "T{") && strings.HasSuffix(v, "}"):
			kv[k] = []byte(v[2 : len(v)-1])
		case strings.HasPrefix(v, "B{") && strings.HasSuffix(v, "}"):
			dec, err := base64.StdEncoding.DecodeString(v[2 : len(v)-1])
			if err != nil {
				return nil, fmt.Errorf("rstore: key %q: %w", k, err)
			}
			kv[k] = dec
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if openKey != "" {
		return nil, fmt.Errorf("rstore: key %q: unterminated block", openKey)
	}
	return kv, nil
}

func encodeKV(w io.Writer, kv kvFile) error {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		v := kv[k]
		if !isBinary(v) {
			if bytes.IndexByte(v, '\n') >= 0 {
				fmt.Fprintf(bw, "%s=T{\n%s\n}\n\n", k, v)
			} else {
				fmt.Fprintf(bw, "%s=T{%s}\n\n", k, v)
			}
			continue
		}
		enc := base64.StdEncoding.EncodeToString(v)
		if len(enc) <= b64Wrap {
			fmt.Fprintf(bw, "%s=B{%s}\n\n", k, enc)
			continue
		}
		fmt.Fprintf(bw, "%s=B{\n", k)
		for len(enc) > 0 {
			n := min(b64Wrap, len(enc))
			bw.WriteString(enc[:n])
			bw.WriteByte('\n')
			enc = enc[n:]
		}
		bw.WriteString("}\n\n")
	}
	return bw.Flush()
}
