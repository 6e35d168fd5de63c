// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package zipreloc

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"
)

// memFile is an in-memory io.ReadWriteSeeker.
type memFile struct {
	b   []byte
	pos int64
	// claimedSize, if nonzero, is reported as the size of the file instead
	// of len(b), simulating a file that shrank after it was measured.
	claimedSize int64
	writes      int
}

func newMemFile(b []byte) *memFile {
	return &memFile{b: append([]byte(nil), b...)}
}

func (m *memFile) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.b)) {
		return 0, io.EOF
	}
	n := copy(p, m.b[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) Write(p []byte) (int, error) {
	m.writes++
	end := m.pos + int64(len(p))
	if end > int64(len(m.b)) {
		m.b = append(m.b, make([]byte, end-int64(len(m.b)))...)
	}
	copy(m.b[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		off += m.pos
	case io.SeekEnd:
		size := int64(len(m.b))
		if m.claimedSize != 0 {
			size = m.claimedSize
		}
		off += size
	default:
		return 0, errors.New("invalid whence")
	}
	if off < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = off
	return off, nil
}

type testEntry struct {
	name    string
	body    string
	method  uint16
	comment string
	extra   []byte
}

var testEntries = []testEntry{
	{name: "a.txt", body: "hello", method: zip.Store},
	{name: "dir/", method: zip.Store},
	{name: "dir/b.txt", body: "the quick brown fox jumps over the lazy dog, the quick brown fox", method: zip.Deflate, comment: "entry comment"},
	// Extra field: header ID 0xcafe, 2 bytes of data.
	{name: "dir/c.bin", body: "\x00\x01\x02\x03PK\x05\x06", method: zip.Store, extra: []byte{0xfe, 0xca, 0x02, 0x00, 0xaa, 0xbb}},
}

// buildZip creates an archive holding entries, with the given archive
// comment.
func buildZip(t *testing.T, comment string, entries ...testEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:    e.name,
			Method:  e.method,
			Comment: e.comment,
			Extra:   e.extra,
		})
		if err != nil {
			t.Fatalf("creating entry %s: %v", e.name, err)
		}
		if _, err := io.WriteString(w, e.body); err != nil {
			t.Fatalf("writing entry %s: %v", e.name, err)
		}
	}
	if err := zw.SetComment(comment); err != nil {
		t.Fatalf("setting comment: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip writer: %v", err)
	}
	return buf.Bytes()
}

// readTable decodes the trailer of b, an archive expecting base bytes in
// front of it.
func readTable(t *testing.T, b []byte, base int64) (int64, EndOfCentralDirectory, []CentralDirectoryEntry) {
	t.Helper()
	pos, eocd, err := Locate(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("Locate() failed: %v", err)
	}
	var entries []CentralDirectoryEntry
	p := int64(eocd.CDOffset) - base
	for p+4 <= int64(len(b)) && string(b[p:p+4]) == centralDirectoryEntrySig {
		e, err := ParseCentralDirectoryEntry(b[p:])
		if err != nil {
			t.Fatalf("ParseCentralDirectoryEntry() at %d failed: %v", p, err)
		}
		entries = append(entries, e)
		p += int64(e.Len())
	}
	return pos, eocd, entries
}

// checkContents opens b with archive/zip and compares the entries' contents
// against want.
func checkContents(t *testing.T, b []byte, want []testEntry) {
	t.Helper()
	zr, offset, err := NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatalf("NewReader() failed: %v", err)
	}
	if offset != 0 {
		t.Errorf("NewReader() returned offset %d, want 0", offset)
	}
	if len(zr.File) != len(want) {
		t.Fatalf("archive has %d entries, want %d", len(zr.File), len(want))
	}
	for i, zf := range zr.File {
		if zf.Name != want[i].name {
			t.Errorf("entry %d is named %q, want %q", i, zf.Name, want[i].name)
		}
		rc, err := zf.Open()
		if err != nil {
			t.Fatalf("opening %s: %v", zf.Name, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("reading %s: %v", zf.Name, err)
		}
		if string(got) != want[i].body {
			t.Errorf("contents of %s = %q, want %q", zf.Name, got, want[i].body)
		}
	}
}
