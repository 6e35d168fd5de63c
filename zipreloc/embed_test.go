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
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEmbed(t *testing.T) {
	archive := buildZip(t, "comment", testEntries...)
	for _, n := range []int{0, 1, 2048, 70000} {
		prefix := bytes.Repeat([]byte("stub"), n/4)
		dst := newMemFile(nil)
		got, err := Embed(dst, bytes.NewReader(prefix), bytes.NewReader(archive))
		if err != nil {
			t.Fatalf("Embed() with %d byte prefix failed: %v", len(prefix), err)
		}
		if got != int64(len(prefix)) {
			t.Errorf("Embed() returned %d, want %d", got, len(prefix))
		}
		if !bytes.Equal(dst.b[:len(prefix)], prefix) {
			t.Errorf("Embed() modified the prefix")
		}
		if want := shifted(t, archive, int64(len(prefix)), 0); !bytes.Equal(dst.b[len(prefix):], want) {
			t.Errorf("Embed() with %d byte prefix wrote unexpected archive bytes", len(prefix))
		}
		checkContents(t, dst.b, testEntries)
	}
}

func TestAdjust(t *testing.T) {
	archive := buildZip(t, "", testEntries...)
	prefix := bytes.Repeat([]byte{0xcc}, 777)
	f := newMemFile(append(append([]byte(nil), prefix...), archive...))

	n, err := Adjust(f, 0)
	if err != nil {
		t.Fatalf("Adjust() failed: %v", err)
	}
	if n != int64(len(prefix)) {
		t.Errorf("Adjust() returned %d, want %d", n, len(prefix))
	}
	checkContents(t, f.b, testEntries)

	// Adjusting again is a no-op.
	writes := f.writes
	n, err = Adjust(f, 0)
	if err != nil {
		t.Fatalf("second Adjust() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second Adjust() returned %d, want 0", n)
	}
	if f.writes != writes {
		t.Errorf("second Adjust() wrote to the file")
	}
}

func TestAdjustSuffix(t *testing.T) {
	archive := buildZip(t, "", testEntries...)
	f := newMemFile(archive)
	n, err := Adjust(f, 4)
	if err != nil {
		t.Fatalf("Adjust() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Adjust() returned %d, want 0", n)
	}
	if want := shifted(t, archive, 0, 4); !bytes.Equal(f.b, want) {
		t.Errorf("Adjust() wrote unexpected bytes")
	}
}

func TestAdjustErrors(t *testing.T) {
	archive := buildZip(t, "", testEntries...)
	pos, eocd, _ := readTable(t, archive, 0)

	overlapping := append([]byte(nil), archive...)
	le.PutUint32(overlapping[pos+16:], eocd.CDOffset+1)
	zip64 := append([]byte(nil), archive...)
	le.PutUint32(zip64[pos+16:], 0xffffffff)

	tests := []struct {
		name string
		b    []byte
		want error
	}{
		{"not an archive", []byte("this is not a zip file at all"), ErrNotArchive},
		{"overlapping", overlapping, ErrFormat},
		{"zip64", zip64, ErrUnsupported},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newMemFile(tc.b)
			if _, err := Adjust(f, 0); !errors.Is(err, tc.want) {
				t.Errorf("Adjust() returned %v, want %v", err, tc.want)
			}
			if f.writes != 0 {
				t.Errorf("Adjust() wrote to the file")
			}
		})
	}
}

func TestOffsetFile(t *testing.T) {
	f := newMemFile([]byte("0123456789"))
	o := &offsetFile{f, 4}

	if n, err := o.Seek(2, io.SeekStart); err != nil || n != 2 {
		t.Errorf("Seek(2, io.SeekStart) = %d, %v, want 2, nil", n, err)
	}
	b := make([]byte, 2)
	if _, err := io.ReadFull(o, b); err != nil {
		t.Fatalf("ReadFull() failed: %v", err)
	}
	if string(b) != "67" {
		t.Errorf("read %q, want %q", b, "67")
	}
	if n, err := o.Seek(0, io.SeekEnd); err != nil || n != 6 {
		t.Errorf("Seek(0, io.SeekEnd) = %d, %v, want 6, nil", n, err)
	}
	if n, err := o.Seek(-1, io.SeekCurrent); err != nil || n != 5 {
		t.Errorf("Seek(-1, io.SeekCurrent) = %d, %v, want 5, nil", n, err)
	}
	if _, err := o.Seek(-7, io.SeekEnd); err == nil {
		t.Errorf("Seek(-7, io.SeekEnd) succeeded, want error")
	}

	if _, err := o.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek(0, io.SeekStart) failed: %v", err)
	}
	if _, err := o.Write([]byte("ab")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if got := string(f.b); got != "0123ab6789" {
		t.Errorf("file holds %q, want %q", got, "0123ab6789")
	}
}
