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
	"fmt"
	"io"
)

// Embed writes prefix to dst followed by archive, then relocates the copied
// archive so that its offsets are absolute within dst. This is how
// self-extracting executables are assembled:
//
//	dest, err := os.Create("installer")
//	if err != nil {
//		// ...
//	}
//	defer dest.Close()
//
//	stub, err := os.Open("sfx-stub")
//	// ...
//	payload, err := os.Open("payload.zip")
//	// ...
//	if _, err := zipreloc.Embed(dest, stub, payload); err != nil {
//		// ...
//	}
//
// dst must be empty and positioned at its start. Embed returns the number of
// prefix bytes written.
func Embed(dst io.ReadWriteSeeker, prefix, archive io.Reader) (int64, error) {
	n, err := io.Copy(dst, prefix)
	if err != nil {
		return 0, fmt.Errorf("copying prefix: %w", err)
	}
	if _, err := io.Copy(dst, archive); err != nil {
		return 0, fmt.Errorf("copying archive: %w", err)
	}
	if err := Relocate(&offsetFile{dst, n}, n, 0); err != nil {
		return 0, fmt.Errorf("relocating archive by %d: %w", n, err)
	}
	return n, nil
}

// Adjust relocates the archive held by f so that its offsets account for any
// data preceding it, like `zip -A`, and grows its declared comment by suffix
// bytes. It returns the size of the prefix the archive was adjusted for.
func Adjust(f io.ReadWriteSeeker, suffix int) (int64, error) {
	r := &Relocator{}
	return r.adjust(f, suffix)
}

func (r *Relocator) adjust(f io.ReadWriteSeeker, suffix int) (int64, error) {
	pos, eocd, err := locate(f, r.Lenient)
	if err != nil {
		return 0, err
	}
	zip64, err := isZip64(f, pos, eocd)
	if err != nil {
		return 0, err
	}
	if zip64 {
		return 0, fmt.Errorf("%w: zip64 archive", ErrUnsupported)
	}
	offset, err := prefixLen(pos, eocd)
	if err != nil {
		return 0, err
	}
	if offset == 0 && suffix == 0 {
		return 0, nil
	}
	if err := r.Relocate(&offsetFile{f, offset}, offset, suffix); err != nil {
		return 0, fmt.Errorf("relocating archive by %d: %w", offset, err)
	}
	return offset, nil
}

// offsetFile is a io.ReadWriteSeeker that starts at some offset from the
// start of the file and extends to its end.
type offsetFile struct {
	rws    io.ReadWriteSeeker
	offset int64
}

func (o *offsetFile) Read(p []byte) (int, error) {
	return o.rws.Read(p)
}

func (o *offsetFile) Write(p []byte) (int, error) {
	return o.rws.Write(p)
}

func (o *offsetFile) Seek(off int64, whence int) (int64, error) {
	if whence == io.SeekStart {
		off += o.offset
	}
	n, err := o.rws.Seek(off, whence)
	if err != nil {
		return 0, err
	}
	if n < o.offset {
		return 0, fmt.Errorf("seek to %d is before the start of the archive at %d", n, o.offset)
	}
	return n - o.offset, nil
}
