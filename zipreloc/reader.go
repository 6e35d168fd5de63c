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
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
)

// ReadCloser mirrors zip.ReadCloser.
type ReadCloser struct {
	zip.Reader

	f *os.File
}

// Close closes the underlying file.
func (r *ReadCloser) Close() error {
	return r.f.Close()
}

// OpenReader mirrors zip.OpenReader, but supports archives whose offsets
// haven't been adjusted for a prefix. See NewReader() for details.
func OpenReader(path string) (r *ReadCloser, offset int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return
	}
	zr, offset, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return
	}
	return &ReadCloser{*zr, f}, offset, nil
}

// offsetReader is a io.ReaderAt that starts at some offset from the start of
// the file.
type offsetReader struct {
	ra     io.ReaderAt
	offset int64
}

func (o offsetReader) ReadAt(p []byte, off int64) (n int, err error) {
	return o.ra.ReadAt(p, off+o.offset)
}

// ReadOffset returns the number of bytes preceding the archive in ra that its
// offsets don't account for. It is 0 for plain archives and for archives that
// have been relocated to match their prefix.
//
// Relocating the archive starting at the returned offset by that same amount
// makes it readable by tools that expect absolute offsets. See Adjust.
func ReadOffset(ra io.ReaderAt, size int64) (int64, error) {
	sr := io.NewSectionReader(ra, 0, size)
	pos, eocd, err := Locate(sr)
	if err != nil {
		return 0, err
	}
	zip64, err := isZip64(sr, pos, eocd)
	if err != nil {
		return 0, err
	}
	if zip64 {
		return 0, fmt.Errorf("%w: zip64 archive", ErrUnsupported)
	}
	return prefixLen(pos, eocd)
}

func prefixLen(pos int64, eocd EndOfCentralDirectory) (int64, error) {
	offset := pos - int64(eocd.CDSize) - int64(eocd.CDOffset)
	if offset < 0 {
		return 0, fmt.Errorf("%w: central directory at %d (%d bytes) overlaps end of central directory at %d",
			ErrFormat, eocd.CDOffset, eocd.CDSize, pos)
	}
	return offset, nil
}

// NewReader is a wrapper around zip.NewReader that supports archives with
// prefixed data, such as a self-extracting stub, whose offsets are relative
// to the start of the archive rather than the start of the file.
//
// If the archive's offsets don't account for a prefix, the returned offset
// indicates the size of that prefix.
//
// Deflate entries of the returned reader are decompressed with
// github.com/klauspost/compress/flate.
func NewReader(ra io.ReaderAt, size int64) (zr *zip.Reader, offset int64, err error) {
	offset, err = ReadOffset(ra, size)
	if err != nil {
		return nil, 0, err
	}
	if offset > 0 {
		ra = offsetReader{ra, offset}
		size -= offset
	}
	zr, err = zip.NewReader(ra, size)
	if err != nil {
		return nil, 0, err
	}
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)
	return zr, offset, nil
}
