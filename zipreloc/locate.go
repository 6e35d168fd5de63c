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
	"errors"
	"fmt"
	"io"

	"github.com/google/ziprelocate/pool"
	"rsc.io/binaryregexp"
)

const (
	// maxWindow is the largest read issued by the Locator: a maximal comment
	// plus the signature.
	maxWindow = MaxCommentLen + 1
	// maxCarry is the number of bytes kept from the previous window so that a
	// record starting at the very end of a window is still seen whole.
	maxCarry = EndOfCentralDirectoryLen + MaxCommentLen - 1
)

var (
	eocdPattern = binaryregexp.MustCompile(binaryregexp.QuoteMeta(endOfCentralDirectorySig))

	scanBufs = pool.Buffers{MinUtility: 4 << 10}
)

// Locator scans a stream backwards for end of central directory records.
//
// The signature of the record isn't guaranteed to be unique: it can appear in
// compressed data or inside the archive comment. Candidates are therefore
// produced lazily, closest to the end of the stream first, and a candidate is
// only accepted if its declared comment ends exactly at the end of the stream.
//
// Successive calls to Next step through the candidates, reading at most one
// window of the stream per call:
//
//	l := zipreloc.NewLocator(f)
//	defer l.Close()
//	for l.Next() {
//		off, eocd := l.Offset(), l.Record()
//		// ...
//	}
//	if err := l.Err(); err != nil {
//		// ...
//	}
//
// A Locator can't be restarted, and the stream must not be used by anything
// else until the scan is done.
type Locator struct {
	// Lenient accepts candidates whose declared comment ends before the end
	// of the stream, allowing trailing data after the archive. This is more
	// prone to false positives from signatures inside entry data.
	Lenient bool

	r       io.ReadSeeker
	started bool
	done    bool
	size    int64
	pos     int64 // start of the region that has been read
	next    int   // size of the next window
	buf     []byte
	region  int // bytes of buf holding the last searched region
	used    int
	pending []candidate
	cur     candidate
	err     error
}

type candidate struct {
	off  int64
	eocd EndOfCentralDirectory
}

// NewLocator returns a Locator reading from r. No I/O happens until the first
// call to Next.
func NewLocator(r io.ReadSeeker) *Locator {
	return &Locator{r: r}
}

// Next advances to the next candidate, which is then available through Offset
// and Record. It returns false when the start of the stream is reached or an
// error occurs.
func (l *Locator) Next() bool {
	for len(l.pending) == 0 {
		if l.done || l.err != nil {
			return false
		}
		if err := l.scan(); err != nil {
			l.err = err
			l.release()
			return false
		}
	}
	l.cur, l.pending = l.pending[0], l.pending[1:]
	return true
}

// Offset returns the absolute offset of the current candidate.
func (l *Locator) Offset() int64 {
	return l.cur.off
}

// Record returns the current candidate.
func (l *Locator) Record() EndOfCentralDirectory {
	return l.cur.eocd
}

// Size returns the stream size, once Next has been called.
func (l *Locator) Size() int64 {
	return l.size
}

// Err returns the first error encountered during the scan.
func (l *Locator) Err() error {
	return l.err
}

// Close releases the scan buffer. The Locator can't be used afterwards.
func (l *Locator) Close() {
	l.done = true
	l.pending = nil
	l.release()
}

func (l *Locator) release() {
	if l.buf != nil {
		scanBufs.Put(l.buf, l.used)
		l.buf = nil
	}
}

func (l *Locator) init() error {
	size, err := l.r.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seeking to end: %w", err)
	}
	if size < EndOfCentralDirectoryLen {
		return fmt.Errorf("%w: %d bytes is too short for a zip file", ErrTruncated, size)
	}
	l.size = size
	l.pos = size
	// Assume there's no comment first.
	l.next = EndOfCentralDirectoryLen
	regionCap := int64(maxWindow + maxCarry)
	if size < regionCap {
		regionCap = size
	}
	l.buf = scanBufs.Get(int(regionCap))
	l.started = true
	return nil
}

// scan reads the next window backwards and queues the candidates it holds.
func (l *Locator) scan() error {
	if !l.started {
		if err := l.init(); err != nil {
			return err
		}
	}
	if l.pos == 0 {
		l.done = true
		l.release()
		return nil
	}

	n := l.next
	l.pos -= int64(n)

	// Move the carry to the right of the new window.
	carry := l.region
	if carry > maxCarry {
		carry = maxCarry
	}
	copy(l.buf[n:n+carry], l.buf[:carry])
	region := l.buf[:n+carry]
	if len(region) > l.used {
		l.used = len(region)
	}

	if _, err := l.r.Seek(l.pos, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to %d: %w", l.pos, err)
	}
	if _, err := io.ReadFull(l.r, region[:n]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// We went back and are reading forward, a short read means
			// the stream changed under us.
			return fmt.Errorf("%w: reading %d bytes at %d: stream was modified concurrently", ErrTruncated, n, l.pos)
		}
		return fmt.Errorf("reading %d bytes at %d: %w", n, l.pos, err)
	}

	// Only consider signatures starting inside the new window; those in the
	// carry were handled by the previous call. A signature may still run into
	// the carry by up to three bytes.
	search := region[:min(n+len(endOfCentralDirectorySig)-1, len(region))]
	matches := eocdPattern.FindAllIndex(search, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		start := matches[i][0]
		if start+EndOfCentralDirectoryLen > len(region) {
			continue
		}
		commentLen := int64(le.Uint16(region[start+20 : start+22]))
		remaining := l.size - (l.pos + int64(start) + EndOfCentralDirectoryLen)
		if commentLen > remaining || (!l.Lenient && commentLen != remaining) {
			continue
		}
		eocd, err := ParseEndOfCentralDirectory(region[start:])
		if err != nil {
			return fmt.Errorf("decoding candidate at %d: %w", l.pos+int64(start), err)
		}
		l.pending = append(l.pending, candidate{l.pos + int64(start), eocd})
	}

	l.region = len(region)
	l.next = maxWindow
	if l.pos < maxWindow {
		l.next = int(l.pos)
	}
	return nil
}

// Locate returns the first end of central directory candidate of r along
// with its offset. It returns ErrNotArchive if there is none.
func Locate(r io.ReadSeeker) (int64, EndOfCentralDirectory, error) {
	return locate(r, false)
}

func locate(r io.ReadSeeker, lenient bool) (int64, EndOfCentralDirectory, error) {
	l := NewLocator(r)
	l.Lenient = lenient
	defer l.Close()
	if !l.Next() {
		if err := l.Err(); err != nil {
			return 0, EndOfCentralDirectory{}, err
		}
		return 0, EndOfCentralDirectory{}, fmt.Errorf("%w: no end of central directory record in %d bytes", ErrNotArchive, l.Size())
	}
	return l.Offset(), l.Record(), nil
}
