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

// Package zipreloc relocates the metadata of ZIP archives embedded at an
// offset inside a larger file, such as self-extracting executables.
//
// Relocation rewrites the absolute offsets held by the end of central
// directory record and the central directory entries. Entry data is never
// read or moved, so relocating is proportional to the number of entries, not
// to the size of the archive. Only classic (non-Zip64), single volume
// archives are supported.
package zipreloc

import (
	"errors"
	"fmt"
	"io"
)

// Relocator allows tuning how archives are relocated. The zero value provides
// reasonable defaults.
type Relocator struct {
	// Lenient accepts an end of central directory record whose comment
	// doesn't reach the end of the file. See Locator.Lenient.
	Lenient bool
	// Atomic makes RelocateFile patch a temporary copy of the file and
	// rename it over the original only on success. Default is to patch the
	// file in place.
	Atomic bool
	// BackupDir, if provided, is a directory RelocateFile copies the
	// original file to before patching it.
	BackupDir string
	// HandleEntry, if provided, is called after each central directory
	// entry has been rewritten.
	HandleEntry func(e CentralDirectoryEntry)
}

func (r *Relocator) handleEntry(e CentralDirectoryEntry) {
	if r.HandleEntry != nil {
		r.HandleEntry(e)
	}
}

// Relocate adds offset to every absolute offset recorded in the archive held
// by f, and grows the declared archive comment by suffix bytes so that data
// appended to f later is treated as part of the comment.
//
// Relocate doesn't move any bytes. The caller must make sure exactly offset
// bytes precede the archive by the time it is read, for example by
// prepending a stub. See Embed.
//
// f is patched record by record. If an error occurs after the first write,
// the records patched so far stay patched; callers that need atomicity
// should relocate a copy.
func Relocate(f io.ReadWriteSeeker, offset int64, suffix int) error {
	r := &Relocator{}
	return r.Relocate(f, offset, suffix)
}

// Relocate is like the package-level Relocate, using the options of r.
func (r *Relocator) Relocate(f io.ReadWriteSeeker, offset int64, suffix int) error {
	if suffix < 0 || suffix > MaxCommentLen {
		return fmt.Errorf("%w: suffix length %d is not within [0, %d]", ErrCapacity, suffix, MaxCommentLen)
	}
	pos, eocd, err := locate(f, r.Lenient)
	if err != nil {
		return err
	}
	zip64, err := isZip64(f, pos, eocd)
	if err != nil {
		return err
	}
	if zip64 {
		return fmt.Errorf("%w: zip64 archive", ErrUnsupported)
	}
	if eocd.MultiVolume() {
		return fmt.Errorf("%w: multi-volume archive (disk %d, central directory on disk %d)", ErrUnsupported, eocd.DiskNumber, eocd.CDDisk)
	}

	updated, err := eocd.Relocate(offset, suffix)
	if err != nil {
		return err
	}
	if err := overwrite(f, pos, updated.Encode(), eocd.Len()); err != nil {
		return fmt.Errorf("end of central directory at %d: %w", pos, err)
	}

	// Walk the table from where it is now, not where it will be.
	p := int64(eocd.CDOffset)
	for {
		e, err := readEntry(f, p)
		if errors.Is(err, errEndOfTable) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("central directory entry at %d: %w", p, err)
		}
		relocated, err := e.Relocate(offset)
		if err != nil {
			return fmt.Errorf("central directory entry at %d: %w", p, err)
		}
		if err := overwrite(f, p, relocated.Encode(), e.Len()); err != nil {
			return fmt.Errorf("central directory entry at %d: %w", p, err)
		}
		r.handleEntry(relocated)
		p += int64(e.Len())
	}
}

var errEndOfTable = errors.New("end of central directory table")

// readEntry reads the central directory entry at p. It returns errEndOfTable
// when p holds the end of central directory record instead.
func readEntry(f io.ReadSeeker, p int64) (CentralDirectoryEntry, error) {
	if _, err := f.Seek(p, io.SeekStart); err != nil {
		return CentralDirectoryEntry{}, err
	}
	hdr := make([]byte, CentralDirectoryEntryLen)
	n, err := io.ReadFull(f, hdr)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return CentralDirectoryEntry{}, err
	}
	hdr = hdr[:n]
	if len(hdr) < len(endOfCentralDirectorySig) {
		return CentralDirectoryEntry{}, fmt.Errorf("%w: central directory runs past the end of the file", ErrTruncated)
	}
	// The record that terminates the table is trusted over the entry counts.
	if string(hdr[:len(endOfCentralDirectorySig)]) == endOfCentralDirectorySig {
		return CentralDirectoryEntry{}, errEndOfTable
	}
	if string(hdr[:len(centralDirectoryEntrySig)]) != centralDirectoryEntrySig {
		return CentralDirectoryEntry{}, fmt.Errorf("%w: got signature %q, want %q", ErrFormat, hdr[:len(centralDirectoryEntrySig)], centralDirectoryEntrySig)
	}
	if len(hdr) < CentralDirectoryEntryLen {
		return CentralDirectoryEntry{}, fmt.Errorf("%w: central directory runs past the end of the file", ErrTruncated)
	}

	rec := make([]byte, centralDirectoryEntryLen(hdr))
	copy(rec, hdr)
	if _, err := io.ReadFull(f, rec[CentralDirectoryEntryLen:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return CentralDirectoryEntry{}, fmt.Errorf("%w: reading variable fields: %v", ErrTruncated, err)
		}
		return CentralDirectoryEntry{}, fmt.Errorf("reading variable fields: %w", err)
	}
	return ParseCentralDirectoryEntry(rec)
}

// overwrite writes b over the want bytes at p. Relocating only touches
// scalar fields, so a length mismatch is a bug rather than bad input.
func overwrite(f io.WriteSeeker, p int64, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("re-encoded record is %d bytes, was %d", len(b), want)
	}
	if _, err := f.Seek(p, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}
