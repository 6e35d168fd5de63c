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
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Record signatures and fixed prefix sizes.
//
// See: https://pkware.cachefly.net/webdocs/casestudies/APPNOTE.TXT
const (
	localFileHeaderSig       = "PK\x03\x04"
	centralDirectoryEntrySig = "PK\x01\x02"
	endOfCentralDirectorySig = "PK\x05\x06"
	zip64LocatorSig          = "PK\x06\x07"

	LocalFileHeaderLen       = 30 // + filename + extra
	CentralDirectoryEntryLen = 46 // + filename + extra + comment
	EndOfCentralDirectoryLen = 22 // + comment
	zip64LocatorLen          = 20

	// MaxCommentLen is the largest value a 16-bit length field can hold.
	MaxCommentLen = math.MaxUint16
)

// Values above maxOffset would either overflow the 32-bit field or collide
// with the 0xffffffff Zip64 marker.
const maxOffset = math.MaxUint32 - 1

var le = binary.LittleEndian

// LocalFileHeader precedes each entry's compressed data. It only carries
// self-relative metadata and is never rewritten by a relocation.
type LocalFileHeader struct {
	VersionNeeded    uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	FilenameLen      uint16
	ExtraLen         uint16

	Filename []byte
	Extra    []byte
}

// ParseLocalFileHeader decodes a local file header from the start of b.
// Variable-length fields are copied out of b.
func ParseLocalFileHeader(b []byte) (LocalFileHeader, error) {
	var h LocalFileHeader
	if err := checkSig(b, localFileHeaderSig, LocalFileHeaderLen); err != nil {
		return h, fmt.Errorf("local file header: %w", err)
	}
	h = LocalFileHeader{
		VersionNeeded:    le.Uint16(b[4:6]),
		Flags:            le.Uint16(b[6:8]),
		Method:           le.Uint16(b[8:10]),
		ModTime:          le.Uint16(b[10:12]),
		ModDate:          le.Uint16(b[12:14]),
		CRC32:            le.Uint32(b[14:18]),
		CompressedSize:   le.Uint32(b[18:22]),
		UncompressedSize: le.Uint32(b[22:26]),
		FilenameLen:      le.Uint16(b[26:28]),
		ExtraLen:         le.Uint16(b[28:30]),
	}
	if len(b) < h.Len() {
		return h, fmt.Errorf("local file header: %w: need %d bytes, got %d", ErrTruncated, h.Len(), len(b))
	}
	v := b[LocalFileHeaderLen:]
	h.Filename, v = cut(v, h.FilenameLen)
	h.Extra, _ = cut(v, h.ExtraLen)
	return h, nil
}

// Len returns the on-disk length of the record.
func (h LocalFileHeader) Len() int {
	return LocalFileHeaderLen + int(h.FilenameLen) + int(h.ExtraLen)
}

// Encode serializes the record.
func (h LocalFileHeader) Encode() []byte {
	b := make([]byte, LocalFileHeaderLen, LocalFileHeaderLen+len(h.Filename)+len(h.Extra))
	copy(b, localFileHeaderSig)
	le.PutUint16(b[4:6], h.VersionNeeded)
	le.PutUint16(b[6:8], h.Flags)
	le.PutUint16(b[8:10], h.Method)
	le.PutUint16(b[10:12], h.ModTime)
	le.PutUint16(b[12:14], h.ModDate)
	le.PutUint32(b[14:18], h.CRC32)
	le.PutUint32(b[18:22], h.CompressedSize)
	le.PutUint32(b[22:26], h.UncompressedSize)
	le.PutUint16(b[26:28], h.FilenameLen)
	le.PutUint16(b[28:30], h.ExtraLen)
	b = append(b, h.Filename...)
	return append(b, h.Extra...)
}

// CentralDirectoryEntry is one record of the central directory table.
type CentralDirectoryEntry struct {
	VersionMadeBy    uint16
	VersionNeeded    uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	FilenameLen      uint16
	ExtraLen         uint16
	CommentLen       uint16
	DiskNumberStart  uint16
	InternalAttrs    uint16
	ExternalAttrs    uint32
	// LocalHeaderOffset is the absolute offset of the entry's local file
	// header.
	LocalHeaderOffset uint32

	Filename []byte
	Extra    []byte
	Comment  []byte
}

// ParseCentralDirectoryEntry decodes a central directory entry from the start
// of b. Variable-length fields are copied out of b.
func ParseCentralDirectoryEntry(b []byte) (CentralDirectoryEntry, error) {
	var e CentralDirectoryEntry
	if err := checkSig(b, centralDirectoryEntrySig, CentralDirectoryEntryLen); err != nil {
		return e, fmt.Errorf("central directory entry: %w", err)
	}
	e = CentralDirectoryEntry{
		VersionMadeBy:     le.Uint16(b[4:6]),
		VersionNeeded:     le.Uint16(b[6:8]),
		Flags:             le.Uint16(b[8:10]),
		Method:            le.Uint16(b[10:12]),
		ModTime:           le.Uint16(b[12:14]),
		ModDate:           le.Uint16(b[14:16]),
		CRC32:             le.Uint32(b[16:20]),
		CompressedSize:    le.Uint32(b[20:24]),
		UncompressedSize:  le.Uint32(b[24:28]),
		FilenameLen:       le.Uint16(b[28:30]),
		ExtraLen:          le.Uint16(b[30:32]),
		CommentLen:        le.Uint16(b[32:34]),
		DiskNumberStart:   le.Uint16(b[34:36]),
		InternalAttrs:     le.Uint16(b[36:38]),
		ExternalAttrs:     le.Uint32(b[38:42]),
		LocalHeaderOffset: le.Uint32(b[42:46]),
	}
	if len(b) < e.Len() {
		return e, fmt.Errorf("central directory entry: %w: need %d bytes, got %d", ErrTruncated, e.Len(), len(b))
	}
	v := b[CentralDirectoryEntryLen:]
	e.Filename, v = cut(v, e.FilenameLen)
	e.Extra, v = cut(v, e.ExtraLen)
	e.Comment, _ = cut(v, e.CommentLen)
	return e, nil
}

// centralDirectoryEntryLen returns the full record length declared by a fixed
// prefix. hdr must hold at least CentralDirectoryEntryLen bytes.
func centralDirectoryEntryLen(hdr []byte) int {
	return CentralDirectoryEntryLen +
		int(le.Uint16(hdr[28:30])) +
		int(le.Uint16(hdr[30:32])) +
		int(le.Uint16(hdr[32:34]))
}

// Len returns the on-disk length of the record.
func (e CentralDirectoryEntry) Len() int {
	return CentralDirectoryEntryLen + int(e.FilenameLen) + int(e.ExtraLen) + int(e.CommentLen)
}

// Encode serializes the record.
func (e CentralDirectoryEntry) Encode() []byte {
	b := make([]byte, CentralDirectoryEntryLen, CentralDirectoryEntryLen+len(e.Filename)+len(e.Extra)+len(e.Comment))
	copy(b, centralDirectoryEntrySig)
	le.PutUint16(b[4:6], e.VersionMadeBy)
	le.PutUint16(b[6:8], e.VersionNeeded)
	le.PutUint16(b[8:10], e.Flags)
	le.PutUint16(b[10:12], e.Method)
	le.PutUint16(b[12:14], e.ModTime)
	le.PutUint16(b[14:16], e.ModDate)
	le.PutUint32(b[16:20], e.CRC32)
	le.PutUint32(b[20:24], e.CompressedSize)
	le.PutUint32(b[24:28], e.UncompressedSize)
	le.PutUint16(b[28:30], e.FilenameLen)
	le.PutUint16(b[30:32], e.ExtraLen)
	le.PutUint16(b[32:34], e.CommentLen)
	le.PutUint16(b[34:36], e.DiskNumberStart)
	le.PutUint16(b[36:38], e.InternalAttrs)
	le.PutUint32(b[38:42], e.ExternalAttrs)
	le.PutUint32(b[42:46], e.LocalHeaderOffset)
	b = append(b, e.Filename...)
	b = append(b, e.Extra...)
	return append(b, e.Comment...)
}

// Relocate returns a copy of e with the local header offset moved by delta.
func (e CentralDirectoryEntry) Relocate(delta int64) (CentralDirectoryEntry, error) {
	if e.LocalHeaderOffset == math.MaxUint32 {
		return e, fmt.Errorf("%w: zip64 local header offset for %q", ErrUnsupported, e.Filename)
	}
	off, err := shift(e.LocalHeaderOffset, delta)
	if err != nil {
		return e, fmt.Errorf("local header offset of %q: %w", e.Filename, err)
	}
	e.LocalHeaderOffset = off
	return e, nil
}

// EndOfCentralDirectory is the trailer record of a ZIP file.
type EndOfCentralDirectory struct {
	DiskNumber    uint16
	CDDisk        uint16
	CDCountOnDisk uint16
	CDCount       uint16
	CDSize        uint32
	// CDOffset is the absolute offset of the first central directory entry.
	CDOffset uint32
	// CommentLen may exceed len(Comment) once room has been reserved for
	// bytes that will be appended after the archive.
	CommentLen uint16

	Comment []byte
}

// ParseEndOfCentralDirectory decodes an end of central directory record from
// the start of b. The comment is copied out of b.
func ParseEndOfCentralDirectory(b []byte) (EndOfCentralDirectory, error) {
	var r EndOfCentralDirectory
	if err := checkSig(b, endOfCentralDirectorySig, EndOfCentralDirectoryLen); err != nil {
		return r, fmt.Errorf("end of central directory: %w", err)
	}
	r = EndOfCentralDirectory{
		DiskNumber:    le.Uint16(b[4:6]),
		CDDisk:        le.Uint16(b[6:8]),
		CDCountOnDisk: le.Uint16(b[8:10]),
		CDCount:       le.Uint16(b[10:12]),
		CDSize:        le.Uint32(b[12:16]),
		CDOffset:      le.Uint32(b[16:20]),
		CommentLen:    le.Uint16(b[20:22]),
	}
	if len(b) < r.Len() {
		return r, fmt.Errorf("end of central directory: %w: need %d bytes, got %d", ErrTruncated, r.Len(), len(b))
	}
	r.Comment, _ = cut(b[EndOfCentralDirectoryLen:], r.CommentLen)
	return r, nil
}

// Len returns the length of the record as declared by its fixed prefix.
func (r EndOfCentralDirectory) Len() int {
	return EndOfCentralDirectoryLen + int(r.CommentLen)
}

// Encode serializes the record. The comment bytes are written verbatim even
// when CommentLen declares more.
func (r EndOfCentralDirectory) Encode() []byte {
	b := make([]byte, EndOfCentralDirectoryLen, EndOfCentralDirectoryLen+len(r.Comment))
	copy(b, endOfCentralDirectorySig)
	le.PutUint16(b[4:6], r.DiskNumber)
	le.PutUint16(b[6:8], r.CDDisk)
	le.PutUint16(b[8:10], r.CDCountOnDisk)
	le.PutUint16(b[10:12], r.CDCount)
	le.PutUint32(b[12:16], r.CDSize)
	le.PutUint32(b[16:20], r.CDOffset)
	le.PutUint16(b[20:22], r.CommentLen)
	return append(b, r.Comment...)
}

// MultiVolume reports whether the record belongs to a split archive.
func (r EndOfCentralDirectory) MultiVolume() bool {
	return r.DiskNumber != 0 || r.CDDisk != 0
}

// Zip64 reports whether any field holds a value that doubles as a Zip64
// marker. The 16-bit count markers are also valid counts in a classic archive
// holding exactly 65535 entries; isZip64 tells them apart.
func (r EndOfCentralDirectory) Zip64() bool {
	return r.DiskNumber == math.MaxUint16 ||
		r.CDDisk == math.MaxUint16 ||
		r.CDCountOnDisk == math.MaxUint16 ||
		r.CDCount == math.MaxUint16 ||
		r.CDSize == math.MaxUint32 ||
		r.CDOffset == math.MaxUint32
}

// Relocate returns a copy of r with the central directory offset moved by
// delta and the declared comment length grown by extra bytes. The comment
// bytes themselves are unchanged.
func (r EndOfCentralDirectory) Relocate(delta int64, extra int) (EndOfCentralDirectory, error) {
	if extra < 0 || int(r.CommentLen)+extra > MaxCommentLen {
		return r, fmt.Errorf("%w: comment length %d + %d exceeds %d", ErrCapacity, r.CommentLen, extra, MaxCommentLen)
	}
	off, err := shift(r.CDOffset, delta)
	if err != nil {
		return r, fmt.Errorf("central directory offset: %w", err)
	}
	r.CDOffset = off
	r.CommentLen += uint16(extra)
	return r, nil
}

// isZip64 reports whether the record at pos belongs to a Zip64 archive. A
// count marker only counts when a Zip64 locator immediately precedes the
// record.
func isZip64(r io.ReadSeeker, pos int64, eocd EndOfCentralDirectory) (bool, error) {
	if !eocd.Zip64() {
		return false, nil
	}
	if eocd.CDSize == math.MaxUint32 || eocd.CDOffset == math.MaxUint32 {
		return true, nil
	}
	if pos < zip64LocatorLen {
		return false, nil
	}
	if _, err := r.Seek(pos-zip64LocatorLen, io.SeekStart); err != nil {
		return false, fmt.Errorf("seeking to zip64 locator: %w", err)
	}
	sig := make([]byte, len(zip64LocatorSig))
	if _, err := io.ReadFull(r, sig); err != nil {
		return false, fmt.Errorf("reading zip64 locator: %w", err)
	}
	return string(sig) == zip64LocatorSig, nil
}

func checkSig(b []byte, sig string, fixed int) error {
	if len(b) < len(sig) || string(b[:len(sig)]) != sig {
		got := b[:min(len(b), len(sig))]
		return fmt.Errorf("%w: got signature %q, want %q", ErrFormat, got, sig)
	}
	if len(b) < fixed {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrTruncated, fixed, len(b))
	}
	return nil
}

// cut copies the first n bytes of b and returns them along with the rest.
func cut(b []byte, n uint16) (field, rest []byte) {
	return bytes.Clone(b[:n]), b[n:]
}

func shift(off uint32, delta int64) (uint32, error) {
	v := int64(off) + delta
	if v < 0 || v > maxOffset {
		return 0, fmt.Errorf("%w: %d%+d is out of range", ErrCapacity, off, delta)
	}
	return uint32(v), nil
}
