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
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var exts = map[string]bool{
	".zip":  true,
	".jar":  true,
	".war":  true,
	".ear":  true,
	".jmod": true,
	".apk":  true,
	// Self-extracting archives.
	".exe": true,
	".sfx": true,
}

// Report describes an archive whose offsets don't account for the data
// preceding it.
type Report struct {
	// Offset is the number of bytes preceding the archive.
	Offset int64
	// EOCDOffset is the absolute offset of the end of central directory
	// record.
	EOCDOffset int64
	// EOCD is the end of central directory record, as found.
	EOCD EndOfCentralDirectory
}

// Walker implements a filesystem walker to find archives whose offsets need
// adjusting, such as self-extracting archives assembled by concatenation,
// and optionally adjust them.
type Walker struct {
	// Fix indicates if the Walker should adjust archives as it iterates
	// through the filesystem.
	Fix bool
	// Relocator is used to adjust archives when Fix is set. Default is an
	// atomic Relocator.
	Relocator *Relocator
	// SkipDir, if provided, allows the walker to skip certain directories
	// as it scans.
	SkipDir func(path string, de fs.DirEntry) bool
	// HandleError can be used to handle errors for a given directory or
	// archive.
	HandleError func(path string, err error)
	// HandleReport is called when an archive needs adjusting. If Fix is
	// provided, this is called before the archive is adjusted.
	HandleReport func(path string, r *Report)
	// HandleFix is called when an archive is adjusted successfully.
	HandleFix func(path string, r *Report)
}

// Walk scans a directory for archives that need adjusting.
func (w *Walker) Walk(dir string) error {
	fsys := os.DirFS(dir)
	wk := walker{w, fsys, dir}

	return fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			wk.handleError(p, err)
			return nil
		}
		if wk.skipDir(p, d) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := wk.visit(p, d); err != nil {
			wk.handleError(p, err)
		}
		return nil
	})
}

type walker struct {
	*Walker
	fs  fs.FS
	dir string
}

func (w *walker) filepath(path string) string {
	return filepath.Join(w.dir, path)
}

func (w *walker) handleError(path string, err error) {
	if w.HandleError == nil {
		return
	}
	w.HandleError(w.filepath(path), err)
}

func (w *walker) handleReport(path string, r *Report) {
	if w.HandleReport == nil {
		return
	}
	w.HandleReport(w.filepath(path), r)
}

func (w *walker) handleFix(path string, r *Report) {
	if w.HandleFix == nil {
		return
	}
	w.HandleFix(w.filepath(path), r)
}

func (w *walker) skipDir(path string, d fs.DirEntry) bool {
	if w.SkipDir == nil {
		return false
	}
	return w.SkipDir(w.filepath(path), d)
}

func (w *walker) relocator() *Relocator {
	if w.Relocator == nil {
		return &Relocator{Atomic: true}
	}
	return w.Relocator
}

func (w *walker) visit(p string, d fs.DirEntry) error {
	if d.IsDir() || !d.Type().IsRegular() {
		return nil
	}
	if !exts[strings.ToLower(path.Ext(p))] {
		return nil
	}
	f, err := w.fs.Open(p)
	if err != nil {
		return fmt.Errorf("open: %v", err)
	}
	defer f.Close()

	rs, ok := f.(io.ReadSeeker)
	if !ok {
		return fmt.Errorf("file doesn't implement read seeker: %T", f)
	}
	lenient := w.Relocator != nil && w.Relocator.Lenient
	pos, eocd, err := locate(rs, lenient)
	if err != nil {
		if errors.Is(err, ErrNotArchive) || errors.Is(err, ErrTruncated) {
			// Not an archive.
			return nil
		}
		return fmt.Errorf("locating end of central directory: %v", err)
	}
	zip64, err := isZip64(rs, pos, eocd)
	if err != nil {
		return fmt.Errorf("checking for zip64: %v", err)
	}
	if zip64 {
		return nil
	}
	offset, err := prefixLen(pos, eocd)
	if err != nil {
		return err
	}
	if offset == 0 {
		return nil
	}
	r := &Report{Offset: offset, EOCDOffset: pos, EOCD: eocd}
	w.handleReport(p, r)

	if !w.Fix {
		return nil
	}

	// Files must be closed for the rename to work on Windows.
	f.Close()
	if _, err := w.relocator().AdjustFile(w.filepath(p), 0); err != nil {
		return fmt.Errorf("adjusting %s: %v", p, err)
	}
	w.handleFix(p, r)
	return nil
}
