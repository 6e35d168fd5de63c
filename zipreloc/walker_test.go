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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func setupWalkerDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	archive := buildZip(t, "", testEntries...)
	stub := bytes.Repeat([]byte("stub"), 100)
	prefixed := append(append([]byte(nil), stub...), archive...)

	relocated := newMemFile(archive)
	if err := Relocate(relocated, int64(len(stub)), 0); err != nil {
		t.Fatalf("Relocate() failed: %v", err)
	}
	pos, eocd, _ := readTable(t, archive, 0)
	overlapping := append([]byte(nil), archive...)
	le.PutUint32(overlapping[pos+16:], eocd.CDOffset+1)

	files := map[string][]byte{
		"plain.zip":           archive,
		"prefixed.exe":        prefixed,
		"nested/other.JAR":    prefixed,
		"nested/deeper/x.sfx": prefixed,
		"relocated.sfx":       append(append([]byte(nil), stub...), relocated.b...),
		"notazip.zip":         []byte("not a zip"),
		"empty.zip":           nil,
		"readme.txt":          prefixed,
		"skipme/bad.zip":      prefixed,
		"overlapping.zip":     overlapping,
	}
	for name, b := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("creating directory for %s: %v", name, err)
		}
		writeFile(t, p, b, 0o644)
	}
	return dir
}

func TestWalker(t *testing.T) {
	dir := setupWalkerDir(t)

	var got, gotErrs []string
	offsets := map[string]int64{}
	w := Walker{
		SkipDir: func(path string, de fs.DirEntry) bool {
			return de.IsDir() && de.Name() == "skipme"
		},
		HandleError: func(path string, err error) {
			if !errors.Is(err, ErrFormat) {
				t.Errorf("unexpected error for %s: %v", path, err)
			}
			gotErrs = append(gotErrs, path)
		},
		HandleReport: func(path string, r *Report) {
			got = append(got, path)
			offsets[path] = r.Offset
		},
		HandleFix: func(path string, r *Report) {
			t.Errorf("HandleFix() called for %s without Fix", path)
		},
	}
	if err := w.Walk(dir); err != nil {
		t.Fatalf("Walk() failed: %v", err)
	}

	want := []string{
		filepath.Join(dir, "nested/deeper/x.sfx"),
		filepath.Join(dir, "nested/other.JAR"),
		filepath.Join(dir, "prefixed.exe"),
	}
	sort.Strings(got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk() returned diff (-want, +got):\n%s", diff)
	}
	for _, p := range want {
		if offsets[p] != 400 {
			t.Errorf("Walk() reported offset %d for %s, want 400", offsets[p], p)
		}
	}
	if diff := cmp.Diff([]string{filepath.Join(dir, "overlapping.zip")}, gotErrs); diff != "" {
		t.Errorf("Walk() errors returned diff (-want, +got):\n%s", diff)
	}
}

func TestWalkerFix(t *testing.T) {
	dir := setupWalkerDir(t)
	skip := func(path string, de fs.DirEntry) bool {
		return de.IsDir() && de.Name() == "skipme"
	}

	var reported, fixed []string
	w := Walker{
		Fix:         true,
		SkipDir:     skip,
		HandleError: func(path string, err error) {},
		HandleReport: func(path string, r *Report) {
			reported = append(reported, path)
		},
		HandleFix: func(path string, r *Report) {
			fixed = append(fixed, path)
		},
	}
	if err := w.Walk(dir); err != nil {
		t.Fatalf("Walk() failed: %v", err)
	}
	sort.Strings(reported)
	sort.Strings(fixed)
	if diff := cmp.Diff(reported, fixed); diff != "" {
		t.Errorf("fixed archives differ from reported ones (-reported, +fixed):\n%s", diff)
	}
	if len(fixed) != 3 {
		t.Errorf("Walk() fixed %d archives, want 3", len(fixed))
	}
	for _, p := range fixed {
		checkContents(t, readFile(t, p), testEntries)
	}

	// Nothing is left to fix.
	w = Walker{
		SkipDir:     skip,
		HandleError: func(path string, err error) {},
		HandleReport: func(path string, r *Report) {
			t.Errorf("Walk() reported %s after fixing it", path)
		},
	}
	if err := w.Walk(dir); err != nil {
		t.Fatalf("second Walk() failed: %v", err)
	}
}
