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
	"os"
	"path/filepath"
)

// RelocateFile relocates the archive that starts base bytes into the named
// file. See Relocate for the meaning of offset and suffix.
//
// Unless r.Atomic is set, the file is patched in place while holding an
// exclusive advisory lock on it; if another process holds the lock,
// RelocateFile fails without writing.
func (r *Relocator) RelocateFile(path string, base, offset int64, suffix int) error {
	if base < 0 {
		return fmt.Errorf("negative archive start %d", base)
	}
	return r.patchFile(path, func(f *os.File) error {
		return r.Relocate(&offsetFile{f, base}, offset, suffix)
	})
}

// AdjustFile is like Adjust, operating on the named file with the options of
// r.
func (r *Relocator) AdjustFile(path string, suffix int) (offset int64, err error) {
	err = r.patchFile(path, func(f *os.File) (err error) {
		offset, err = r.adjust(f, suffix)
		return err
	})
	return offset, err
}

func (r *Relocator) patchFile(path string, patch func(f *os.File) error) error {
	if r.BackupDir != "" {
		if _, err := backupFile(path, r.BackupDir); err != nil {
			return fmt.Errorf("backing up %s: %v", path, err)
		}
	}
	if r.Atomic {
		return patchCopy(path, patch)
	}
	return patchInPlace(path, patch)
}

func patchInPlace(path string, patch func(f *os.File) error) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open: %v", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("locking %s: %v", path, err)
	}
	defer unlockFile(f)

	if err := patch(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %v", err)
	}
	return nil
}

// patchCopy patches a copy of the file and only replaces the original if
// patching succeeds.
func patchCopy(path string, patch func(f *os.File) error) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %v", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat: %v", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}

	// Ensure temp file is created in the same directory as the file we want to
	// replace to improve the chances of ending up on the same filesystem. On
	// Linux, os.Rename() doesn't work across filesystems.
	tf, err := os.CreateTemp(filepath.Dir(path), ".ziprelocate")
	if err != nil {
		return fmt.Errorf("creating temp file: %v", err)
	}
	defer os.Remove(tf.Name()) // Attempt to clean up temp file no matter what.
	defer tf.Close()

	if _, err := io.Copy(tf, src); err != nil {
		return fmt.Errorf("copying %s: %v", path, err)
	}
	if err := patch(tf); err != nil {
		return err
	}
	if err := tf.Sync(); err != nil {
		return fmt.Errorf("sync: %v", err)
	}

	// Files must be closed for rename to work on Windows.
	src.Close()
	tf.Close()
	if err := os.Chmod(tf.Name(), info.Mode()); err != nil {
		return fmt.Errorf("chmod file: %v", err)
	}

	uid, gid, ok, err := fileOwner(info)
	if err != nil {
		return fmt.Errorf("determining file owner: %v", err)
	}
	if ok {
		if err := os.Chown(tf.Name(), int(uid), int(gid)); err != nil {
			return fmt.Errorf("changing ownership of temporary file: %v", err)
		}
	}
	if err := os.Rename(tf.Name(), path); err != nil {
		return fmt.Errorf("overwriting %s: %v", path, err)
	}
	return nil
}
