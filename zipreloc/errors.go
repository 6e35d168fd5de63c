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

import "errors"

// Errors returned by this package are wrapped with context. Use errors.Is to
// test for them.
var (
	// ErrFormat is returned when a record signature doesn't match at a
	// position where one is expected.
	ErrFormat = errors.New("zipreloc: invalid record signature")
	// ErrTruncated is returned when the stream is too short to hold a
	// record, or shrank while it was being scanned.
	ErrTruncated = errors.New("zipreloc: truncated")
	// ErrNotArchive is returned when no end of central directory record
	// could be found.
	ErrNotArchive = errors.New("zipreloc: not a valid zip file")
	// ErrUnsupported is returned for multi-volume and Zip64 archives.
	ErrUnsupported = errors.New("zipreloc: unsupported archive")
	// ErrCapacity is returned when a relocated value doesn't fit its field.
	ErrCapacity = errors.New("zipreloc: value exceeds field capacity")
)
