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

// The ziprelocate tool relocates ZIP archives embedded at an offset inside a
// larger file, such as self-extracting executables, by rewriting the offsets
// recorded in the archive's central directory.
package main

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/ziprelocate/zipreloc"
	"github.com/jessevdk/go-flags"
	"github.com/schollz/progressbar/v3"
)

const usage = `[flags] <filename> <offset> <suffix length>
       ziprelocate --scan [--fix] [directories]

Adds <offset> to every absolute offset recorded in the ZIP archive held by
<filename>, and grows its declared comment by <suffix length> bytes so that
data appended to the file later is ignored by archive tools. The file is
patched in place; no entry data is moved.

<offset> may be "auto" to adjust for the data already preceding the archive
in the file, like "zip -A".`

type options struct {
	Verbose bool   `short:"v" long:"verbose" description:"Print verbose logs to stderr."`
	Atomic  bool   `short:"a" long:"atomic" description:"Patch a temporary copy and rename it over the file on success."`
	Backup  string `short:"b" long:"backup" value-name:"DIR" description:"Copy files to DIR before patching them."`
	Lenient bool   `long:"lenient" description:"Accept archives followed by trailing data."`
	Scan    bool   `short:"s" long:"scan" description:"Scan directories for archives whose offsets need adjusting."`
	Fix     bool   `short:"w" long:"fix" description:"With --scan, adjust the archives found."`
}

var skipDirs = map[string]bool{
	".hg":          true,
	".git":         true,
	"node_modules": true,
}

func main() {
	var opts options
	p := newParser(&opts)
	args, err := p.Parse()
	if err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	logf := func(format string, v ...interface{}) {
		if opts.Verbose {
			log.Printf(format, v...)
		}
	}

	if opts.Scan {
		if len(args) == 0 {
			p.WriteHelp(os.Stderr)
			os.Exit(1)
		}
		scan(&opts, args, logf)
		return
	}

	if len(args) < 3 {
		p.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	if err := relocate(&opts, args[0], args[1], args[2], logf); err != nil {
		log.Printf("Error: relocating %s: %v", args[0], err)
		os.Exit(1)
	}
}

// newParser returns the command line parser. Options must precede the
// filename so that a negative offset isn't taken for a flag.
func newParser(opts *options) *flags.Parser {
	p := flags.NewParser(opts, flags.Default|flags.PassAfterNonOption)
	p.Usage = usage
	return p
}

func newRelocator(opts *options) *zipreloc.Relocator {
	return &zipreloc.Relocator{
		Lenient:   opts.Lenient,
		Atomic:    opts.Atomic,
		BackupDir: opts.Backup,
	}
}

// parseArgs parses the offset and suffix length arguments. auto reports
// whether the offset should be detected from the file.
func parseArgs(offsetArg, suffixArg string) (offset int64, suffix int, auto bool, err error) {
	suffix, err = strconv.Atoi(suffixArg)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid suffix length %q: %v", suffixArg, err)
	}
	if suffix < 0 || suffix > zipreloc.MaxCommentLen {
		return 0, 0, false, fmt.Errorf("suffix length %d is not within [0, %d]", suffix, zipreloc.MaxCommentLen)
	}
	if offsetArg == "auto" {
		return 0, suffix, true, nil
	}
	offset, err = strconv.ParseInt(offsetArg, 0, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid offset %q: %v", offsetArg, err)
	}
	return offset, suffix, false, nil
}

func relocate(opts *options, path, offsetArg, suffixArg string, logf func(string, ...interface{})) error {
	offset, suffix, auto, err := parseArgs(offsetArg, suffixArg)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	logf("Relocating %s (%s)", path, humanize.IBytes(uint64(info.Size())))

	r := newRelocator(opts)
	var entries int
	if opts.Verbose {
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("patching central directory"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
		)
		defer bar.Finish()
		r.HandleEntry = func(e zipreloc.CentralDirectoryEntry) {
			entries++
			bar.Add(1)
		}
	}

	if auto {
		offset, err = r.AdjustFile(path, suffix)
		if err != nil {
			return err
		}
		if offset == 0 && suffix == 0 {
			logf("%s needs no adjusting", path)
			return nil
		}
	} else if err := r.RelocateFile(path, 0, offset, suffix); err != nil {
		return err
	}
	logf("Relocated %d entries of %s by %d bytes, reserved %s for appended data",
		entries, path, offset, humanize.IBytes(uint64(suffix)))
	return nil
}

func scan(opts *options, dirs []string, logf func(string, ...interface{})) {
	// Archives found by a scan are always replaced atomically.
	r := newRelocator(opts)
	r.Atomic = true

	seen := 0
	walker := zipreloc.Walker{
		Fix:       opts.Fix,
		Relocator: r,
		SkipDir: func(path string, d fs.DirEntry) bool {
			seen++
			if seen%5000 == 0 {
				logf("Scanned %d files", seen)
			}
			if !d.IsDir() {
				return false
			}
			if skipDirs[filepath.Base(path)] {
				return true
			}
			ignore, err := ignoreDir(path)
			if err != nil {
				log.Printf("Error: %v", err)
				return false
			}
			return ignore
		},
		HandleError: func(path string, err error) {
			log.Printf("Error: scanning %s: %v", path, err)
		},
		HandleReport: func(path string, r *zipreloc.Report) {
			logf("%s: archive is preceded by %s not accounted for", path, humanize.IBytes(uint64(r.Offset)))
			if !opts.Fix {
				fmt.Println(path)
			}
		},
		HandleFix: func(path string, r *zipreloc.Report) {
			fmt.Println(path)
		},
	}
	for _, dir := range dirs {
		logf("Scanning %s", dir)
		if err := walker.Walk(dir); err != nil {
			log.Printf("Error: walking %s: %v", dir, err)
		}
	}
}
