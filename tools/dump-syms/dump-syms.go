// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// dump-syms converts native debug information (DWARF, STABS, PDB)
// into the Breakpad text symbol format. Multiple inputs describing
// the same binary (a stripped library plus its split debug file, a PE
// image plus its PDB) merge into a single module.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/breakpad-tools/dumpsyms/pkg/backend"
	"github.com/breakpad-tools/dumpsyms/pkg/log"
	"github.com/breakpad-tools/dumpsyms/pkg/osutil"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
	"github.com/breakpad-tools/dumpsyms/pkg/tool"
)

const version = "0.1.0"

var (
	flagOutput      = flag.String("o", "", "output file (default stdout)")
	flagStore       = flag.String("s", "", "write into a symbol store layout under this directory")
	flagInlines     = flag.Bool("inlines", true, "emit INLINE/INLINE_ORIGIN records")
	flagNoGenerator = flag.Bool("no-generator", false, "suppress the INFO GENERATOR line")
	flagMapping     = flag.String("mapping", "", "JSON file with source path mapping rules")
	flagArch        = flag.String("arch", "", "select one slice of a fat Mach-O binary")
	flagJobs        = flag.Int("j", runtime.GOMAXPROCS(0), "normalization parallelism")
	flagInfo        infoFlag
)

// infoFlag accumulates repeated -info KEY=VALUE arguments.
type infoFlag []symfile.InfoLine

func (f *infoFlag) String() string {
	var parts []string
	for _, line := range *f {
		parts = append(parts, line.Key+"="+line.Value)
	}
	return strings.Join(parts, ",")
}

func (f *infoFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expect KEY=VALUE, got %q", v)
	}
	*f = append(*f, symfile.InfoLine{Key: key, Value: value})
	return nil
}

func main() {
	flag.Var(&flagInfo, "info", "extra INFO line KEY=VALUE (repeatable)")
	defer tool.Init()()
	// Level 1 diagnostics are cached even when not displayed so a
	// failed run can report what led up to it.
	log.EnableLogCaching(256, 1<<18)
	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "usage: dump-syms [flags] <file> [<file>...]\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	opts := backend.Options{
		Inlines: *flagInlines,
		Arch:    *flagArch,
	}
	if *flagMapping != "" {
		data, err := os.ReadFile(*flagMapping)
		if err != nil {
			tool.Fail(err)
		}
		pm, err := symfile.ParsePathMap(data)
		if err != nil {
			tool.Failf("%v: %v", *flagMapping, err)
		}
		opts.PathMap = pm
	}
	mod, err := dump(context.Background(), files, opts, *flagJobs)
	if err != nil {
		if cached := log.CachedLogOutput(); cached != "" {
			fmt.Fprintf(os.Stderr, "the run failed, recent diagnostics:\n%v", cached)
		}
		tool.Fail(err)
	}
	if !*flagNoGenerator {
		mod.Generator = "dumpsyms " + version
	}
	mod.Info = append(mod.Info, flagInfo...)
	mod.Finalize()
	if err := write(mod); err != nil {
		tool.Fail(err)
	}
}

// dump normalizes all inputs in parallel and merges them in input
// order. A file that fails to decode does not abort the run unless
// every file fails; a second build id does.
func dump(ctx context.Context, files []string, opts backend.Options, jobs int) (*symfile.Module, error) {
	mods := make([]*symfile.Module, len(files))
	errs := make([]error, len(files))
	g := new(errgroup.Group)
	if jobs < 1 {
		jobs = 1
	}
	g.SetLimit(jobs)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			mods[i], errs[i] = backend.Normalize(ctx, file, opts)
			return nil
		})
	}
	g.Wait()
	var merged *symfile.Module
	for i, mod := range mods {
		if mod == nil {
			log.Errorf("%v", errs[i])
			continue
		}
		log.Logf(1, "%v: %v", files[i], mod)
		if merged == nil {
			merged = mod
			continue
		}
		if merged.DebugID != mod.DebugID {
			return nil, fmt.Errorf("%v: debug id %v does not match %v",
				files[i], mod.DebugID, merged.DebugID)
		}
		var err error
		if merged, err = symfile.Merge(merged, mod); err != nil {
			return nil, fmt.Errorf("merging %v: %w", files[i], err)
		}
	}
	if merged == nil {
		return nil, errors.Join(errs...)
	}
	return merged, nil
}

func write(mod *symfile.Module) error {
	name := *flagOutput
	if *flagStore != "" {
		name = storePath(*flagStore, mod)
	}
	if name == "" {
		return mod.Write(os.Stdout)
	}
	f, err := osutil.CreateFile(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := mod.Write(f); err != nil {
		return fmt.Errorf("%v: %w", name, err)
	}
	log.Logf(0, "wrote %v", name)
	return nil
}

// storePath builds the conventional symbol store location:
// <dir>/<debug-file>/<debug-id>/<stem>.sym, where the stem is the
// debug file name with its last extension removed.
func storePath(dir string, mod *symfile.Module) string {
	stem := mod.DebugFile
	if ext := filepath.Ext(stem); ext != "" {
		stem = stem[:len(stem)-len(ext)]
	}
	return filepath.Join(dir, mod.DebugFile, mod.DebugID, stem+".sym")
}
