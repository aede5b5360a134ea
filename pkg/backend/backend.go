// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package backend turns debug info of the supported binary formats
// (ELF with DWARF or STABS, Mach-O with DWARF, PE paired with PDB)
// into the unified symbol file model. Each format implements the same
// normalization contract; Open sniffs the format from the file magic.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

// Options control normalization, shared by all formats.
type Options struct {
	// Inlines enables INLINE/INLINE_ORIGIN extraction.
	Inlines bool
	// Arch selects one slice of a fat Mach-O binary ("x86_64",
	// "arm64"). Empty means the first slice.
	Arch string
	// PathMap rewrites source file paths before interning.
	PathMap *symfile.PathMap
}

// Object is one opened input file.
type Object interface {
	// Normalize produces a complete partial module: identity,
	// functions, lines, inlines, publics, CFI and synthetic section
	// coverage.
	Normalize(ctx context.Context, opts Options) (*symfile.Module, error)
}

// Open reads the file and picks the format by magic.
func Open(path string) (Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return openELF(name, data)
	case bytes.HasPrefix(data, []byte("Microsoft C/C++ MSF")):
		return openPDB(name, data)
	case bytes.HasPrefix(data, []byte("MZ")):
		return openPE(name, data)
	case len(data) >= 4 && isMachOMagic(data[:4]):
		return openMachO(name, data)
	}
	return nil, fmt.Errorf("%v: unrecognized file format", path)
}

func isMachOMagic(magic []byte) bool {
	switch {
	case magic[0] == 0xca && magic[1] == 0xfe && magic[2] == 0xba && magic[3] == 0xbe:
		return true // fat, big-endian magic
	case magic[3] == 0xfe && magic[2] == 0xed && magic[1] == 0xfa &&
		(magic[0] == 0xce || magic[0] == 0xcf):
		return true
	case magic[0] == 0xfe && magic[1] == 0xed && magic[2] == 0xfa &&
		(magic[3] == 0xce || magic[3] == 0xcf):
		return true
	}
	return false
}

// Normalize opens and normalizes one input file.
func Normalize(ctx context.Context, path string, opts Options) (*symfile.Module, error) {
	obj, err := Open(path)
	if err != nil {
		return nil, err
	}
	mod, err := obj.Normalize(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	return mod, nil
}
