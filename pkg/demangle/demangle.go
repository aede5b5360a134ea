// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package demangle resolves linker symbol names into the
// human-readable form used in symbol files. It handles Itanium C++
// and Rust manglings, compiler-generated clone suffixes, and the
// C-level decoration schemes of 32-bit Windows calling conventions.
// MSVC C++ decorated names (leading '?') pass through unchanged;
// debug info provides their undecorated form separately.
package demangle

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Resolve returns the display name for a raw symbol name: clone
// suffixes are stripped and C++/Rust manglings decoded. Names that
// are not mangled (or already demangled) come back unchanged apart
// from suffix stripping.
func Resolve(name string) string {
	name = StripSuffixes(name)
	mangled := name
	switch {
	case strings.HasPrefix(name, "_Z") || strings.HasPrefix(name, "_R"):
	case strings.HasPrefix(name, "__Z"):
		// Mach-O prepends an extra underscore to every C symbol.
		mangled = name[1:]
	default:
		return name
	}
	d, err := demangle.ToString(mangled)
	if err != nil {
		return name
	}
	return stripRustHash(d)
}

// stripRustHash drops the trailing ::h<16 hex digits> disambiguator
// of legacy Rust manglings; rustc's v0 scheme has none.
func stripRustHash(name string) string {
	i := strings.LastIndex(name, "::h")
	if i < 0 || len(name)-i-3 != 16 {
		return name
	}
	for _, c := range name[i+3:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return name
		}
	}
	return name[:i]
}

var cloneMarkers = map[string]bool{
	"cold":      true,
	"hot":       true,
	"part":      true,
	"constprop": true,
	"isra":      true,
	"llvm":      true,
}

// StripSuffixes removes compiler-generated clone and section
// suffixes (.cold, .part.N, .constprop.N, .isra.N, .llvm.NNN) that
// compilers append to split or specialized function copies. Suffixes
// stack, so all trailing ones go.
func StripSuffixes(name string) string {
	for {
		i := strings.LastIndexByte(name, '.')
		if i <= 0 {
			return name
		}
		last := name[i+1:]
		if last == "cold" || last == "hot" {
			name = name[:i]
			continue
		}
		if !allDigits(last) {
			return name
		}
		j := strings.LastIndexByte(name[:i], '.')
		if j <= 0 || !cloneMarkers[name[j+1:i]] {
			return name
		}
		name = name[:j]
	}
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ParseWinDecorated decodes the C-level decorations of 32-bit Windows
// calling conventions: _name for cdecl, _name@N for stdcall, @name@N
// for fastcall (whose first 8 argument bytes travel in registers and
// do not count towards the stack parameter size). Returns the bare
// name, the stack parameter size in bytes, and whether the input was
// such a decorated name at all.
func ParseWinDecorated(name string) (string, int, bool) {
	if len(name) < 2 {
		return name, 0, false
	}
	first, rest := name[0], name[1:]
	if first != '_' && first != '@' {
		return name, 0, false
	}
	if strings.ContainsAny(rest, ":(") {
		return name, 0, false
	}
	at := strings.LastIndexByte(rest, '@')
	if at < 0 {
		if first == '_' {
			return rest, 0, true
		}
		return name, 0, true
	}
	size := 0
	for _, c := range rest[at+1:] {
		if c < '0' || c > '9' {
			// Not a parameter size; treat like an undecorated name.
			if first == '_' {
				return rest, 0, true
			}
			return name, 0, true
		}
		size = size*10 + int(c-'0')
	}
	if first == '@' {
		if size > 8 {
			size -= 8
		} else {
			size = 0
		}
	}
	return rest[:at], size, true
}
