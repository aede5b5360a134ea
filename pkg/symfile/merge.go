// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symfile

import (
	"fmt"
)

// Merge combines two modules describing the same binary, e.g. a
// stripped library and its split debug file, or a PE and its PDB.
// Both must carry the same debug id and must not be finalized yet.
// The richer module absorbs the other: file and origin tables are
// remapped, duplicate symbols resolve by the usual richer-wins rules,
// and identity fields missing on one side are filled from the other.
func Merge(a, b *Module) (*Module, error) {
	if a.DebugID != b.DebugID {
		return nil, fmt.Errorf("debug id mismatch: %v (%v) vs %v (%v)",
			a.DebugID, a.DebugFile, b.DebugID, b.DebugFile)
	}
	if len(b.Funcs) > len(a.Funcs) ||
		(len(b.Funcs) == len(a.Funcs) && len(b.Publics) > len(a.Publics)) {
		a, b = b, a
	}
	if a.CodeID == "" {
		a.CodeID = b.CodeID
	}
	if a.CodeFile == "" {
		a.CodeFile = b.CodeFile
	}
	// The debug-info side knows the canonical module name; a stripped
	// binary may have been renamed on disk.
	if a.DebugFile == "" || (a.Stripped && !b.Stripped) {
		a.DebugFile = b.DebugFile
	}
	a.Stripped = a.Stripped && b.Stripped

	have := make(map[string]bool)
	for _, info := range a.Info {
		have[info.Key] = true
	}
	for _, info := range b.Info {
		if !have[info.Key] {
			a.Info = append(a.Info, info)
		}
	}

	fileMap := make([]FileID, len(b.files))
	for i, path := range b.files {
		fileMap[i] = a.internFile(path)
	}
	originMap := make([]OriginID, len(b.origins))
	for i, name := range b.origins {
		originMap[i] = a.OriginID(name)
	}
	for _, fn := range b.Funcs {
		for i := range fn.Lines {
			fn.Lines[i].File = fileMap[fn.Lines[i].File]
		}
		for i := range fn.Inlines {
			fn.Inlines[i].Origin = originMap[fn.Inlines[i].Origin]
			fn.Inlines[i].CallFile = fileMap[fn.Inlines[i].CallFile]
		}
		a.AddFunction(fn)
	}
	a.AddPublics(b.Publics)
	a.CFI = append(a.CFI, b.CFI...)
	return a, nil
}

// internFile interns an already-mapped path, bypassing the path map
// so merged-in paths are not rewritten a second time.
func (m *Module) internFile(path string) FileID {
	if id, ok := m.fileIndex[path]; ok {
		return id
	}
	id := FileID(len(m.files))
	m.files = append(m.files, path)
	m.fileIndex[path] = id
	return id
}
