// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backend

import (
	"context"
	"debug/dwarf"
	"fmt"
	"io"
	"sort"

	"github.com/breakpad-tools/dumpsyms/pkg/demangle"
	"github.com/breakpad-tools/dumpsyms/pkg/log"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

// walkDWARF converts all compile units into functions with lines and
// inline sites. Addresses are rebased by bias so the module only sees
// load-relative values. The Go DWARF parser is known to panic on some
// producers' output, so the walk runs under a recover.
func walkDWARF(ctx context.Context, dw *dwarf.Data, mod *symfile.Module, bias uint64, opts Options) (err error) {
	defer func() {
		if recErr := recover(); recErr != nil {
			err = fmt.Errorf("panic while parsing DWARF: %v", recErr)
		}
	}()
	w := &dwarfWalker{
		dw:        dw,
		mod:       mod,
		bias:      bias,
		opts:      opts,
		nameCache: make(map[dwarf.Offset]string),
	}
	r := dw.Reader()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cu, err := r.Next()
		if err != nil {
			return err
		}
		if cu == nil {
			return nil
		}
		if cu.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		if err := w.compileUnit(r, cu); err != nil {
			log.Logf(1, "compile unit at %#x: %v", cu.Offset, err)
		}
	}
}

type dwarfWalker struct {
	dw        *dwarf.Data
	mod       *symfile.Module
	bias      uint64
	opts      Options
	nameCache map[dwarf.Offset]string

	// Per compile unit:
	lines []dwarf.LineEntry
	files []*dwarf.LineFile
}

func (w *dwarfWalker) compileUnit(r *dwarf.Reader, cu *dwarf.Entry) error {
	w.lines, w.files = nil, nil
	if lr, err := w.dw.LineReader(cu); err == nil && lr != nil {
		var entry dwarf.LineEntry
		for {
			if err := lr.Next(&entry); err != nil {
				if err != io.EOF {
					log.Logf(1, "line table at %#x: %v", cu.Offset, err)
				}
				break
			}
			w.lines = append(w.lines, entry)
		}
		sort.SliceStable(w.lines, func(i, j int) bool {
			return w.lines[i].Address < w.lines[j].Address
		})
		w.files = lr.Files()
	}
	if !cu.Children {
		return nil
	}
	// Walk the unit's subtree looking for subprograms; they hide
	// under namespaces, structs and classes at any depth.
	depth := 1
	for depth > 0 {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.Tag == 0 {
			depth--
			continue
		}
		if entry.Tag == dwarf.TagSubprogram {
			w.subprogram(r, entry)
			continue
		}
		if entry.Children {
			depth++
		}
	}
	return nil
}

// subprogram converts one DW_TAG_subprogram and its inlined
// subroutines. The reader is positioned right after the entry and is
// left past its subtree.
func (w *dwarfWalker) subprogram(r *dwarf.Reader, entry *dwarf.Entry) {
	ranges, err := w.dw.Ranges(entry)
	if err != nil || len(ranges) == 0 {
		// Declaration or abstract instance: no code of its own.
		if entry.Children {
			r.SkipChildren()
		}
		return
	}
	lo, hi := ranges[0][0], ranges[0][1]
	for _, rng := range ranges[1:] {
		if rng[0] < lo {
			lo = rng[0]
		}
		if rng[1] > hi {
			hi = rng[1]
		}
	}
	if lo < w.bias || hi <= lo {
		// Linker-discarded code relocated to zero.
		if entry.Children {
			r.SkipChildren()
		}
		return
	}
	fn := symfile.Function{
		Range: symfile.Range{Base: lo - w.bias, Size: hi - lo},
		Name:  demangle.Resolve(w.entryName(entry)),
	}
	fn.Lines = w.collectLines(lo, hi)
	if entry.Children {
		w.inlinedSubroutines(r, &fn)
	}
	w.mod.AddFunction(fn)
}

// inlinedSubroutines consumes a subprogram's subtree, turning every
// DW_TAG_inlined_subroutine into an InlineSite. The scope tree gives
// the call depth directly: it is the number of inlined subroutines
// among the site's open ancestor scopes.
func (w *dwarfWalker) inlinedSubroutines(r *dwarf.Reader, fn *symfile.Function) {
	// One entry per open scope below the subprogram, true for
	// inlined-subroutine scopes.
	scopes := make([]bool, 0, 8)
	inlineDepth := 0
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			return
		}
		if entry.Tag == 0 {
			if len(scopes) == 0 {
				return
			}
			if scopes[len(scopes)-1] {
				inlineDepth--
			}
			scopes = scopes[:len(scopes)-1]
			continue
		}
		inlined := entry.Tag == dwarf.TagInlinedSubroutine
		if inlined && w.opts.Inlines {
			w.inlineSite(entry, fn, inlineDepth)
		}
		if entry.Children {
			scopes = append(scopes, inlined)
			if inlined {
				inlineDepth++
			}
		}
	}
}

func (w *dwarfWalker) inlineSite(entry *dwarf.Entry, fn *symfile.Function, depth int) {
	ranges, err := w.dw.Ranges(entry)
	if err != nil || len(ranges) == 0 {
		return
	}
	site := symfile.InlineSite{
		Origin: w.mod.OriginID(demangle.Resolve(w.entryName(entry))),
		Depth:  depth,
	}
	for _, rng := range ranges {
		if rng[1] <= rng[0] || rng[0] < w.bias {
			continue
		}
		site.Ranges = append(site.Ranges, symfile.Range{
			Base: rng[0] - w.bias,
			Size: rng[1] - rng[0],
		})
	}
	if len(site.Ranges) == 0 {
		return
	}
	if line, ok := entry.Val(dwarf.AttrCallLine).(int64); ok {
		site.CallLine = int(line)
	}
	if idx, ok := entry.Val(dwarf.AttrCallFile).(int64); ok {
		if idx >= 0 && idx < int64(len(w.files)) && w.files[idx] != nil {
			site.CallFile = w.mod.FileID(w.files[idx].Name)
		}
	}
	fn.Inlines = append(fn.Inlines, site)
}

// collectLines slices the unit's line table to [lo, hi). Sizes stay
// zero; the model infers them once the function set is final.
func (w *dwarfWalker) collectLines(lo, hi uint64) []symfile.Line {
	i := sort.Search(len(w.lines), func(i int) bool {
		return w.lines[i].Address >= lo
	})
	var lines []symfile.Line
	for ; i < len(w.lines) && w.lines[i].Address < hi; i++ {
		e := &w.lines[i]
		if e.EndSequence || e.Line <= 0 || e.File == nil {
			continue
		}
		lines = append(lines, symfile.Line{
			Addr: e.Address - w.bias,
			Line: e.Line,
			File: w.mod.FileID(e.File.Name),
		})
	}
	return lines
}

// entryName extracts a subprogram's or inlinee's raw name, preferring
// the linkage name and chasing abstract origin and specification
// references. Cycles are cut by the cache; chasing uses a dedicated
// reader so the caller's position survives.
func (w *dwarfWalker) entryName(entry *dwarf.Entry) string {
	if name, ok := entry.Val(dwarf.AttrLinkageName).(string); ok && name != "" {
		return name
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := entry.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		if name := w.nameAt(off); name != "" {
			return name
		}
	}
	if name, ok := entry.Val(dwarf.AttrName).(string); ok {
		return name
	}
	return ""
}

func (w *dwarfWalker) nameAt(off dwarf.Offset) string {
	if name, ok := w.nameCache[off]; ok {
		return name
	}
	w.nameCache[off] = "" // cut reference cycles
	r := w.dw.Reader()
	r.Seek(off)
	entry, err := r.Next()
	if err != nil || entry == nil {
		return ""
	}
	name := w.entryName(entry)
	w.nameCache[off] = name
	return name
}
