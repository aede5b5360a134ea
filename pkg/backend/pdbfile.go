// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/breakpad-tools/dumpsyms/pkg/cfi"
	"github.com/breakpad-tools/dumpsyms/pkg/demangle"
	"github.com/breakpad-tools/dumpsyms/pkg/pdb"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

type pdbObject struct {
	name string
	file *pdb.File
}

func openPDB(name string, data []byte) (*pdbObject, error) {
	file, err := pdb.Open(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", name, err)
	}
	return &pdbObject{name: name, file: file}, nil
}

func (o *pdbObject) Normalize(ctx context.Context, opts Options) (*symfile.Module, error) {
	f := o.file
	mod := symfile.NewModule("windows", pdbArch(f.Machine))
	mod.SetPathMap(opts.PathMap)
	mod.DebugID = f.DebugID()
	mod.DebugFile = path.Base(strings.ReplaceAll(o.name, `\`, "/"))

	lines := f.Lines()
	sort.Slice(lines, func(i, j int) bool { return lines[i].RVA < lines[j].RVA })

	for _, proc := range f.Procedures() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mod.AddFunction(o.convert(mod, proc, lines, opts))
	}
	o.addPublics(mod)
	o.addFPO(mod)
	o.coverSections(mod)
	return mod, nil
}

// convert maps one CodeView procedure onto the unified model: name
// and parameter size, the line records its address range covers, and
// the inline tree flattened to per-origin range lists.
func (o *pdbObject) convert(mod *symfile.Module, proc pdb.Procedure, lines []pdb.LineRecord, opts Options) symfile.Function {
	name, params := winPublicName(proc.Name)
	if proc.TypeIndex != 0 {
		if n := o.file.ParameterSize(proc.TypeIndex); n > 0 {
			params = n
		}
	}
	fn := symfile.Function{
		Range:     symfile.Range{Base: uint64(proc.RVA), Size: uint64(proc.Size)},
		Name:      name,
		Parameter: params,
	}
	begin := sort.Search(len(lines), func(i int) bool { return lines[i].RVA >= proc.RVA })
	for i := begin; i < len(lines) && lines[i].RVA < proc.RVA+proc.Size; i++ {
		rec := lines[i]
		fn.Lines = append(fn.Lines, symfile.Line{
			Addr: uint64(rec.RVA),
			Line: int(rec.Line),
			File: mod.FileID(rec.File),
		})
	}
	if opts.Inlines {
		for _, site := range proc.Inlines {
			fn.Inlines = append(fn.Inlines, o.convertInline(mod, proc, site, lines))
		}
	}
	return fn
}

func (o *pdbObject) convertInline(mod *symfile.Module, proc pdb.Procedure, site pdb.InlineSite,
	lines []pdb.LineRecord) symfile.InlineSite {
	out := symfile.InlineSite{
		Origin: mod.OriginID(winOriginName(o.file.InlineeName(site.Inlinee))),
		Depth:  site.Depth,
	}
	for _, rng := range site.Ranges {
		out.Ranges = append(out.Ranges, symfile.Range{
			Base: uint64(proc.RVA + rng.Off),
			Size: uint64(rng.Len),
		})
	}
	// The call site is the last caller line record before the inlined
	// code starts; CodeView stores no explicit call location.
	if len(out.Ranges) > 0 {
		if rec, ok := lineBefore(lines, uint32(out.Ranges[0].Base)); ok {
			out.CallLine = int(rec.Line)
			out.CallFile = mod.FileID(rec.File)
		}
	}
	return out
}

// lineBefore finds the closest line record strictly before addr,
// falling back to the record at addr itself.
func lineBefore(lines []pdb.LineRecord, addr uint32) (pdb.LineRecord, bool) {
	i := sort.Search(len(lines), func(i int) bool { return lines[i].RVA >= addr })
	if i > 0 {
		return lines[i-1], true
	}
	if i < len(lines) && lines[i].RVA == addr {
		return lines[i], true
	}
	return pdb.LineRecord{}, false
}

func (o *pdbObject) addPublics(mod *symfile.Module) {
	var publics []symfile.Public
	for _, sym := range o.file.Publics() {
		if skipPublic(sym.Name) {
			continue
		}
		name, params := winPublicName(sym.Name)
		publics = append(publics, symfile.Public{
			Addr:      uint64(sym.RVA),
			Name:      name,
			Parameter: params,
		})
	}
	mod.AddPublics(publics)
}

// skipPublic drops compiler-internal publics that clutter the output:
// string literal pools and floating point constants.
func skipPublic(name string) bool {
	for _, prefix := range []string{"??_C@", "__real@", "__xmm@", "__ymm@"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (o *pdbObject) addFPO(mod *symfile.Module) {
	if mod.Arch != "x86" {
		return
	}
	raw := o.file.FPORecords()
	records := make([]cfi.FPORecord, 0, len(raw))
	for _, rec := range raw {
		records = append(records, cfi.FPORecord{
			Start:  rec.Start,
			Size:   rec.Size,
			Prolog: uint32(rec.Prolog),
			Locals: rec.Locals * 4,
			Regs:   uint32(rec.Regs) * 4,
			Params: uint32(rec.Params) * 2,
			UsesBP: rec.UsesBP,
			HasSEH: rec.HasSEH,
		})
	}
	for _, entry := range cfi.TranslateFPO(records) {
		mod.AddCFI(entry)
	}
}

func (o *pdbObject) coverSections(mod *symfile.Module) {
	for _, sec := range o.file.Sections() {
		if sec.Size == 0 || !strings.HasPrefix(sec.Name, ".text") {
			continue
		}
		mod.CoverSection(
			symfile.Range{Base: uint64(sec.RVA), Size: uint64(sec.Size)},
			fmt.Sprintf("<%v section in %v>", sec.Name, mod.DebugFile))
	}
}

// winPublicName resolves a Windows symbol name: MSVC-decorated names
// carry their own parameter size, anything else goes through the
// generic demangler.
func winPublicName(raw string) (string, int) {
	if strings.HasPrefix(raw, "_Z") || strings.HasPrefix(raw, "_R") {
		return demangle.Resolve(raw), 0
	}
	if name, params, ok := demangle.ParseWinDecorated(raw); ok {
		return name, params
	}
	return demangle.Resolve(raw), 0
}

func winOriginName(raw string) string {
	name, _ := winPublicName(raw)
	return name
}

func pdbArch(machine uint16) string {
	switch machine {
	case pdb.MachineI386:
		return "x86"
	case pdb.MachineAMD64:
		return "x86_64"
	case pdb.MachineARM:
		return "arm"
	case pdb.MachineARM64:
		return "arm64"
	}
	return fmt.Sprintf("unknown-%#x", machine)
}
