// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"context"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/breakpad-tools/dumpsyms/pkg/cfi"
	"github.com/breakpad-tools/dumpsyms/pkg/demangle"
	"github.com/breakpad-tools/dumpsyms/pkg/log"
	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

type machoObject struct {
	name string
	data []byte
}

func openMachO(name string, data []byte) (*machoObject, error) {
	return &machoObject{name: name, data: data}, nil
}

func (o *machoObject) Normalize(ctx context.Context, opts Options) (*symfile.Module, error) {
	file, err := o.slice(opts.Arch)
	if err != nil {
		return nil, err
	}
	mod := symfile.NewModule("Mac", machoArch(file.Cpu))
	mod.SetPathMap(opts.PathMap)
	mod.DebugFile = o.name

	id, err := machoUUID(file)
	if err != nil {
		return nil, err
	}
	mod.DebugID = strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")) + "0"

	bias := uint64(0)
	if text := file.Segment("__TEXT"); text != nil {
		bias = text.Addr
	}
	haveDebug := false
	if dw, err := file.DWARF(); err == nil {
		if err := walkDWARF(ctx, dw, mod, bias, opts); err != nil {
			log.Logf(0, "%v: DWARF walk failed: %v", o.name, err)
		} else {
			haveDebug = true
		}
	}
	mod.Stripped = !haveDebug

	o.addSymbols(file, bias, mod)
	o.addCFI(file, bias, mod)
	o.coverSections(file, bias, mod)
	return mod, nil
}

// slice picks the requested architecture out of a fat binary, or
// opens a thin one directly.
func (o *machoObject) slice(arch string) (*macho.File, error) {
	if !bytes.HasPrefix(o.data, []byte{0xca, 0xfe, 0xba, 0xbe}) {
		file, err := macho.NewFile(bytes.NewReader(o.data))
		if err != nil {
			return nil, fmt.Errorf("%v: %w", o.name, err)
		}
		if arch != "" && machoArch(file.Cpu) != arch {
			return nil, fmt.Errorf("%v is %v, not %v", o.name, machoArch(file.Cpu), arch)
		}
		return file, nil
	}
	fat, err := macho.NewFatFile(bytes.NewReader(o.data))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", o.name, err)
	}
	if arch == "" {
		first := fat.Arches[0]
		log.Logf(1, "%v: fat binary, no -arch given, using %v", o.name, machoArch(first.Cpu))
		return first.File, nil
	}
	for _, a := range fat.Arches {
		if machoArch(a.Cpu) == arch {
			return a.File, nil
		}
	}
	return nil, fmt.Errorf("%v has no %v slice", o.name, arch)
}

func (o *machoObject) addSymbols(file *macho.File, bias uint64, mod *symfile.Module) {
	if file.Symtab == nil {
		return
	}
	var publics []symfile.Public
	for _, sym := range file.Symtab.Syms {
		// High type bits mark STABS debugging entries.
		if sym.Type&0xe0 != 0 || sym.Value == 0 || sym.Value < bias || sym.Name == "" {
			continue
		}
		publics = append(publics, symfile.Public{
			Addr: sym.Value - bias,
			Name: machoSymbolName(sym.Name),
		})
	}
	mod.AddPublics(publics)
}

// machoSymbolName undoes the extra underscore Mach-O prepends to
// every C-level symbol, then demangles.
func machoSymbolName(name string) string {
	if strings.HasPrefix(name, "_") && !strings.HasPrefix(name, "__Z") {
		name = name[1:]
	}
	return demangle.Resolve(name)
}

func (o *machoObject) addCFI(file *macho.File, bias uint64, mod *symfile.Module) {
	if sec := file.Section("__eh_frame"); sec != nil {
		if data, err := sec.Data(); err == nil {
			entries, err := cfi.ParseEHFrame(mod.Arch, data, sec.Addr, bias)
			if err != nil {
				log.Logf(0, "%v: __eh_frame: %v", o.name, err)
			}
			for _, e := range entries {
				mod.AddCFI(e)
			}
		}
	}
	if sec := file.Section("__unwind_info"); sec != nil {
		if data, err := sec.Data(); err == nil {
			entries, err := cfi.ParseCompactUnwind(mod.Arch, data)
			if err != nil {
				log.Logf(0, "%v: __unwind_info: %v", o.name, err)
			}
			for _, e := range entries {
				mod.AddCFI(e)
			}
		}
	}
}

func (o *machoObject) coverSections(file *macho.File, bias uint64, mod *symfile.Module) {
	const attrPureInstructions = 0x80000000
	for _, sec := range file.Sections {
		if sec.Seg != "__TEXT" || sec.Size == 0 || sec.Addr < bias {
			continue
		}
		if sec.Name != "__text" && sec.Flags&attrPureInstructions == 0 {
			continue
		}
		mod.CoverSection(
			symfile.Range{Base: sec.Addr - bias, Size: sec.Size},
			fmt.Sprintf("<%v section in %v>", sec.Name, mod.DebugFile))
	}
}

func machoUUID(file *macho.File) (uuid.UUID, error) {
	const lcUUID = 0x1b
	for _, load := range file.Loads {
		raw := load.Raw()
		if len(raw) < 24 {
			continue
		}
		if binary.LittleEndian.Uint32(raw) != lcUUID {
			continue
		}
		return uuid.FromBytes(raw[8:24])
	}
	return uuid.UUID{}, fmt.Errorf("no LC_UUID load command")
}

func machoArch(cpu macho.Cpu) string {
	switch cpu {
	case macho.Cpu386:
		return "x86"
	case macho.CpuAmd64:
		return "x86_64"
	case macho.CpuArm:
		return "arm"
	case macho.CpuArm64:
		return "arm64"
	case macho.CpuPpc64:
		return "ppc64"
	}
	return strings.ToLower(cpu.String())
}
