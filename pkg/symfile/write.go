// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symfile

import (
	"bufio"
	"fmt"
	"io"
)

// Write renders the module in the Breakpad text format. The module
// must be finalized. Layout: MODULE, INFO lines, the FILE and
// INLINE_ORIGIN tables, FUNC blocks with their LINE and INLINE rows,
// PUBLIC lines, STACK CFI entries.
func (m *Module) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "MODULE %v %v %v %v\n", m.OS, m.Arch, m.DebugID, m.DebugFile)
	if m.Generator != "" {
		fmt.Fprintf(bw, "INFO GENERATOR %v\n", m.Generator)
	}
	if m.CodeID != "" {
		if m.CodeFile != "" {
			fmt.Fprintf(bw, "INFO CODE_ID %v %v\n", m.CodeID, m.CodeFile)
		} else {
			fmt.Fprintf(bw, "INFO CODE_ID %v\n", m.CodeID)
		}
	}
	for _, info := range m.Info {
		fmt.Fprintf(bw, "INFO %v %v\n", info.Key, info.Value)
	}
	for i, file := range m.files {
		fmt.Fprintf(bw, "FILE %v %v\n", i, file)
	}
	for i, origin := range m.origins {
		fmt.Fprintf(bw, "INLINE_ORIGIN %v %v\n", i, origin)
	}
	for i := range m.Funcs {
		m.writeFunc(bw, &m.Funcs[i])
	}
	for _, p := range m.Publics {
		if p.Multiple {
			fmt.Fprintf(bw, "PUBLIC m %x %x %v\n", p.Addr, p.Parameter, p.Name)
		} else {
			fmt.Fprintf(bw, "PUBLIC %x %x %v\n", p.Addr, p.Parameter, p.Name)
		}
	}
	for i := range m.CFI {
		writeCFI(bw, &m.CFI[i])
	}
	return bw.Flush()
}

func (m *Module) writeFunc(bw *bufio.Writer, fn *Function) {
	if fn.Multiple {
		fmt.Fprintf(bw, "FUNC m %x %x %x %v\n", fn.Base, fn.Size, fn.Parameter, fn.Name)
	} else {
		fmt.Fprintf(bw, "FUNC %x %x %x %v\n", fn.Base, fn.Size, fn.Parameter, fn.Name)
	}
	for _, ln := range fn.Lines {
		fmt.Fprintf(bw, "%x %x %v %v\n", ln.Addr, ln.Size, ln.Line, ln.File)
	}
	for i := range fn.Inlines {
		site := &fn.Inlines[i]
		fmt.Fprintf(bw, "INLINE %v %v %v %v", site.Depth, site.CallLine, site.CallFile, site.Origin)
		for _, r := range site.Ranges {
			fmt.Fprintf(bw, " %x %x", r.Base, r.Size)
		}
		bw.WriteByte('\n')
	}
}

func writeCFI(bw *bufio.Writer, e *CFIEntry) {
	fmt.Fprintf(bw, "STACK CFI INIT %x %x %v\n", e.Init.Addr, e.Init.Size, renderRules(e.Init.Rules))
	for _, d := range e.Deltas {
		if len(d.Rules) == 0 {
			continue
		}
		fmt.Fprintf(bw, "STACK CFI %x %v\n", d.Addr, renderRules(d.Rules))
	}
}
