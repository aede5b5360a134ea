// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symfile holds the in-memory model of a Breakpad symbol file:
// one Module with interned source files and inline origins, functions
// with line and inline records, public symbols and unwind (CFI) records.
// Backends fill a Module in any order; Finalize establishes the
// invariants the serializer relies on (sorted, non-crossing functions,
// publics outside functions, inline trees with depths assigned).
package symfile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/breakpad-tools/dumpsyms/pkg/log"
)

// FileID indexes the module's source file table.
type FileID int32

// OriginID indexes the module's inline origin table.
type OriginID int32

// PlaceholderName is used where debug info carries no usable name.
const PlaceholderName = "<name omitted>"

// Range is a half-open [Base, Base+Size) address interval,
// module-relative.
type Range struct {
	Base uint64
	Size uint64
}

func (r Range) End() uint64 { return r.Base + r.Size }

func (r Range) Empty() bool { return r.Size == 0 }

func (r Range) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// Covers reports whether other lies fully inside r (non-strict).
func (r Range) Covers(other Range) bool {
	return other.Base >= r.Base && other.End() <= r.End()
}

func (r Range) Intersects(other Range) bool {
	return r.Base < other.End() && other.Base < r.End()
}

// Line attributes [Addr, Addr+Size) to a source line. Backends that
// cannot know sizes upfront may leave Size 0; Finalize infers them
// from the next row and the function end.
type Line struct {
	Addr uint64
	Size uint64
	Line int
	File FileID
}

// InlineSite is one inlined call: the origin (the function that was
// inlined), the call site location in the caller, and the address
// ranges the inlined body occupies. Backends that see the structural
// call nesting (DWARF scope trees, CodeView inline sites) set Depth;
// when a function only has depth-0 sites, Finalize rebuilds the
// nesting from range containment.
type InlineSite struct {
	Origin   OriginID
	CallFile FileID
	CallLine int
	Depth    int
	Ranges   []Range
}

func (s *InlineSite) envelope() Range {
	if len(s.Ranges) == 0 {
		return Range{}
	}
	lo, hi := s.Ranges[0].Base, s.Ranges[0].End()
	for _, r := range s.Ranges[1:] {
		if r.Base < lo {
			lo = r.Base
		}
		if r.End() > hi {
			hi = r.End()
		}
	}
	return Range{Base: lo, Size: hi - lo}
}

// Function is one FUNC record with its line and inline rows.
// Parameter is the stack parameter size in bytes. Synthetic marks
// filler symbols fabricated to cover address space that real debug
// info does not describe; they always lose to real symbols.
type Function struct {
	Range
	Name      string
	Parameter int
	Multiple  bool
	Synthetic bool
	Lines     []Line
	Inlines   []InlineSite
}

// Public is one PUBLIC record: a named entry address without size.
type Public struct {
	Addr      uint64
	Name      string
	Parameter int
	Multiple  bool
}

// InfoLine is an extra "INFO <Key> <Value>" pair.
type InfoLine struct {
	Key   string
	Value string
}

type slot struct {
	public bool
	index  int
}

// Module is a complete symbol file in memory.
type Module struct {
	OS        string
	Arch      string
	DebugID   string
	DebugFile string
	CodeID    string
	CodeFile  string
	Generator string
	Info      []InfoLine
	// Stripped is set when the input had no debug info, only symbol
	// tables. Merge uses it to prefer identity fields from the
	// debug-info side.
	Stripped bool

	Funcs   []Function
	Publics []Public
	CFI     []CFIEntry

	files       []string
	fileIndex   map[string]FileID
	origins     []string
	originIndex map[string]OriginID
	byAddr      map[uint64]slot
	pathMap     *PathMap
	final       bool
	stats       dropStats
}

// dropStats counts records that had to be dropped, clamped or split
// to establish the output invariants. Individual cases are logged at
// level 1; a nonzero total is summarized once per module by Finalize.
type dropStats struct {
	droppedFuncs int
	clampedFuncs int
	splitFuncs   int
	droppedLines int
	droppedSites int
	clampedSites int
}

func NewModule(os, arch string) *Module {
	return &Module{
		OS:          os,
		Arch:        arch,
		fileIndex:   make(map[string]FileID),
		originIndex: make(map[string]OriginID),
		byAddr:      make(map[uint64]slot),
	}
}

// SetPathMap installs source path rewriting applied by FileID.
// Must be called before any file is interned.
func (m *Module) SetPathMap(pm *PathMap) {
	m.pathMap = pm
}

// FileID interns a source file path and returns its index.
func (m *Module) FileID(path string) FileID {
	if m.pathMap != nil {
		path = m.pathMap.Apply(path)
	}
	return m.internFile(sanitizeText(path))
}

func (m *Module) FilePath(id FileID) string {
	return m.files[id]
}

// Files returns the interned file table in index order.
func (m *Module) Files() []string {
	return m.files
}

// OriginID interns an inline origin name and returns its index.
func (m *Module) OriginID(name string) OriginID {
	name = sanitizeText(name)
	if name == "" {
		name = PlaceholderName
	}
	if id, ok := m.originIndex[name]; ok {
		return id
	}
	id := OriginID(len(m.origins))
	m.origins = append(m.origins, name)
	m.originIndex[name] = id
	return id
}

func (m *Module) OriginName(id OriginID) string {
	return m.origins[id]
}

func (m *Module) Origins() []string {
	return m.origins
}

// AddFunction records a function. Zero-address and zero-size
// functions are dropped. When the address is already taken the richer
// record wins: real beats synthetic, functions beat publics, and
// between two real functions the one with more line and inline data
// is kept. Multiple is set only when two real functions genuinely
// disagree on the name.
func (m *Module) AddFunction(fn Function) {
	if fn.Base == 0 || fn.Size == 0 {
		if !fn.Synthetic {
			log.Logf(1, "dropping function %q: empty range [%#x, %#x)",
				fn.Name, fn.Base, fn.End())
			m.stats.droppedFuncs++
		}
		return
	}
	fn.Name = sanitizeText(fn.Name)
	if fn.Name == "" {
		fn.Name = PlaceholderName
	}
	s, ok := m.byAddr[fn.Base]
	if !ok {
		m.byAddr[fn.Base] = slot{index: len(m.Funcs)}
		m.Funcs = append(m.Funcs, fn)
		return
	}
	if s.public {
		// A sized function is richer than a bare public at the same
		// address. Carry over what the public knew.
		p := m.removePublic(s.index)
		if fn.Parameter == 0 {
			fn.Parameter = p.Parameter
		}
		m.byAddr[fn.Base] = slot{index: len(m.Funcs)}
		m.Funcs = append(m.Funcs, fn)
		return
	}
	old := &m.Funcs[s.index]
	if old.Synthetic && !fn.Synthetic {
		*old = fn
		return
	}
	if fn.Synthetic {
		return
	}
	if functionRicher(&fn, old) {
		fn.Multiple = old.Multiple || old.Name != fn.Name
		*old = fn
		return
	}
	old.Multiple = old.Multiple || old.Name != fn.Name
	if old.Parameter == 0 {
		old.Parameter = fn.Parameter
	}
}

func functionRicher(a, b *Function) bool {
	if len(a.Lines) != len(b.Lines) {
		return len(a.Lines) > len(b.Lines)
	}
	if len(a.Inlines) != len(b.Inlines) {
		return len(a.Inlines) > len(b.Inlines)
	}
	return false
}

// removePublic deletes the public at index i and keeps byAddr
// consistent. Returns the removed record.
func (m *Module) removePublic(i int) Public {
	p := m.Publics[i]
	delete(m.byAddr, p.Addr)
	last := len(m.Publics) - 1
	if i != last {
		m.Publics[i] = m.Publics[last]
		m.byAddr[m.Publics[i].Addr] = slot{public: true, index: i}
	}
	m.Publics = m.Publics[:last]
	return p
}

// AddPublics records public symbols. Publics that fall strictly
// inside an already known function are dropped. A public at a
// function's entry address can upgrade the function's name (when the
// function name carries no signature but the public does) and its
// parameter size, but never produces a second record.
func (m *Module) AddPublics(publics []Public) {
	index := m.funcIntervals()
	sort.SliceStable(publics, func(i, j int) bool {
		return publics[i].Addr < publics[j].Addr
	})
	for _, p := range publics {
		if p.Addr == 0 {
			continue
		}
		p.Name = sanitizeText(p.Name)
		if p.Name == "" {
			p.Name = PlaceholderName
		}
		if index.inside(p.Addr) {
			continue
		}
		s, ok := m.byAddr[p.Addr]
		if !ok {
			m.byAddr[p.Addr] = slot{public: true, index: len(m.Publics)}
			m.Publics = append(m.Publics, p)
			continue
		}
		if s.public {
			ex := &m.Publics[s.index]
			if ex.Name != p.Name {
				ex.Multiple = true
			}
			if ex.Parameter == 0 {
				ex.Parameter = p.Parameter
			}
			continue
		}
		fn := &m.Funcs[s.index]
		if fn.Parameter == 0 && p.Parameter > 0 {
			fn.Parameter = p.Parameter
		}
		if !strings.ContainsRune(fn.Name, '(') && strings.ContainsRune(p.Name, '(') {
			fn.Name = p.Name
		}
	}
}

// AddPlaceholders records synthetic functions for address ranges
// known to hold code (e.g. from exception tables) but described by no
// other symbol. Occupied or covered ranges are skipped.
func (m *Module) AddPlaceholders(ranges []Range, name string) {
	index := m.funcIntervals()
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Base < ranges[j].Base })
	for _, r := range ranges {
		if r.Base == 0 || r.Empty() {
			continue
		}
		if _, ok := m.byAddr[r.Base]; ok {
			continue
		}
		if index.inside(r.Base) {
			continue
		}
		m.byAddr[r.Base] = slot{index: len(m.Funcs)}
		m.Funcs = append(m.Funcs, Function{
			Range:     r,
			Name:      sanitizeText(name),
			Synthetic: true,
		})
	}
}

// CoverSection guarantees the executable section r is not invisible
// to symbol consumers: a section no symbol touches becomes one
// synthetic function spanning it; a partially covered section gets a
// synthetic public at its start when that address is free.
func (m *Module) CoverSection(r Range, name string) {
	if r.Base == 0 || r.Empty() {
		return
	}
	covered := false
	for i := range m.Funcs {
		if m.Funcs[i].Intersects(r) {
			covered = true
			break
		}
	}
	if !covered {
		for i := range m.Publics {
			if r.Contains(m.Publics[i].Addr) {
				covered = true
				break
			}
		}
	}
	if !covered {
		m.AddFunction(Function{Range: r, Name: sanitizeText(name), Synthetic: true})
		return
	}
	if _, ok := m.byAddr[r.Base]; ok {
		return
	}
	if m.funcIntervals().inside(r.Base) {
		return
	}
	m.byAddr[r.Base] = slot{public: true, index: len(m.Publics)}
	m.Publics = append(m.Publics, Public{Addr: r.Base, Name: sanitizeText(name)})
}

// intervals answers "is addr strictly inside some function" in
// O(log n) against a sorted snapshot of function ranges.
type intervals struct {
	ranges []Range
}

func (m *Module) funcIntervals() intervals {
	rs := make([]Range, 0, len(m.Funcs))
	for i := range m.Funcs {
		rs = append(rs, m.Funcs[i].Range)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Base < rs[j].Base })
	// Extend each range to the furthest end seen so far so a single
	// predecessor lookup is enough even with nested functions.
	var maxEnd uint64
	for i := range rs {
		if rs[i].End() > maxEnd {
			maxEnd = rs[i].End()
		}
		rs[i].Size = maxEnd - rs[i].Base
	}
	return intervals{ranges: rs}
}

func (iv intervals) inside(addr uint64) bool {
	i := sort.Search(len(iv.ranges), func(i int) bool {
		return iv.ranges[i].Base > addr
	})
	if i == 0 {
		return false
	}
	r := iv.ranges[i-1]
	return addr > r.Base && addr < r.End()
}

// Finalize sorts everything, resolves overlapping functions, infers
// missing line sizes, assigns inline depths and drops publics that
// ended up inside functions. Must be called once, after all Add*
// calls and merges, before Write.
func (m *Module) Finalize() {
	if m.final {
		return
	}
	m.final = true
	m.resolveOverlaps()
	for i := range m.Funcs {
		fn := &m.Funcs[i]
		m.finalizeLines(fn)
		m.finalizeInlines(fn)
	}
	m.dropCoveredPublics()
	sort.SliceStable(m.Publics, func(i, j int) bool {
		return m.Publics[i].Addr < m.Publics[j].Addr
	})
	m.finalizeCFI()
	// Address lookups are stale after sorting; Add* calls are no
	// longer legal.
	m.byAddr = nil
	if m.stats != (dropStats{}) {
		s := m.stats
		log.Logf(0, "%v: adjusted records: %v functions dropped, %v clamped, %v split,"+
			" %v lines dropped, %v inline sites dropped, %v clamped",
			m.DebugFile, s.droppedFuncs, s.clampedFuncs, s.splitFuncs,
			s.droppedLines, s.droppedSites, s.clampedSites)
	}
}

// resolveOverlaps makes function ranges pairwise disjoint. A function
// that starts inside an open one but outruns it clamps the open one
// short. A fully nested function (an outlined cold block, an ICF'd
// thunk) splits the enclosing one around itself: the enclosing entry
// keeps the head, and the tail past the nested function is re-added
// under the same name with copies of the line and inline records,
// which the later finalize passes re-slice to the tail range.
func (m *Module) resolveOverlaps() {
	for {
		sort.SliceStable(m.Funcs, func(i, j int) bool {
			if m.Funcs[i].Base != m.Funcs[j].Base {
				return m.Funcs[i].Base < m.Funcs[j].Base
			}
			return m.Funcs[i].Size > m.Funcs[j].Size
		})
		var tails []Function
		var open []int
		for i := range m.Funcs {
			fn := &m.Funcs[i]
			for len(open) > 0 {
				prev := &m.Funcs[open[len(open)-1]]
				if fn.Base >= prev.End() {
					open = open[:len(open)-1]
					continue
				}
				if fn.End() > prev.End() {
					log.Logf(1, "function %q [%#x, %#x) crosses %q [%#x, %#x), clamping the latter",
						fn.Name, fn.Base, fn.End(), prev.Name, prev.Base, prev.End())
					m.stats.clampedFuncs++
				} else {
					log.Logf(1, "function %q [%#x, %#x) is nested in %q [%#x, %#x), splitting the latter",
						fn.Name, fn.Base, fn.End(), prev.Name, prev.Base, prev.End())
					m.stats.splitFuncs++
					if tail := (Range{Base: fn.End(), Size: prev.End() - fn.End()}); !tail.Empty() {
						tails = append(tails, continuation(prev, tail))
					}
				}
				prev.Size = fn.Base - prev.Base
				open = open[:len(open)-1]
			}
			open = append(open, i)
		}
		if len(tails) == 0 {
			break
		}
		// Tails may themselves contain further nested functions;
		// run another pass over the re-sorted list.
		m.Funcs = append(m.Funcs, tails...)
	}
	// Clamping a function whose range started at the nested one's base
	// leaves an empty head behind.
	kept := m.Funcs[:0]
	for _, fn := range m.Funcs {
		if fn.Size > 0 {
			kept = append(kept, fn)
		}
	}
	m.Funcs = kept
}

// continuation builds the piece of fn that resumes at tail after a
// nested function carved a hole out of it. Line and inline data is
// sliced down to the tail range so finalize does not see the head's
// rows again.
func continuation(fn *Function, tail Range) Function {
	out := Function{
		Range:     tail,
		Name:      fn.Name,
		Parameter: fn.Parameter,
		Multiple:  fn.Multiple,
		Synthetic: fn.Synthetic,
	}
	for _, ln := range fn.Lines {
		if ln.Size == 0 {
			// Size still to be inferred; keep the row if it starts in
			// the tail.
			if tail.Contains(ln.Addr) {
				out.Lines = append(out.Lines, ln)
			}
			continue
		}
		if ln = clampLine(ln, tail); ln.Size != 0 {
			out.Lines = append(out.Lines, ln)
		}
	}
	for _, s := range fn.Inlines {
		s.Ranges = normalizeRanges(append([]Range(nil), s.Ranges...), tail)
		if len(s.Ranges) != 0 {
			out.Inlines = append(out.Inlines, s)
		}
	}
	return out
}

func (m *Module) dropCoveredPublics() {
	index := m.funcIntervals()
	kept := m.Publics[:0]
	for _, p := range m.Publics {
		if index.inside(p.Addr) {
			continue
		}
		kept = append(kept, p)
	}
	m.Publics = kept
}

func (m *Module) finalizeCFI() {
	sort.SliceStable(m.CFI, func(i, j int) bool {
		return m.CFI[i].Init.Addr < m.CFI[j].Init.Addr
	})
	kept := m.CFI[:0]
	var lastAddr uint64
	for i := range m.CFI {
		e := m.CFI[i]
		if len(kept) > 0 && e.Init.Addr == lastAddr {
			continue
		}
		for j := range e.Deltas {
			sortRules(e.Deltas[j].Rules)
		}
		sortRules(e.Init.Rules)
		kept = append(kept, e)
		lastAddr = e.Init.Addr
	}
	m.CFI = kept
}

// sanitizeText strips control characters that would break the
// line-oriented output format.
func sanitizeText(s string) string {
	clean := true
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			clean = false
			break
		}
	}
	if clean {
		return strings.TrimSpace(s)
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			continue
		}
		b.WriteByte(s[i])
	}
	return strings.TrimSpace(b.String())
}

func (m *Module) String() string {
	return fmt.Sprintf("%v/%v %v %v", m.OS, m.Arch, m.DebugID, m.DebugFile)
}
