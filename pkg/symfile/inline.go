// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symfile

import (
	"sort"

	"github.com/breakpad-tools/dumpsyms/pkg/log"
)

// finalizeInlines normalizes a function's inline sites. Ranges are
// sorted, coalesced and clamped to the function; sites left with no
// addresses are dropped. Backends that see the structural call
// nesting (DWARF scope trees, CodeView inline sites) provide depths
// and those are kept as-is; when every site came in at depth 0 the
// nesting is rebuilt from range containment.
func (m *Module) finalizeInlines(fn *Function) {
	if len(fn.Inlines) == 0 {
		return
	}
	structural := false
	sites := fn.Inlines[:0]
	for _, s := range fn.Inlines {
		s.Ranges = normalizeRanges(s.Ranges, fn.Range)
		if len(s.Ranges) == 0 {
			log.Logf(1, "dropping inline site of %q in %q: no addresses inside [%#x, %#x)",
				m.OriginName(s.Origin), fn.Name, fn.Base, fn.End())
			m.stats.droppedSites++
			continue
		}
		if s.Depth > 0 {
			structural = true
		}
		sites = append(sites, s)
	}
	if !structural {
		sites = m.nestByContainment(fn, sites)
	}
	sort.SliceStable(sites, func(i, j int) bool {
		if sites[i].Depth != sites[j].Depth {
			return sites[i].Depth < sites[j].Depth
		}
		return sites[i].Ranges[0].Base < sites[j].Ranges[0].Base
	})
	fn.Inlines = sites
}

// nestByContainment assigns inline depths from range containment:
// sites are sorted by start address (wider first on ties), and each
// site's depth is the number of enclosing sites on a containment
// stack. Two sites with exactly the same envelope are siblings, not
// parent and child. A site that leaks past its enclosing site is
// clamped to it; sites left with no addresses are dropped.
func (m *Module) nestByContainment(fn *Function, sites []InlineSite) []InlineSite {
	sort.SliceStable(sites, func(i, j int) bool {
		ei, ej := sites[i].envelope(), sites[j].envelope()
		if ei.Base != ej.Base {
			return ei.Base < ej.Base
		}
		return ei.Size > ej.Size
	})
	var stack []Range
	kept := sites[:0]
	for i := range sites {
		s := sites[i]
		env := s.envelope()
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top == env {
				// A site covering exactly the same addresses as the
				// previous one is a coincident sibling call; replace
				// it on the stack instead of nesting under it.
				stack = stack[:len(stack)-1]
				continue
			}
			if top.Covers(env) {
				break
			}
			if env.Base < top.End() {
				// Leaks out of the enclosing site: cut it short.
				log.Logf(1, "clamping inline site of %q in %q to [%#x, %#x)",
					m.OriginName(s.Origin), fn.Name, top.Base, top.End())
				m.stats.clampedSites++
				s.Ranges = normalizeRanges(s.Ranges, top)
				if len(s.Ranges) == 0 {
					break
				}
				env = s.envelope()
				continue
			}
			stack = stack[:len(stack)-1]
		}
		if len(s.Ranges) == 0 {
			m.stats.droppedSites++
			continue
		}
		s.Depth = len(stack)
		stack = append(stack, env)
		kept = append(kept, s)
	}
	return kept
}

// normalizeRanges sorts ranges, clamps them to outer, drops empty
// ones and coalesces adjacent or overlapping neighbors.
func normalizeRanges(ranges []Range, outer Range) []Range {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Base < ranges[j].Base })
	var out []Range
	for _, r := range ranges {
		r = clampRange(r, outer)
		if r.Empty() {
			continue
		}
		if n := len(out); n > 0 && r.Base <= out[n-1].End() {
			if r.End() > out[n-1].End() {
				out[n-1].Size = r.End() - out[n-1].Base
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func clampRange(r, outer Range) Range {
	if r.Base < outer.Base {
		if r.End() <= outer.Base {
			return Range{}
		}
		r.Size -= outer.Base - r.Base
		r.Base = outer.Base
	}
	if r.Base >= outer.End() {
		return Range{}
	}
	if r.End() > outer.End() {
		r.Size = outer.End() - r.Base
	}
	return r
}
