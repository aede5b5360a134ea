// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// PathMap rewrites source file paths as they are interned, typically
// to map build machine paths onto source server URLs or repo-relative
// paths. The first matching rule wins.
type PathMap struct {
	rules []pathRule
}

type pathRule struct {
	re *regexp.Regexp
	to string
}

// ParsePathMap reads a JSON mapping config of the form
//
//	{"mappings": [{"from": "^/build/(.*)$", "to": "src/$1"}]}
//
// where "from" is a regular expression and "to" may reference its
// capture groups.
func ParsePathMap(data []byte) (*PathMap, error) {
	var cfg struct {
		Mappings []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"mappings"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse path mappings: %w", err)
	}
	pm := &PathMap{}
	for _, m := range cfg.Mappings {
		re, err := regexp.Compile(m.From)
		if err != nil {
			return nil, fmt.Errorf("failed to compile path mapping %q: %w", m.From, err)
		}
		pm.rules = append(pm.rules, pathRule{re: re, to: m.To})
	}
	return pm, nil
}

// Apply rewrites path through the first matching rule, or returns it
// unchanged.
func (pm *PathMap) Apply(path string) string {
	for _, rule := range pm.rules {
		if rule.re.MatchString(path) {
			return rule.re.ReplaceAllString(path, rule.to)
		}
	}
	return path
}
