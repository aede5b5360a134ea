// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/breakpad-tools/dumpsyms/pkg/symfile"
)

func TestStorePath(t *testing.T) {
	tests := []struct {
		debugFile string
		debugID   string
		want      string
	}{
		{"firefox.pdb", "AABBCCDD11223344556677889900AABB1", "firefox.pdb/AABBCCDD11223344556677889900AABB1/firefox.sym"},
		{"libxul.so", "112233440000000000000000000000000", "libxul.so/112233440000000000000000000000000/libxul.sym"},
		{"libc.so.6", "112233440000000000000000000000000", "libc.so.6/112233440000000000000000000000000/libc.so.sym"},
		{"app", "112233440000000000000000000000000", "app/112233440000000000000000000000000/app.sym"},
	}
	for _, test := range tests {
		mod := symfile.NewModule("Linux", "x86_64")
		mod.DebugFile = test.debugFile
		mod.DebugID = test.debugID
		assert.Equal(t, filepath.FromSlash("store/"+test.want), storePath("store", mod))
	}
}

func TestInfoFlag(t *testing.T) {
	var f infoFlag
	assert.NoError(t, f.Set("RELEASE_CHANNEL=beta"))
	assert.NoError(t, f.Set("URL=https://example.com/a=b"))
	assert.Error(t, f.Set("novalue"))
	assert.Error(t, f.Set("=value"))
	assert.Equal(t, []symfile.InfoLine{
		{Key: "RELEASE_CHANNEL", Value: "beta"},
		{Key: "URL", Value: "https://example.com/a=b"},
	}, []symfile.InfoLine(f))
	assert.Equal(t, "RELEASE_CHANNEL=beta,URL=https://example.com/a=b", f.String())
}
