// Copyright 2026 dumpsyms project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package osutil contains small wrappers around os/filepath operations
// with saner defaults and error messages.
package osutil

import (
	"os"
	"path/filepath"
)

const (
	DefaultDirPerm  = 0755 // default permissions for new directories
	DefaultFilePerm = 0644 // default permissions for new files
)

// IsExist returns true if the file name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

// CreateFile creates the file for writing, making parent directories
// as needed.
func CreateFile(filename string) (*os.File, error) {
	if dir := filepath.Dir(filename); dir != "" && dir != "." {
		if err := MkdirAll(dir); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, DefaultFilePerm)
}
