// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.astrophena.name/xposter/internal/atomicio"
)

// Dir stores every key in its own file, <dir>/<key>.json, replaced atomically
// on each Set. Files are created readable only by the owner.
type Dir struct {
	path string
	// Backups is the number of previous versions of each file to keep.
	Backups int
}

// NewDir returns a [Dir] rooted at path, creating it if needed.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	return &Dir{path: path}, nil
}

// Path returns the file name used for key.
func (d *Dir) Path(key string) string {
	return filepath.Join(d.path, key+".json")
}

// Get retrieves a value for a given key.
func (d *Dir) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(d.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// Set stores a value for a given key.
func (d *Dir) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if d.Backups > 0 {
		return atomicio.WriteFileWithBackups(d.Path(key), value, 0o600, d.Backups)
	}
	return atomicio.WriteFile(d.Path(key), value, 0o600)
}

// Close is a no-op for Dir.
func (d *Dir) Close() error { return nil }
