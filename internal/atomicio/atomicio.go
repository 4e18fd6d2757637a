// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package atomicio writes files so that readers observe either the old or the
// new contents, never a partial write.
package atomicio

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const backupTimeFormat = "20060102150405.000000000"

// WriteFile writes data to name atomically. Missing parent directories are
// created with mode 0o700.
func WriteFile(name string, data []byte, perm fs.FileMode) error {
	return write(name, data, perm, 0)
}

// WriteFileWithBackups is like [WriteFile], but keeps the previous version of
// the file as a timestamped ".bak" hard link and keeps at most keep of them.
// Failing to remove old backups is not an error; they are pruned on the next
// write.
func WriteFileWithBackups(name string, data []byte, perm fs.FileMode, keep int) error {
	return write(name, data, perm, keep)
}

func write(name string, data []byte, perm fs.FileMode, keep int) (err error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o700); err != nil {
		return err
	}

	// Same directory, so os.Rename stays on one filesystem.
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Chmod(perm); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if keep > 0 {
		if _, err := os.Stat(name); err == nil {
			backup := name + "." + time.Now().UTC().Format(backupTimeFormat) + ".bak"
			// name stays in place until the rename below replaces it.
			if err := os.Link(name, backup); err != nil {
				return err
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if err := os.Rename(f.Name(), name); err != nil {
		return err
	}

	if keep > 0 {
		pruneBackups(name, keep)
	}
	return nil
}

// Backups returns the backup files of name, oldest first.
func Backups(name string) ([]string, error) {
	backups, err := filepath.Glob(name + ".*.bak")
	if err != nil {
		return nil, err
	}
	slices.Sort(backups)
	return backups, nil
}

func pruneBackups(name string, keep int) {
	backups, err := Backups(name)
	if err != nil || len(backups) <= keep {
		return
	}
	for _, b := range backups[:len(backups)-keep] {
		os.Remove(b)
	}
}
