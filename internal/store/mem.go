// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"

	"go.astrophena.name/xposter/internal/syncx"
)

// Mem is an in-memory implementation of the [Store] interface. It is used in
// tests and for dry runs.
type Mem struct {
	data *syncx.Protected[map[string][]byte]
}

// NewMem returns an empty [Mem].
func NewMem() *Mem {
	return &Mem{data: syncx.Protect(make(map[string][]byte))}
}

// Get retrieves a value for a given key.
func (m *Mem) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	m.data.ReadAccess(func(data map[string][]byte) {
		if v, ok := data[key]; ok {
			// Copy so the caller can't mutate the store.
			val = append([]byte{}, v...)
		}
	})
	return val, nil
}

// Set stores a value for a given key.
func (m *Mem) Set(_ context.Context, key string, value []byte) error {
	m.data.WriteAccess(func(data map[string][]byte) {
		data[key] = append([]byte{}, value...)
	})
	return nil
}

// Close is a no-op for Mem.
func (m *Mem) Close() error { return nil }
