// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.astrophena.name/xposter/internal/store"
)

const tokensKey = "tokens"

// TokenStore persists the most recent [Bundle].
type TokenStore struct {
	Store  store.Store
	Logger *slog.Logger
}

// record is the persisted form of a Bundle.
type record struct {
	Bundle
	SavedAt int64 `json:"saved_at"`
}

// Load returns the saved bundle. A missing or unreadable record yields a nil
// bundle and no error; the latter is logged.
func (ts *TokenStore) Load(ctx context.Context) (*Bundle, error) {
	b, err := ts.Store.Get(ctx, tokensKey)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}

	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		ts.logger().Warn("ignoring corrupt token record", "error", err)
		return nil, nil
	}
	if r.AccessToken == "" && r.RefreshToken == "" {
		ts.logger().Warn("ignoring corrupt token record", "error", errors.New("no tokens"))
		return nil, nil
	}
	bundle := r.Bundle
	bundle.IssuedAt = time.Unix(r.SavedAt, 0)
	return &bundle, nil
}

// Save replaces the saved bundle with b.
func (ts *TokenStore) Save(ctx context.Context, b *Bundle) error {
	data, err := json.MarshalIndent(record{Bundle: *b, SavedAt: b.IssuedAt.Unix()}, "", "  ")
	if err != nil {
		return err
	}
	return ts.Store.Set(ctx, tokensKey, data)
}

func (ts *TokenStore) logger() *slog.Logger {
	if ts.Logger != nil {
		return ts.Logger
	}
	return slog.Default()
}
