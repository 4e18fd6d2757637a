// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package posted keeps the durable record of links that were already posted.
package posted

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.astrophena.name/xposter/internal/store"
)

const key = "posted"

// Set is an append-only set of posted links. Every [Set.Add] is persisted
// before it returns.
type Set struct {
	store store.Store

	mu    sync.RWMutex
	links []string
	index map[string]struct{}
}

// Load reads the set from s. A missing record yields an empty set; so does a
// corrupt one, which is logged.
func Load(ctx context.Context, s store.Store, logger *slog.Logger) (*Set, error) {
	set := &Set{store: s, index: make(map[string]struct{})}

	b, err := s.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading posted links: %w", err)
	}
	if b == nil {
		return set, nil
	}

	var links []string
	if err := json.Unmarshal(b, &links); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("posted links record is corrupt, starting empty", "error", err)
		return set, nil
	}
	for _, link := range links {
		set.add(link)
	}
	return set, nil
}

func (s *Set) add(link string) bool {
	if _, ok := s.index[link]; ok {
		return false
	}
	s.index[link] = struct{}{}
	s.links = append(s.links, link)
	return true
}

// Contains reports whether link was posted.
func (s *Set) Contains(link string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[link]
	return ok
}

// Add records link and persists the set. Adding a link twice is a no-op.
func (s *Set) Add(ctx context.Context, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.add(link) {
		return nil
	}
	b, err := json.MarshalIndent(s.links, "", "  ")
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, key, b); err != nil {
		// Keep memory consistent with what is on disk.
		delete(s.index, link)
		s.links = s.links[:len(s.links)-1]
		return fmt.Errorf("saving posted links: %w", err)
	}
	return nil
}

// Links returns the posted links in the order they were added.
func (s *Set) Links() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.links)
}

// Len returns the number of posted links.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}
