// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package feeds picks the freshest not yet posted entry across a set of
// RSS and Atom feeds.
package feeds

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"go.astrophena.name/xposter/internal/request"
	"go.astrophena.name/xposter/internal/syncx"
	"go.astrophena.name/xposter/internal/version"
)

const fetchConcurrencyLimit = 4 // N fetches that can run at the same time

// Source is a feed to read.
type Source struct {
	URL string
	// Title overrides the feed's own title as the source label.
	Title string
}

// Candidate is an entry eligible for posting.
type Candidate struct {
	Headline  string
	Link      string
	Source    string
	Published time.Time
}

// Filter reports links that must be skipped. *posted.Set implements it.
type Filter interface {
	Contains(link string) bool
}

// Selector fetches feeds and selects a candidate.
type Selector struct {
	// HTTPClient defaults to request.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Concurrency limits simultaneous fetches.
	Concurrency int
}

// Select returns the most recently published entry of sources that skip does
// not contain, or nil if there is none. On equal publication times the entry
// found first, in source order and then feed order, wins.
//
// A source that fails to fetch or parse is logged and skipped. Select returns
// an error only if ctx is canceled.
func (s *Selector) Select(ctx context.Context, sources []Source, skip Filter) (*Candidate, error) {
	entries := make([][]Candidate, len(sources))

	lwg := syncx.NewLimitedWaitGroup(cmp.Or(s.Concurrency, fetchConcurrencyLimit))
	for i, src := range sources {
		lwg.Go(func() {
			got, err := s.fetch(ctx, src)
			if err != nil {
				s.logger().Warn("skipping feed", "feed", src.URL, "error", err)
				return
			}
			entries[i] = got
		})
	}
	lwg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var latest *Candidate
	for _, feed := range entries {
		for i := range feed {
			c := &feed[i]
			if skip != nil && skip.Contains(c.Link) {
				continue
			}
			if latest == nil || c.Published.After(latest.Published) {
				latest = c
			}
		}
	}
	return latest, nil
}

func (s *Selector) fetch(ctx context.Context, src Source) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	httpc := cmp.Or(s.HTTPClient, request.DefaultClient)
	res, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", request.ErrNetwork, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		const readLimit = 4096
		body, _ := io.ReadAll(io.LimitReader(res.Body, readLimit))
		return nil, fmt.Errorf("want 200, got %d: %s", res.StatusCode, body)
	}

	// gofeed parsers keep state between calls, so each fetch gets its own.
	feed, err := gofeed.NewParser().Parse(res.Body)
	if err != nil {
		return nil, err
	}

	label := cmp.Or(src.Title, strings.TrimSpace(feed.Title), src.URL)

	var candidates []Candidate
	for _, item := range feed.Items {
		headline := strings.TrimSpace(item.Title)
		link := strings.TrimSpace(item.Link)
		if headline == "" || link == "" || item.PublishedParsed == nil {
			continue
		}
		candidates = append(candidates, Candidate{
			Headline:  headline,
			Link:      link,
			Source:    label,
			Published: *item.PublishedParsed,
		})
	}
	s.logger().Debug("fetched feed", "feed", src.URL, "items", len(feed.Items), "eligible", len(candidates))
	return candidates, nil
}

func (s *Selector) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
