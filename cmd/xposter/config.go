// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"go.astrophena.name/xposter/cmd/xposter/internal/feeds"
	"go.astrophena.name/xposter/internal/logger"
)

//go:embed config.star
var defaultConfig string

// feed is the value returned by the feed builtin.
type feed struct {
	feeds.Source
}

func (f *feed) String() string        { return fmt.Sprintf("<feed url=%q>", f.URL) }
func (f *feed) Type() string          { return "feed" }
func (f *feed) Freeze()               {} // immutable
func (f *feed) Truth() starlark.Bool  { return starlark.Bool(f.URL != "") }
func (f *feed) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", f.Type()) }

func feedBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, errors.New("feed: unexpected positional arguments")
	}
	f := new(feed)
	if err := starlark.UnpackArgs("feed", args, kwargs,
		"url", &f.URL,
		"title?", &f.Title,
	); err != nil {
		return nil, err
	}
	return f, nil
}

// loadConfig reads feed sources from path, or from the built-in config if
// path is empty.
func loadConfig(path string, logf logger.Logf) ([]feeds.Source, error) {
	if path == "" {
		return parseConfig("config.star", defaultConfig, logf)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(path, string(b), logf)
}

func parseConfig(filename, config string, logf logger.Logf) ([]feeds.Source, error) {
	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{},
		&starlark.Thread{
			Print: func(_ *starlark.Thread, msg string) { logf("%s", msg) },
		},
		filename,
		config,
		starlark.StringDict{
			"feed": starlark.NewBuiltin("feed", feedBuiltin),
		},
	)
	if err != nil {
		return nil, err
	}

	list, ok := globals["feeds"].(*starlark.List)
	if !ok {
		return nil, errors.New("feeds must be defined and be a list")
	}

	var sources []feeds.Source
	for i := range list.Len() {
		f, ok := list.Index(i).(*feed)
		if !ok {
			return nil, fmt.Errorf("feeds[%d]: want feed, got %s", i, list.Index(i).Type())
		}
		u, err := url.Parse(f.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid URL %q of feed %q", f.URL, f.Title)
		}
		sources = append(sources, f.Source)
	}
	if len(sources) == 0 {
		return nil, errors.New("no feeds configured")
	}
	return sources, nil
}
