// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/xposter/cmd/xposter/internal/auth"
	"go.astrophena.name/xposter/internal/cli"
	"go.astrophena.name/xposter/internal/cli/clitest"
	"go.astrophena.name/xposter/internal/filelock"
	"go.astrophena.name/xposter/internal/store"
	"go.astrophena.name/xposter/internal/testutil"
)

var now = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

var clientEnv = map[string]string{
	"X_CLIENT_ID":     "client-id",
	"X_CLIENT_SECRET": "client-secret",
}

// fakeX serves a feed, the token endpoint and the posts endpoint.
type fakeX struct {
	*httptest.Server

	mu    sync.Mutex
	posts []string
}

func (fx *fakeX) posted() []string {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]string{}, fx.posts...)
}

func newFakeX(t *testing.T) *fakeX {
	fx := new(fakeX)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Test News</title>
<item><title>Headline</title><link>https://a/1</link><pubDate>%s</pubDate></item>
</channel></rss>`, now.Add(-5*time.Minute).Format(time.RFC1123Z))
	})
	mux.HandleFunc("POST /2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "client-id" {
			http.Error(w, `{"error":"unauthorized_client"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"valid-at","refresh_token":"rt2","expires_in":7200,"token_type":"bearer"}`)
	})
	mux.HandleFunc("POST /2/tweets", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer valid-at" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"Invalid or expired token"}`)
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fx.mu.Lock()
		fx.posts = append(fx.posts, body.Text)
		id := len(fx.posts)
		fx.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"data":{"id":"%d","text":%q}}`, id, body.Text)
	})
	fx.Server = httptest.NewServer(mux)
	t.Cleanup(fx.Close)
	return fx
}

// servers maps apps under test to their fake X.
var servers sync.Map

func serverOf(t *testing.T, a *app) *fakeX {
	t.Helper()
	fx, ok := servers.Load(a)
	if !ok {
		t.Fatal("no fake server for app")
	}
	return fx.(*fakeX)
}

// testApp returns an app with state in a temporary directory, talking to a
// fake X. If bundle is not nil, it is stored as the current credentials.
func testApp(t *testing.T, bundle *auth.Bundle) *app {
	t.Helper()
	fx := newFakeX(t)

	stateDir := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.star")
	config := fmt.Sprintf("feeds = [feed(url = %q)]\n", fx.URL+"/feed.xml")
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	if bundle != nil {
		st, err := store.NewDir(stateDir)
		if err != nil {
			t.Fatal(err)
		}
		if err := (&auth.TokenStore{Store: st}).Save(context.Background(), bundle); err != nil {
			t.Fatal(err)
		}
	}

	a := &app{
		configPath: configPath,
		stateDir:   stateDir,
		httpc:      fx.Client(),
		now:        func() time.Time { return now },
		openBrowser: func(context.Context, string) error {
			return errors.New("no browser in tests")
		},
		tokenURL:  fx.URL + "/2/oauth2/token",
		tweetsURL: fx.URL + "/2/tweets",
	}
	servers.Store(a, fx)
	return a
}

func validBundle() *auth.Bundle {
	return &auth.Bundle{AccessToken: "valid-at", RefreshToken: "rt", TokenType: "bearer", ExpiresIn: 7200, IssuedAt: now}
}

func postedLinks(t *testing.T, a *app) []string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(a.stateDir, "posted.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return testutil.UnmarshalJSON[[]string](t, b)
}

func TestRun(t *testing.T) {
	clitest.Run(t, func(t *testing.T) *app { return testApp(t, validBundle()) }, map[string]clitest.Case[*app]{
		"no command": {
			Args:    []string{},
			WantErr: cli.ErrInvalidArgs,
		},
		"unknown command": {
			Args:    []string{"tweet"},
			WantErr: cli.ErrInvalidArgs,
		},
		"post without text": {
			Args:    []string{"post", "  "},
			Env:     clientEnv,
			WantErr: cli.ErrInvalidArgs,
		},
		"post too long": {
			Args:    []string{"post", strings.Repeat("ş", 281)},
			Env:     clientEnv,
			WantErr: cli.ErrInvalidArgs,
		},
		"post": {
			Args:         []string{"post", "hello", "world"},
			Env:          clientEnv,
			WantInStdout: "Posted 1:\nhello world\n",
			CheckFunc: func(t *testing.T, a *app) {
				testutil.AssertEqual(t, serverOf(t, a).posted(), []string{"hello world"})
				testutil.AssertEqual(t, postedLinks(t, a), []string(nil))
			},
		},
		"news": {
			Args:         []string{"news"},
			Env:          clientEnv,
			WantInStdout: "#SonDakika Headline https://a/1",
			CheckFunc: func(t *testing.T, a *app) {
				testutil.AssertEqual(t, serverOf(t, a).posted(), []string{"#SonDakika Headline https://a/1"})
				testutil.AssertEqual(t, postedLinks(t, a), []string{"https://a/1"})
			},
		},
		"news json": {
			Args:         []string{"-json", "news"},
			Env:          clientEnv,
			WantInStdout: `"status": "posted"`,
		},
		"news with extra args": {
			Args:    []string{"news", "now"},
			WantErr: cli.ErrInvalidArgs,
		},
		"news dry run": {
			Args:         []string{"-dry", "news"},
			WantInStdout: "Would post:\n#SonDakika Headline https://a/1\n",
			CheckFunc: func(t *testing.T, a *app) {
				testutil.AssertEqual(t, len(serverOf(t, a).posted()), 0)
				testutil.AssertEqual(t, postedLinks(t, a), []string(nil))
			},
		},
		"news without client credentials": {
			Args:    []string{"news"},
			WantErr: errNoClient,
		},
		"auto with invalid interval": {
			Args:    []string{"-interval", "0", "auto"},
			Env:     clientEnv,
			WantErr: cli.ErrInvalidArgs,
		},
		"authorize unattended": {
			Args:    []string{"-unattended", "authorize"},
			Env:     clientEnv,
			WantErr: cli.ErrInvalidArgs,
		},
		"news verbose": {
			Args:         []string{"-v", "news"},
			Env:          clientEnv,
			WantInStdout: "Posted 1:",
			WantInStderr: "http request",
		},
		"status": {
			Args:         []string{"status"},
			WantInStdout: "Posted links:  0",
		},
		"status json": {
			Args:         []string{"-json", "status"},
			WantInStdout: `"has_refresh_token": true`,
		},
	})
}

func TestRunWithoutTokens(t *testing.T) {
	clitest.Run(t, func(t *testing.T) *app { return testApp(t, nil) }, map[string]clitest.Case[*app]{
		"news unattended": {
			Args:    []string{"-unattended", "news"},
			Env:     clientEnv,
			WantErr: auth.ErrInteractionRequired,
		},
		"news with seeded refresh token": {
			Args: []string{"-unattended", "news"},
			Env: map[string]string{
				"X_CLIENT_ID":     "client-id",
				"X_CLIENT_SECRET": "client-secret",
				"X_REFRESH_TOKEN": "seed-rt",
			},
			WantInStdout: "Posted 1:",
			CheckFunc: func(t *testing.T, a *app) {
				testutil.AssertEqual(t, postedLinks(t, a), []string{"https://a/1"})

				st, err := store.NewDir(a.stateDir)
				if err != nil {
					t.Fatal(err)
				}
				b, err := (&auth.TokenStore{Store: st}).Load(context.Background())
				if err != nil {
					t.Fatal(err)
				}
				testutil.AssertEqual(t, b.RefreshToken, "rt2")
			},
		},
		"status json": {
			Args:         []string{"-json", "status"},
			WantInStdout: `"has_tokens": false`,
		},
	})
}

func TestRunRenewsRejectedToken(t *testing.T) {
	t.Parallel()

	stale := validBundle()
	stale.AccessToken = "revoked-at"
	a := testApp(t, stale)

	var stdout, stderr strings.Builder
	err := cli.Run(context.Background(), a, &cli.Env{
		Args:   []string{"news"},
		Getenv: func(key string) string { return clientEnv[key] },
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatalf("news failed: %v\nstderr: %s", err, stderr.String())
	}
	testutil.AssertEqual(t, serverOf(t, a).posted(), []string{"#SonDakika Headline https://a/1"})
	testutil.AssertEqual(t, postedLinks(t, a), []string{"https://a/1"})
}

func TestAlreadyRunning(t *testing.T) {
	clitest.Run(t, func(t *testing.T) *app {
		a := testApp(t, validBundle())
		lock, err := filelock.Acquire(filepath.Join(a.stateDir, "xposter.lock"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { lock.Release() })
		return a
	}, map[string]clitest.Case[*app]{
		"news": {
			Args:    []string{"news"},
			Env:     clientEnv,
			WantErr: errAlreadyRunning,
		},
		"status reports running": {
			Args:         []string{"-json", "status"},
			WantInStdout: `"running": true`,
		},
	})
}

func TestLockPath(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/var/lib/xposter":                  "/var/lib/xposter/xposter.lock",
		"sqlite:///var/lib/xposter/db":      "/var/lib/xposter/xposter.lock",
		"postgres://user@localhost/xposter": "",
	}
	for state, want := range cases {
		testutil.AssertEqual(t, lockPath(state), want)
	}
}

func TestStateResolution(t *testing.T) {
	t.Parallel()

	getenv := func(m map[string]string) func(string) string {
		return func(key string) string { return m[key] }
	}

	cases := map[string]struct {
		flag string
		env  map[string]string
		want string
	}{
		"flag wins":      {flag: "/flag", env: map[string]string{"STATE_DIRECTORY": "/systemd"}, want: "/flag"},
		"systemd":        {env: map[string]string{"STATE_DIRECTORY": "/systemd", "XDG_STATE_HOME": "/xdg"}, want: "/systemd"},
		"xdg state home": {env: map[string]string{"XDG_STATE_HOME": "/xdg"}, want: "/xdg/xposter"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			a := &app{stateDir: tc.flag}
			got, err := a.state(&cli.Env{Getenv: getenv(tc.env)})
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, got, tc.want)
		})
	}
}
