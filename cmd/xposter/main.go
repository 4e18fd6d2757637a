// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"go.astrophena.name/xposter/cmd/xposter/internal/auth"
	"go.astrophena.name/xposter/cmd/xposter/internal/compose"
	"go.astrophena.name/xposter/cmd/xposter/internal/feeds"
	"go.astrophena.name/xposter/cmd/xposter/internal/pipeline"
	"go.astrophena.name/xposter/cmd/xposter/internal/posted"
	"go.astrophena.name/xposter/cmd/xposter/internal/summarize"
	"go.astrophena.name/xposter/cmd/xposter/internal/tweets"
	"go.astrophena.name/xposter/internal/cli"
	"go.astrophena.name/xposter/internal/filelock"
	"go.astrophena.name/xposter/internal/httplogger"
	"go.astrophena.name/xposter/internal/logger"
	"go.astrophena.name/xposter/internal/request"
	"go.astrophena.name/xposter/internal/store"
	"go.astrophena.name/xposter/internal/systemd"
)

// Some types of errors that can happen during xposter execution.
var (
	errAlreadyRunning = errors.New("already running")
	errNoClient       = errors.New("X_CLIENT_ID and X_CLIENT_SECRET must be set")
)

func main() { cli.Main(new(app)) }

type app struct {
	// configuration
	configPath  string
	dotenv      string
	dry         bool
	interval    time.Duration
	json        bool
	model       string
	redirectURI string
	stateDir    string
	unattended  bool
	verbose     bool

	// overridden in tests
	httpc       *http.Client
	now         func() time.Time
	openBrowser func(context.Context, string) error
	tokenURL    string
	tweetsURL   string

	// initialized by Run
	logger *logger.Logger
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.configPath, "config", a.configPath, "Read feeds from Starlark `file` instead of the built-in list.")
	fs.StringVar(&a.dotenv, "env", ".env", "Load environment variables from `file` if it exists.")
	fs.BoolVar(&a.dry, "dry", false, "Enable dry-run mode: compose and log posts, but don't authenticate, post or record them.")
	fs.DurationVar(&a.interval, "interval", 10*time.Minute, "How often to post in auto mode.")
	fs.BoolVar(&a.json, "json", false, "Output in JSON format (honored in supported commands).")
	fs.StringVar(&a.model, "model", summarize.DefaultModel, "Gemini `model` used to summarize headlines.")
	fs.StringVar(&a.redirectURI, "redirect", "", "OAuth 2.0 redirect `URI` (default "+auth.DefaultRedirectURI+").")
	fs.StringVar(&a.stateDir, "state", a.stateDir, "State `directory`, or a sqlite:// or postgres:// database URL.")
	fs.BoolVar(&a.unattended, "unattended", false, "Never ask for interactive authorization.")
	fs.BoolVar(&a.verbose, "v", false, "Enable debug logging.")
}

func (a *app) Run(ctx context.Context, env *cli.Env) error {
	if err := env.LoadDotEnv(a.dotenv); err != nil {
		return err
	}

	a.logger = logger.Get(ctx)
	if a.dry || a.verbose {
		a.logger.Level.Set(slog.LevelDebug)
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.httpc == nil {
		a.httpc = request.DefaultClient
	}
	if a.verbose {
		a.httpc = &http.Client{
			Transport: httplogger.New(a.httpc.Transport, a.logger.Logger),
			Timeout:   a.httpc.Timeout,
		}
	}
	if a.openBrowser == nil {
		a.openBrowser = openBrowser
	}

	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required, see -help for usage", cli.ErrInvalidArgs)
	}
	command, args := env.Args[0], env.Args[1:]

	switch command {
	case "post":
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return fmt.Errorf("%w: post command expects text", cli.ErrInvalidArgs)
		}
		if n := utf8.RuneCountInString(text); n > compose.MaxLength {
			return fmt.Errorf("%w: text is %d characters long, X allows %d", cli.ErrInvalidArgs, n, compose.MaxLength)
		}
		return a.withPipeline(ctx, env, !a.unattended, func(p *pipeline.Pipeline) error {
			res, err := p.Post(ctx, text)
			if err != nil {
				return err
			}
			return a.report(env.Stdout, res)
		})
	case "news":
		if len(args) > 0 {
			return fmt.Errorf("%w: news command takes no arguments", cli.ErrInvalidArgs)
		}
		return a.withPipeline(ctx, env, !a.unattended, func(p *pipeline.Pipeline) error {
			res, err := p.RunOnce(ctx)
			if err != nil {
				return err
			}
			return a.report(env.Stdout, res)
		})
	case "auto":
		if a.interval <= 0 {
			return fmt.Errorf("%w: -interval must be positive", cli.ErrInvalidArgs)
		}
		return a.withPipeline(ctx, env, false, func(p *pipeline.Pipeline) error {
			return a.auto(ctx, env, p)
		})
	case "authorize":
		return a.authorize(ctx, env)
	case "status":
		return a.status(ctx, env)
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

// state resolves where state is kept, the same way systemd and XDG expect.
func (a *app) state(env *cli.Env) (string, error) {
	if dir := cmp.Or(a.stateDir, env.Getenv("STATE_DIRECTORY")); dir != "" {
		return dir, nil
	}
	xdgStateHome := env.Getenv("XDG_STATE_HOME")
	if xdgStateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		xdgStateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(xdgStateHome, "xposter"), nil
}

// lockPath returns the run lock for state, or "" if state lives in a database
// server.
func lockPath(state string) string {
	switch {
	case strings.HasPrefix(state, "postgres://"), strings.HasPrefix(state, "postgresql://"):
		return ""
	case strings.HasPrefix(state, "sqlite://"):
		return filepath.Join(filepath.Dir(strings.TrimPrefix(state, "sqlite://")), "xposter.lock")
	default:
		return filepath.Join(state, "xposter.lock")
	}
}

// acquireLock takes the run lock of state. The returned lock is nil if state
// doesn't need one.
func acquireLock(state string) (*filelock.Lock, error) {
	lp := lockPath(state)
	if lp == "" {
		return nil, nil
	}
	lock, err := filelock.Acquire(lp)
	if errors.Is(err, filelock.ErrAlreadyLocked) {
		return nil, fmt.Errorf("%w: %w", errAlreadyRunning, err)
	}
	return lock, err
}

func (a *app) openStore(ctx context.Context, state string) (store.Store, error) {
	s, err := store.Open(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("opening state %q: %w", state, err)
	}
	if d, ok := s.(*store.Dir); ok {
		d.Backups = 5
	}
	return s, nil
}

func (a *app) manager(env *cli.Env, tokens *auth.TokenStore, interactive bool) (*auth.Manager, error) {
	clientID, clientSecret := env.Getenv("X_CLIENT_ID"), env.Getenv("X_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return nil, errNoClient
	}
	return auth.NewManager(auth.Config{
		ClientID:         clientID,
		ClientSecret:     clientSecret,
		RedirectURI:      cmp.Or(a.redirectURI, env.Getenv("X_REDIRECT_URI")),
		TokenURL:         a.tokenURL,
		SeedRefreshToken: env.Getenv("X_REFRESH_TOKEN"),
		Interactive:      interactive,
		OpenBrowser:      a.openBrowser,
		HTTPClient:       a.httpc,
		Logger:           a.logger.Logger,
		Now:              a.now,
	}, tokens), nil
}

// withPipeline locks state, builds a pipeline on top of it and calls f.
func (a *app) withPipeline(ctx context.Context, env *cli.Env, interactive bool, f func(*pipeline.Pipeline) error) (err error) {
	sources, err := loadConfig(a.configPath, env.Logf)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	state, err := a.state(env)
	if err != nil {
		return err
	}
	lock, err := acquireLock(state)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, lock.Release()) }()

	st, err := a.openStore(ctx, state)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	posts, err := posted.Load(ctx, st, a.logger.Logger)
	if err != nil {
		return err
	}

	composer := &compose.Composer{Logger: a.logger.Logger, Now: a.now}
	if key := env.Getenv("GEMINI_API_KEY"); key != "" {
		g, err := summarize.NewGemini(ctx, key, a.model)
		if err != nil {
			a.logger.Warn("summarization disabled", "error", err)
		} else {
			defer g.Close()
			composer.Summarizer = g
		}
	} else {
		a.logger.Debug("GEMINI_API_KEY is not set, posting headlines as is")
	}

	p := &pipeline.Pipeline{
		Selector: &feeds.Selector{HTTPClient: a.httpc, Logger: a.logger.Logger},
		Composer: composer,
		Poster:   &tweets.Client{URL: a.tweetsURL, HTTPClient: a.httpc},
		Posted:   posts,
		Sources:  sources,
		Dry:      a.dry,
		Logger:   a.logger.Logger,
	}

	if a.dry {
		p.Credentials = dryCredentials{}
	} else {
		m, err := a.manager(env, &auth.TokenStore{Store: st, Logger: a.logger.Logger}, interactive)
		if err != nil {
			return err
		}
		p.Credentials = m
	}

	return f(p)
}

// dryCredentials is used in dry-run mode, where nothing is posted.
type dryCredentials struct{}

func (dryCredentials) Token(context.Context) (string, error) { return "", errors.New("dry run") }
func (dryCredentials) Renew(context.Context) (string, error) { return "", errors.New("dry run") }

func (a *app) report(w io.Writer, res *pipeline.Result) error {
	if a.json {
		type resultJSON struct {
			Status    pipeline.Status  `json:"status"`
			ID        string           `json:"id,omitempty"`
			Text      string           `json:"text,omitempty"`
			Candidate *feeds.Candidate `json:"candidate,omitempty"`
			Attempts  int              `json:"attempts,omitempty"`
		}
		out := resultJSON{Status: res.Status, Candidate: res.Candidate, Attempts: res.Attempts}
		if res.Status != pipeline.NoNewsAvailable {
			out.Text = res.Message.String()
		}
		if res.Tweet != nil {
			out.ID = res.Tweet.ID
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	switch res.Status {
	case pipeline.NoNewsAvailable:
		fmt.Fprintln(w, "No news available.")
	case pipeline.DryRun:
		fmt.Fprintf(w, "Would post:\n%s\n", res.Message)
	case pipeline.Posted:
		fmt.Fprintf(w, "Posted %s:\n%s\n", res.Tweet.ID, res.Message)
	}
	return nil
}

func (a *app) auto(ctx context.Context, env *cli.Env, p *pipeline.Pipeline) error {
	notifier := &systemd.Notifier{Getenv: env.Getenv, Logger: a.logger.Logger}

	run := func() {
		res, err := p.RunOnce(ctx)
		switch {
		case errors.Is(err, auth.ErrInteractionRequired):
			a.logger.Error("run failed, authorize with 'xposter authorize'", "error", err)
		case err != nil:
			a.logger.Error("run failed", "state", res.State, "error", err)
		}
	}

	a.logger.Info("auto mode started", "interval", a.interval)
	run()

	notifier.Notify(systemd.Ready)
	go notifier.WatchdogLoop(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			run()
		case <-ctx.Done():
			notifier.Notify(systemd.Stopping)
			a.logger.Info("auto mode stopped")
			return nil
		}
	}
}

func (a *app) authorize(ctx context.Context, env *cli.Env) (err error) {
	if a.unattended {
		return fmt.Errorf("%w: authorize is interactive, but -unattended is set", cli.ErrInvalidArgs)
	}
	state, err := a.state(env)
	if err != nil {
		return err
	}
	lock, err := acquireLock(state)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, lock.Release()) }()

	st, err := a.openStore(ctx, state)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	m, err := a.manager(env, &auth.TokenStore{Store: st, Logger: a.logger.Logger}, true)
	if err != nil {
		return err
	}
	b, err := m.Authorize(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "Authorized, tokens are stored in %s (valid until %s).\n", state, b.Expiry().Format(time.RFC3339))
	return nil
}

type statusInfo struct {
	State           string     `json:"state"`
	Running         bool       `json:"running"`
	HasTokens       bool       `json:"has_tokens"`
	Valid           bool       `json:"valid"`
	Expiry          *time.Time `json:"expiry,omitempty"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	Scope           string     `json:"scope,omitempty"`
	Posted          int        `json:"posted"`
}

func (a *app) status(ctx context.Context, env *cli.Env) (err error) {
	state, err := a.state(env)
	if err != nil {
		return err
	}
	st, err := a.openStore(ctx, state)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	info := statusInfo{State: state}
	if lp := lockPath(state); lp != "" {
		info.Running = filelock.IsLocked(lp)
	}

	b, err := (&auth.TokenStore{Store: st, Logger: a.logger.Logger}).Load(ctx)
	if err != nil {
		return err
	}
	if b != nil {
		expiry := b.Expiry()
		info.HasTokens = true
		info.Valid = b.Valid(a.now())
		info.Expiry = &expiry
		info.HasRefreshToken = b.RefreshToken != ""
		info.Scope = b.Scope
	}

	posts, err := posted.Load(ctx, st, a.logger.Logger)
	if err != nil {
		return err
	}
	info.Posted = posts.Len()

	if a.json {
		enc := json.NewEncoder(env.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(env.Stdout, "State:         %s\n", info.State)
	fmt.Fprintf(env.Stdout, "Running:       %v\n", info.Running)
	if !info.HasTokens {
		fmt.Fprintln(env.Stdout, "Tokens:        none, run 'xposter authorize'")
	} else {
		fmt.Fprintf(env.Stdout, "Tokens:        valid=%v, expiry %s, refresh token %v\n", info.Valid, info.Expiry.Format(time.RFC3339), info.HasRefreshToken)
	}
	fmt.Fprintf(env.Stdout, "Posted links:  %d\n", info.Posted)
	return nil
}

// openBrowser opens url in the default browser.
func openBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
