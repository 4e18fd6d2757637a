// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package pipeline ties feed selection, composition and posting together.
//
// A run moves through the states
//
//	Selecting → Composing → Authenticating → Submitting → (RetryAuth) → Done | Failed
//
// and records the link of a candidate as posted only after X accepted it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.astrophena.name/xposter/cmd/xposter/internal/compose"
	"go.astrophena.name/xposter/cmd/xposter/internal/feeds"
	"go.astrophena.name/xposter/cmd/xposter/internal/tweets"
)

// State is a step of a run.
type State string

// Run states.
const (
	Selecting      State = "selecting"
	Composing      State = "composing"
	Authenticating State = "authenticating"
	Submitting     State = "submitting"
	RetryAuth      State = "retry_auth"
	Done           State = "done"
	Failed         State = "failed"
)

// Status is the outcome of a run that did not fail.
type Status string

// Run outcomes.
const (
	Posted Status = "posted"
	// NoNewsAvailable means every eligible entry was already posted or no
	// feed had any. It is not an error.
	NoNewsAvailable Status = "no_news_available"
	// DryRun means the message was composed but not submitted.
	DryRun Status = "dry_run"
)

// Credentials supplies access tokens. *auth.Manager implements it.
type Credentials interface {
	// Token returns a valid access token.
	Token(ctx context.Context) (string, error)
	// Renew replaces a token the API rejected.
	Renew(ctx context.Context) (string, error)
}

// Selector picks a feed entry. *feeds.Selector implements it.
type Selector interface {
	Select(ctx context.Context, sources []feeds.Source, skip feeds.Filter) (*feeds.Candidate, error)
}

// Composer builds a message for an entry. *compose.Composer implements it.
type Composer interface {
	Compose(ctx context.Context, c *feeds.Candidate) compose.Message
}

// Poster submits posts. *tweets.Client implements it.
type Poster interface {
	Post(ctx context.Context, accessToken, text string) (*tweets.Tweet, error)
}

// Record is the set of posted links. *posted.Set implements it.
type Record interface {
	Contains(link string) bool
	Add(ctx context.Context, link string) error
}

// Pipeline posts news. All fields except Logger and Dry are required.
type Pipeline struct {
	Credentials Credentials
	Selector    Selector
	Composer    Composer
	Poster      Poster
	Posted      Record
	Sources     []feeds.Source

	// Dry composes messages and logs them instead of posting.
	Dry bool
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Result describes a run.
type Result struct {
	// State is the last state reached: Done or Failed.
	State  State
	Status Status
	// Candidate is the selected entry, if any.
	Candidate *feeds.Candidate
	Message   compose.Message
	// Tweet is the created post.
	Tweet *tweets.Tweet
	// Attempts counts submissions.
	Attempts int
}

// RunOnce posts the freshest entry that was not posted yet.
func (p *Pipeline) RunOnce(ctx context.Context) (*Result, error) {
	res := new(Result)

	p.enter(res, Selecting)
	c, err := p.Selector.Select(ctx, p.Sources, p.Posted)
	if err != nil {
		return p.fail(res, fmt.Errorf("selecting news: %w", err))
	}
	if c == nil {
		p.logger().Info("no news available")
		res.Status = NoNewsAvailable
		p.enter(res, Done)
		return res, nil
	}
	res.Candidate = c
	p.logger().Info("selected news", "link", c.Link, "source", c.Source, "published", c.Published)

	p.enter(res, Composing)
	res.Message = p.Composer.Compose(ctx, c)

	if p.Dry {
		p.logger().Info("dry run, not posting", "text", res.Message.String(), "length", res.Message.Length())
		res.Status = DryRun
		p.enter(res, Done)
		return res, nil
	}

	if err := p.submit(ctx, res, res.Message.String()); err != nil {
		return p.fail(res, err)
	}

	if err := p.Posted.Add(ctx, c.Link); err != nil {
		// X accepted the post, so the next run may post it again.
		res.Status = Posted
		return p.fail(res, fmt.Errorf("recording %s as posted: %w", c.Link, err))
	}

	res.Status = Posted
	p.enter(res, Done)
	p.logger().Info("posted", "id", res.Tweet.ID, "link", c.Link)
	return res, nil
}

// Post publishes text as is. It shares the credential retry of [Pipeline.RunOnce]
// but doesn't touch the posted record.
func (p *Pipeline) Post(ctx context.Context, text string) (*Result, error) {
	res := &Result{Message: compose.Message{Text: text}}

	if p.Dry {
		p.logger().Info("dry run, not posting", "text", text)
		res.Status = DryRun
		p.enter(res, Done)
		return res, nil
	}

	if err := p.submit(ctx, res, text); err != nil {
		return p.fail(res, err)
	}
	res.Status = Posted
	p.enter(res, Done)
	p.logger().Info("posted", "id", res.Tweet.ID)
	return res, nil
}

// submit posts text, renewing credentials and retrying once if X rejects the
// access token.
func (p *Pipeline) submit(ctx context.Context, res *Result, text string) error {
	p.enter(res, Authenticating)
	token, err := p.Credentials.Token(ctx)
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}

	p.enter(res, Submitting)
	res.Attempts++
	tw, err := p.Poster.Post(ctx, token, text)
	if err != nil && tweets.IsTokenRejected(err) {
		p.logger().Warn("access token rejected, renewing", "error", err)

		p.enter(res, RetryAuth)
		token, err = p.Credentials.Renew(ctx)
		if err != nil {
			return fmt.Errorf("renewing access token: %w", err)
		}

		p.enter(res, Submitting)
		res.Attempts++
		tw, err = p.Poster.Post(ctx, token, text)
	}
	if err != nil {
		return fmt.Errorf("posting: %w", err)
	}
	res.Tweet = tw
	return nil
}

func (p *Pipeline) enter(res *Result, s State) {
	res.State = s
	p.logger().Debug("pipeline state", "state", s)
}

func (p *Pipeline) fail(res *Result, err error) (*Result, error) {
	p.enter(res, Failed)
	return res, err
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
