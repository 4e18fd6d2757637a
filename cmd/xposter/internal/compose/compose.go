// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package compose turns feed entries into posts that fit the X length limit.
package compose

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.astrophena.name/xposter/cmd/xposter/internal/feeds"
)

const (
	// MaxLength is the maximum length of a post.
	MaxLength = 280
	// LinkWidth is how many characters X counts for any link.
	LinkWidth = 23
	// LinkReserved is the room kept for the link and the space before it.
	LinkReserved = LinkWidth + 1

	// SummaryTimeout bounds a single summarizer call.
	SummaryTimeout = 30 * time.Second

	// BreakingAge is how old an entry may be to be tagged as breaking news.
	BreakingAge = 2 * time.Hour

	// TagBreaking marks fresh entries.
	TagBreaking = "#SonDakika"
	// TagGeneral marks everything else.
	TagGeneral = "#Gündem"

	ellipsis = "..."

	summaryLimit    = 200
	defaultLanguage = "Turkish"
)

// Summarizer rewrites input following instruction. *summarize.Gemini
// implements it.
type Summarizer interface {
	Summarize(ctx context.Context, instruction, input string) (string, error)
}

// Message is a composed post.
type Message struct {
	// Text is the body, already trimmed to leave room for Link.
	Text string
	Link string
}

// String renders the post as submitted.
func (m Message) String() string {
	if m.Link == "" {
		return m.Text
	}
	return m.Text + " " + m.Link
}

// Length returns the length X accounts for the post.
func (m Message) Length() int {
	if m.Link == "" {
		return utf8.RuneCountInString(m.Text)
	}
	return utf8.RuneCountInString(m.Text) + 1 + LinkWidth
}

// Composer builds messages from feed candidates.
type Composer struct {
	// Summarizer is optional. Without it, or when it fails, the message is
	// the tag followed by the headline.
	Summarizer Summarizer
	// Timeout bounds the summarizer call. Defaults to SummaryTimeout.
	Timeout time.Duration
	// Language the summary is written in. Defaults to Turkish.
	Language string
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Compose builds the message for c. It never fails: summarization problems
// are logged and the headline is used instead.
func (cm *Composer) Compose(ctx context.Context, c *feeds.Candidate) Message {
	tag := Tag(c.Published, cm.now())

	text := ""
	if cm.Summarizer != nil {
		sctx, cancel := context.WithTimeout(ctx, cmp.Or(cm.Timeout, SummaryTimeout))
		summary, err := cm.Summarizer.Summarize(sctx, cm.instruction(tag), "Headline: "+c.Headline)
		cancel()
		switch {
		case err != nil:
			cm.logger().Warn("summarization failed, using headline", "link", c.Link, "error", err)
		case strings.TrimSpace(summary) == "":
			cm.logger().Warn("summarizer returned nothing, using headline", "link", c.Link)
		default:
			text = strings.TrimSpace(summary)
		}
	}
	if text == "" {
		text = tag + " " + c.Headline
	}

	return Message{
		Text: Trim(text, MaxLength-LinkReserved),
		Link: c.Link,
	}
}

func (cm *Composer) instruction(tag string) string {
	return fmt.Sprintf("You are an experienced news editor. "+
		"Summarize the given news headline in at most %d characters. "+
		"Write in %s. "+
		"Do not mention the source or add notes in parentheses. "+
		"Do not include any link, it is added separately. "+
		"Use only the %s hashtag.",
		summaryLimit, cmp.Or(cm.Language, defaultLanguage), tag)
}

func (cm *Composer) now() time.Time {
	if cm.Now != nil {
		return cm.Now()
	}
	return time.Now()
}

func (cm *Composer) logger() *slog.Logger {
	if cm.Logger != nil {
		return cm.Logger
	}
	return slog.Default()
}

// Tag returns TagGeneral for entries published more than BreakingAge before
// now and TagBreaking otherwise, including unknown or future times.
func Tag(published, now time.Time) string {
	if published.IsZero() {
		return TagBreaking
	}
	if now.Sub(published) > BreakingAge {
		return TagGeneral
	}
	return TagBreaking
}

// Trim shortens text to at most max characters on a word boundary, marking
// the cut with "...". Text that fits is returned unchanged. If not even the
// first word fits, the result is just "...".
func Trim(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	var (
		sb strings.Builder
		n  int
	)
	for _, w := range strings.Fields(text) {
		wn := utf8.RuneCountInString(w)
		if n+wn+1 > max-len(ellipsis) {
			break
		}
		if n > 0 {
			sb.WriteByte(' ')
			n++
		}
		sb.WriteString(w)
		n += wn
	}
	return sb.String() + ellipsis
}
