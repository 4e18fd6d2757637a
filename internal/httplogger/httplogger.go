// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package httplogger provides a http.RoundTripper middleware that logs
// outgoing HTTP requests and their outcome.
package httplogger

import (
	"cmp"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// New returns a http.RoundTripper that logs every request made through t at
// debug level. Query strings are dropped from logged URLs. If t is nil,
// http.DefaultTransport is used.
func New(t http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	return &loggingTransport{
		transport: t,
		logger:    cmp.Or(logger, slog.Default()),
		now:       time.Now,
	}
}

type loggingTransport struct {
	transport http.RoundTripper
	logger    *slog.Logger
	now       func() time.Time
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := t.now()
	resp, err := t.transport.RoundTrip(r)

	attrs := []any{
		"method", r.Method,
		"url", redact(r.URL),
		"duration", t.now().Sub(start).Round(time.Millisecond),
	}
	if resp != nil {
		attrs = append(attrs, "status", resp.StatusCode)
	}
	if err != nil {
		t.logger.Debug("http request failed", append(attrs, "error", err)...)
		return resp, err
	}
	t.logger.Debug("http request", attrs...)
	return resp, nil
}

func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}
