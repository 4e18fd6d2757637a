// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package tweets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/xposter/internal/request"
	"go.astrophena.name/xposter/internal/testutil"
)

func TestPost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"title":"Unauthorized","detail":"Unauthorized","status":401}`)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			http.Error(w, "bad content type", http.StatusBadRequest)
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"data":{"id":"1234","text":%q}}`, body.Text)
	}))
	t.Cleanup(srv.Close)

	c := &Client{URL: srv.URL, HTTPClient: srv.Client()}

	tw, err := c.Post(context.Background(), "good-token", "#SonDakika hello https://a/1")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tw, &Tweet{ID: "1234", Text: "#SonDakika hello https://a/1"})

	_, err = c.Post(context.Background(), "bad-token", "hello")
	var se *request.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want *request.StatusError, got %v", err)
	}
	testutil.AssertEqual(t, se.StatusCode, http.StatusUnauthorized)
	if strings.Contains(err.Error(), "bad-token") {
		t.Errorf("access token leaked into error: %v", err)
	}
}

func TestPostTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	httpc := srv.Client()
	httpc.Timeout = 100 * time.Millisecond
	c := &Client{URL: srv.URL, HTTPClient: httpc}

	start := time.Now()
	_, err := c.Post(context.Background(), "good-token", "hello")
	if !errors.Is(err, request.ErrNetwork) {
		t.Fatalf("want network error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("client timeout was not applied, Post took %v", elapsed)
	}
}

func TestIsTokenRejected(t *testing.T) {
	t.Parallel()

	status := func(code int, body string) error {
		return fmt.Errorf("posting: %w", &request.StatusError{StatusCode: code, Body: []byte(body)})
	}

	cases := map[string]struct {
		err  error
		want bool
	}{
		"401 mentioning token": {status(401, `{"detail":"Invalid or expired TOKEN"}`), true},
		"403 mentioning token": {status(403, `{"error":"invalid_token"}`), true},
		"401 without token":    {status(401, `{"detail":"Unauthorized"}`), false},
		"429 mentioning token": {status(429, `{"detail":"token bucket empty"}`), false},
		"500":                  {status(500, "token"), false},
		"network failure":      {fmt.Errorf("%w: connection refused", request.ErrNetwork), false},
		"nil":                  {nil, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, IsTokenRejected(tc.err), tc.want)
		})
	}
}
