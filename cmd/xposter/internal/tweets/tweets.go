// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package tweets submits posts to the X API.
package tweets

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"go.astrophena.name/xposter/internal/request"
)

// DefaultURL is the X API endpoint for creating posts.
const DefaultURL = "https://api.x.com/2/tweets"

// Client posts to X on behalf of the holder of an access token.
type Client struct {
	// URL defaults to DefaultURL.
	URL string
	// HTTPClient defaults to request.DefaultClient.
	HTTPClient *http.Client
}

// Tweet is a created post.
type Tweet struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Post publishes text using accessToken.
func (c *Client) Post(ctx context.Context, accessToken, text string) (*Tweet, error) {
	// The oauth2 transport adds the Authorization header for the token.
	base := cmp.Or(c.HTTPClient, request.DefaultClient)
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})
	httpc := &http.Client{
		Transport: &oauth2.Transport{Base: base.Transport, Source: src},
		Timeout:   base.Timeout,
	}

	resp, err := request.Make[struct {
		Data Tweet `json:"data"`
	}](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        cmp.Or(c.URL, DefaultURL),
		Body:       map[string]string{"text": text},
		HTTPClient: httpc,
		Scrubber:   strings.NewReplacer(accessToken, "[REDACTED]"),
	})
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// IsTokenRejected reports whether err is the API refusing the access token:
// a 401 or 403 response whose body mentions a token.
func IsTokenRejected(err error) bool {
	var se *request.StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.StatusCode != http.StatusUnauthorized && se.StatusCode != http.StatusForbidden {
		return false
	}
	return bytes.Contains(bytes.ToLower(se.Body), []byte("token"))
}
