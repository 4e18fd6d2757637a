// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package auth

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// callbackResult holds the query parameters of the authorization redirect.
type callbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// callbackListener accepts exactly one authorization redirect.
type callbackListener struct {
	srv    *http.Server
	ln     net.Listener
	path   string
	result chan callbackResult
	once   sync.Once
}

// listenCallback starts serving the path of redirectURI on its host and port.
// Port 0 picks a free port; [callbackListener.RedirectURI] reports it.
func listenCallback(redirectURI string) (*callbackListener, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URI: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect URI %q: only http is supported for the local listener", redirectURI)
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("listening for authorization redirect: %w", err)
	}

	cl := &callbackListener{
		ln:     ln,
		path:   cmp.Or(u.Path, "/"),
		result: make(chan callbackResult, 1),
	}
	cl.srv = &http.Server{
		Handler:           http.HandlerFunc(cl.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := cl.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cl.once.Do(func() {
				cl.result <- callbackResult{Error: "listener_failed", ErrorDescription: err.Error()}
			})
		}
	}()
	return cl, nil
}

// RedirectURI returns the redirect URI with the actual listening address.
func (cl *callbackListener) RedirectURI() string {
	u := &url.URL{Scheme: "http", Host: cl.ln.Addr().String(), Path: cl.path}
	return u.String()
}

// Wait blocks until the redirect arrives or ctx is done.
func (cl *callbackListener) Wait(ctx context.Context) (callbackResult, error) {
	select {
	case res := <-cl.result:
		return res, nil
	case <-ctx.Done():
		return callbackResult{}, fmt.Errorf("%w: %w", ErrAuthorizationDenied, ctx.Err())
	}
}

// Close shuts the listener down.
func (cl *callbackListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cl.srv.Shutdown(ctx)
}

func (cl *callbackListener) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || r.URL.Path != cl.path {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	res := callbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	accepted := false
	cl.once.Do(func() {
		cl.result <- res
		accepted = true
	})
	if !accepted {
		http.Error(w, "Authorization was already received.", http.StatusGone)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.Error != "" {
		io.WriteString(w, "<h3>Authorization failed. You can close this tab.</h3>")
		return
	}
	io.WriteString(w, "<h3>Authorization received. You can close this tab.</h3>")
}
