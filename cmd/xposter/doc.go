// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Xposter posts news from RSS and Atom feeds, or text you write, to X.

# Usage

	$ xposter [flags...] <command> [args...]

# Commands

  - post <text>: Post text as is. Text longer than 280 characters is rejected.
  - news: Post the freshest feed entry that was not posted yet.
  - auto: Like news, but once immediately and then every -interval. Never
    asks for interactive authorization, so run authorize first.
  - authorize: Authorize xposter in a browser and store the issued tokens.
  - status: Show stored credentials and how many links were posted.

# Authorization

Xposter uses OAuth 2.0 authorization code flow with PKCE. On first use it logs
an authorization URL, tries to open it in a browser and waits for X to redirect
back to -redirect (http://127.0.0.1:8000/callback by default). The redirect URI
must be registered in the X developer portal.

Issued tokens are stored in the state directory and refreshed when they
expire. If X rejects an access token while posting, xposter renews it once and
retries.

In CI, where no browser is available, set X_REFRESH_TOKEN to a refresh token
obtained elsewhere; it is used when no tokens are stored.

# Environment Variables

  - X_CLIENT_ID: OAuth 2.0 client ID. Required.
  - X_CLIENT_SECRET: OAuth 2.0 client secret. Required.
  - X_REDIRECT_URI: Redirect URI, same as -redirect.
  - X_REFRESH_TOKEN: Refresh token to start from when no tokens are stored.
  - GEMINI_API_KEY: Gemini API key. When set, headlines are summarized with
    Gemini; otherwise posts are the hashtag followed by the headline.
  - STATE_DIRECTORY: Where to keep state, same as -state. Defaults to
    $XDG_STATE_HOME/xposter.

Variables can also be put into a .env file in the current directory (see
-env). Variables set in the environment take precedence.

# State

State is a directory with tokens.json and posted.json by default. It can also
be a SQLite database (-state sqlite:///path/to/state.db) or a PostgreSQL
database (-state postgres://...). Only one xposter at a time may use a state
directory.

# Configuration

Feeds are read from a Starlark file given by -config:

	feeds = [
	    feed(url = "https://www.aa.com.tr/tr/rss/default?cat=guncel"),
	    feed(url = "https://www.bbc.co.uk/news/world/rss.xml", title = "BBC"),
	]

The title, if set, replaces the feed's own title in logs. Without -config a
built-in list of Turkish and world news feeds is used.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/xposter/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
