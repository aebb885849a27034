// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package gmailhttp implements an HTTP client for gmail.

OAuth 2.0 tokens are acquired through the interactive login broker
(package oauth) with the installed application flow: the client id
and secret of a "Desktop app" OAuth client from the Google Cloud
console, and a loopback redirect to the broker's /oauth2/google path.

Some Google Workspace domains additionally require an API key on every
request; when one is configured it is added by
google.golang.org/api/googleapi/transport.

BUGS:

golang.org/x/oauth2 trusts the token's expiry time.  A token revoked
early fails with 401 until the cached expiry passes; the engine's
retry loop covers that.
*/
package gmailhttp

import (
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi/transport"
)

// Scope allows reading, labelling, trashing and inserting messages.
const Scope = gmail_api.GmailModifyScope

// Config returns the OAuth configuration for a Gmail account.
func Config(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       []string{Scope},
	}
}

// New returns a new HTTP client capable of using the GMail API.  base
// may be nil for http.DefaultTransport.
func New(src oauth2.TokenSource, base http.RoundTripper, apiKey string) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	if apiKey != "" {
		base = &transport.APIKey{Key: apiKey, Transport: base}
	}
	trans := &oauth2.Transport{
		Source: src,
		Base:   base,
	}
	return &http.Client{Transport: trans}
}
