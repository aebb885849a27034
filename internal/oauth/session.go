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

package oauth

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Session is the logged in state of one account.  Several mailboxes of
// the same account share a Session; the first Login performs the
// interactive flow and the rest reuse its token.
type Session struct {
	Name   string
	Config *oauth2.Config

	// AuthOptions are added to the authorization URL.
	AuthOptions []oauth2.AuthCodeOption

	// Identity, if set, extracts the user name from a freshly
	// exchanged token.  It is remembered and sent as login_hint on
	// the next interactive login.
	Identity func(*oauth2.Token) string

	broker *Broker
	cache  *TokenCache

	mu  sync.Mutex
	src oauth2.TokenSource
	// Context for token refreshes; carries the HTTP client.
	ctx context.Context
}

func NewSession(name string, conf *oauth2.Config, broker *Broker, cache *TokenCache) *Session {
	return &Session{
		Name:   name,
		Config: conf,
		broker: broker,
		cache:  cache,
	}
}

// Login makes the session usable, reusing a cached token when it can
// still be refreshed.  Later token refreshes use the HTTP client
// carried by ctx (see oauth2.HTTPClient) but not its deadline.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.src != nil {
		return nil
	}
	s.ctx = context.WithoutCancel(ctx)

	cached := s.cache.Get(s.Name)
	if cached.Token != nil {
		src := s.Config.TokenSource(ctx, cached.Token)
		tok, err := src.Token()
		if err == nil {
			s.install(tok, cached.LoginHint)
			if tok.AccessToken != cached.Token.AccessToken {
				s.save(tok, cached.LoginHint)
			}
			slog.Debug("Using cached OAuth token", "account", s.Name)
			return nil
		}
		if !needsLogin(err) {
			return errors.Wrapf(err, "refreshing token for %s", s.Name)
		}
		slog.Info("Cached OAuth token rejected, logging in again", "account", s.Name, "err", err)
	}

	tok, err := s.interactive(ctx, cached.LoginHint)
	if err != nil {
		return err
	}
	hint := cached.LoginHint
	if s.Identity != nil {
		if id := s.Identity(tok); id != "" {
			hint = id
		}
	}
	s.install(tok, hint)
	s.save(tok, hint)
	return nil
}

// needsLogin reports whether err means the refresh token is no longer
// accepted.
func needsLogin(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	return re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
}

func (s *Session) interactive(ctx context.Context, hint string) (*oauth2.Token, error) {
	state := NewState()
	verifier := oauth2.GenerateVerifier()
	opts := append([]oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	}, s.AuthOptions...)
	if hint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", hint))
	}

	q, err := s.broker.AuthRedir(ctx, s.Config.AuthCodeURL(state, opts...), state)
	if err != nil {
		return nil, errors.Wrapf(err, "waiting for login to %s", s.Name)
	}
	if e := q.Get("error"); e != "" {
		return nil, errors.Errorf("login to %s failed: %s: %s", s.Name, e, q.Get("error_description"))
	}
	code := q.Get("code")
	if code == "" {
		return nil, errors.Errorf("login to %s returned no authorization code", s.Name)
	}
	tok, err := s.Config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, errors.Wrapf(err, "exchanging authorization code for %s", s.Name)
	}
	slog.Info("Logged in", "account", s.Name)
	return tok, nil
}

// install sets up a token source that writes refreshed tokens back to
// the cache.
func (s *Session) install(tok *oauth2.Token, hint string) {
	saving := &savingSource{
		session: s,
		hint:    hint,
		last:    tok.AccessToken,
		base:    s.Config.TokenSource(s.ctx, tok),
	}
	s.src = oauth2.ReuseTokenSource(tok, saving)
}

func (s *Session) save(tok *oauth2.Token, hint string) {
	if err := s.cache.Put(s.Name, CachedToken{Token: tok, LoginHint: hint}); err != nil {
		slog.Warn("Unable to save OAuth token", "account", s.Name, "err", err)
	}
}

// TokenSource returns the session's token source.  Login must have
// succeeded.
func (s *Session) TokenSource() oauth2.TokenSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

// Client returns an HTTP client that authorizes its requests.  Login
// must have succeeded.
func (s *Session) Client() *http.Client {
	return oauth2.NewClient(s.ctx, s.TokenSource())
}

// Close forgets the in-memory token source.  The cache keeps the token.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = nil
	return nil
}

type savingSource struct {
	session *Session
	hint    string

	mu   sync.Mutex
	last string
	base oauth2.TokenSource
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()
	if changed {
		s.session.save(tok, s.hint)
	}
	return tok, nil
}
