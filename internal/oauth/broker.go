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

// Package oauth runs the local web server that hands interactive OAuth
// 2.0 logins to a browser, and keeps the resulting tokens.
//
// The user points a browser at the server's root.  Whenever an account
// needs an interactive login the root redirects to the provider's
// authorization page; the provider redirects back to a callback path,
// which resumes the waiting login and sends the browser on to the next
// pending login, if any.  Any number of logins may be pending at once.
package oauth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Callback paths registered with the providers.
const (
	MSALPath   = "/oauth2/msal"
	GooglePath = "/oauth2/google"
)

const donePage = "Authentication done"

type pending struct {
	target string
	seq    uint64
	// Receives the callback's query parameters exactly once.
	result chan url.Values
}

// Broker multiplexes interactive logins over one local HTTP listener.
type Broker struct {
	listen string

	mu      sync.Mutex
	pending map[string]*pending
	seq     uint64

	engine *gin.Engine
	srv    *http.Server
	ln     net.Listener
}

// NewBroker returns a broker that will listen on addr (host:port) once
// started.
func NewBroker(addr string) *Broker {
	b := &Broker{
		listen:  addr,
		pending: make(map[string]*pending),
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/", b.root)
	r.GET(MSALPath, b.callback)
	r.GET(GooglePath, b.callback)
	b.engine = r
	return b
}

// Handler returns the broker's HTTP handler.
func (b *Broker) Handler() http.Handler {
	return b.engine
}

// Start begins serving.  It returns once the listener is bound.
func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", b.listen)
	}
	b.ln = ln
	b.srv = &http.Server{
		Handler:           b.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := b.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("OAuth web server stopped", "err", err)
		}
	}()
	slog.Info("OAuth web server listening", "url", b.URL())
	return nil
}

// Close stops the listener.  Pending logins are not resolved.
func (b *Broker) Close() error {
	if b.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.srv.Shutdown(ctx)
	b.srv = nil
	return err
}

// URL returns the root URL the user should open.
func (b *Broker) URL() string {
	host := b.listen
	if b.ln != nil {
		host = b.ln.Addr().String()
	}
	return "http://" + host + "/"
}

// RedirectURL returns the absolute callback URL for path, for use as
// an OAuth redirect_uri.  Providers accept "localhost" for loopback
// redirects, so the host is kept as configured.
func (b *Broker) RedirectURL(path string) string {
	return "http://" + b.listen + path
}

// NewState returns a fresh, unguessable OAuth state value.
func NewState() string {
	return uuid.NewString()
}

// Pending returns the number of logins waiting on the browser.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// AuthRedir registers target as the page the browser must visit to
// complete the login identified by state, then blocks until the
// provider redirects back with that state.  It returns the query
// parameters of that redirect.
//
// Registering a state that is already pending replaces the earlier
// registration; its caller keeps waiting until ctx is done.
func (b *Broker) AuthRedir(ctx context.Context, target, state string) (url.Values, error) {
	p := &pending{target: target, result: make(chan url.Values, 1)}
	b.mu.Lock()
	b.seq++
	p.seq = b.seq
	if _, dup := b.pending[state]; dup {
		slog.Warn("OAuth state registered twice, replacing", "state", state)
	}
	b.pending[state] = p
	b.mu.Unlock()

	slog.Info("Interactive login required, open the OAuth web server", "url", b.URL())

	select {
	case q := <-p.result:
		return q, nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.pending[state] == p {
			delete(b.pending, state)
		}
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// next returns the target of the oldest pending login.
func (b *Broker) next() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var oldest *pending
	for _, p := range b.pending {
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	if oldest == nil {
		return "", false
	}
	return oldest.target, true
}

func (b *Broker) root(c *gin.Context) {
	if target, ok := b.next(); ok {
		c.Redirect(http.StatusFound, target)
		return
	}
	c.String(http.StatusOK, donePage)
}

func (b *Broker) callback(c *gin.Context) {
	q := c.Request.URL.Query()
	state := q.Get("state")

	b.mu.Lock()
	p, ok := b.pending[state]
	if ok {
		delete(b.pending, state)
	}
	b.mu.Unlock()

	if ok {
		p.result <- q
	} else {
		slog.Debug("Ignoring OAuth callback with unknown state", "state", state)
	}

	if target, ok := b.next(); ok {
		c.Redirect(http.StatusFound, target)
		return
	}
	c.Redirect(http.StatusFound, "/")
}
