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

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/matta/cloudmdir/internal/cloud"
	"github.com/matta/cloudmdir/internal/config"
	"github.com/matta/cloudmdir/internal/events"
	"github.com/matta/cloudmdir/internal/gmail"
	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/matta/cloudmdir/internal/maildir"
	"github.com/matta/cloudmdir/internal/msgdb"
	"github.com/matta/cloudmdir/internal/oauth"
	"github.com/matta/cloudmdir/internal/office365"
	"github.com/matta/cloudmdir/internal/persist"
	"github.com/matta/cloudmdir/internal/sync"
	"github.com/matta/cloudmdir/internal/tracehttp"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

func defaultTraceFile(c *config.Config) string {
	return filepath.Join(c.DBDir, "trace.log")
}

// Run builds everything c describes and synchronizes until ctx is done
// or a fatal error occurs.  Mailboxes, accounts and the broker are
// closed on return, whatever the reason.
func Run(ctx context.Context, c *config.Config) error {
	if err := os.MkdirAll(c.DBDir, 0700); err != nil {
		return errors.Wrapf(err, "creating %s", c.DBDir)
	}

	var transport http.RoundTripper
	if c.TraceFile != "" {
		f, err := os.OpenFile(c.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return errors.Wrap(err, "opening trace file")
		}
		defer f.Close()
		slog.Info("Tracing HTTP traffic", "file", c.TraceFile)
		transport = tracehttp.Wrap(http.DefaultTransport, f)
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: transport})
	}

	db, err := msgdb.Open(ctx, c.DBDir)
	if err != nil {
		return errors.Wrap(err, "unable to open message store")
	}
	defer db.Close()

	cache, err := oauth.OpenTokenCache(c.DBDir, oauth.KeyringKey(c.DBDir))
	if err != nil {
		return errors.Wrap(err, "unable to open token cache")
	}

	broker := oauth.NewBroker(c.OAuth.Listen)
	if err := broker.Start(); err != nil {
		return err
	}
	defer broker.Close()

	sig := mailbox.NewSignal()
	m, err := build(c, broker, cache, db.Index(), sig, transport)
	if err != nil {
		return err
	}
	defer m.closeAccounts()

	var pub events.Publisher = events.Nop{}
	if c.NATS.URL != "" {
		p, err := events.Connect(c.NATS.URL, c.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		pub = p
	}
	defer pub.Close()

	direct, err := c.Direct(m.locals)
	if err != nil {
		return err
	}
	return sync.Run(ctx, sync.Config{
		Locals:       m.localList,
		Clouds:       m.cloudList,
		Direct:       direct,
		UploadTarget: c.UploadTargets(m.locals, m.clouds),
		DB:           db,
		Signal:       sig,
		RetryDelay:   c.RetryDelay,
		Events:       pub,
	})
}

// mailboxes holds what build constructed.
type mailboxes struct {
	accounts  []io.Closer
	locals    map[string]mailbox.Local
	clouds    map[string]mailbox.Cloud
	localList []mailbox.Local
	cloudList []mailbox.Cloud
}

func (m *mailboxes) closeAccounts() {
	for _, a := range m.accounts {
		if err := a.Close(); err != nil {
			slog.Warn("Closing account failed", "err", err)
		}
	}
}

// build creates the accounts and mailboxes of c.  Nothing touches
// the network until the mailboxes are set up.
func build(c *config.Config, broker *oauth.Broker, cache *oauth.TokenCache, index *persist.DB,
	sig *mailbox.Signal, transport http.RoundTripper) (*mailboxes, error) {
	m := &mailboxes{
		locals: make(map[string]mailbox.Local),
		clouds: make(map[string]mailbox.Cloud),
	}
	o365 := make(map[string]*office365.Account)
	gmails := make(map[string]*gmail.Account)
	for _, a := range c.Accounts {
		switch a.Type {
		case config.TypeOffice365:
			acct := office365.NewAccount(a.Name, a.User, a.Tenant, a.ClientID, broker, cache)
			o365[a.Name] = acct
			m.accounts = append(m.accounts, acct)
		case config.TypeGmail:
			acct := gmail.NewAccount(a.Name, a.ClientID, a.ClientSecret, a.APIKey, broker, cache)
			acct.Transport = transport
			gmails[a.Name] = acct
			m.accounts = append(m.accounts, acct)
		default:
			return nil, errors.Errorf("account %q: unknown type %q", a.Name, a.Type)
		}
	}

	for _, cl := range c.Cloud {
		var p cloud.Provider
		if acct, ok := o365[cl.Account]; ok {
			p = office365.NewFolder(acct, cl.Folder)
		} else if acct, ok := gmails[cl.Account]; ok {
			p = gmail.NewLabel(acct, cl.Label, cl.Name, index)
		} else {
			return nil, errors.Errorf("cloud mailbox %q: unknown account %q", cl.Name, cl.Account)
		}
		mb := cloud.New(cl.Name, p, cl.PollInterval, sig)
		m.clouds[cl.Name] = mb
		m.cloudList = append(m.cloudList, mb)
	}

	for _, l := range c.Local {
		mb := maildir.New(l.Name, l.Path, sig)
		m.locals[l.Name] = mb
		m.localList = append(m.localList, mb)
	}
	return m, nil
}

// describe prints the mailboxes of c and where their messages go.
func describe(w io.Writer, c *config.Config) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "MAILBOX\tKIND\tSOURCE\tROUTED TO")
	route := make(map[string]string)
	for _, r := range c.Routes {
		route[r.Cloud] = r.Local
	}
	fallback := ""
	if len(c.Local) > 0 {
		fallback = c.Local[0].Name
	}
	for _, cl := range c.Cloud {
		a, _ := c.Account(cl.Account)
		source := a.Name + ":" + cl.Folder
		if a.Type == config.TypeGmail {
			source = a.Name + ":" + cl.Label
		}
		dst := route[cl.Name]
		if dst == "" {
			dst = fallback
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", cl.Name, a.Type, source, dst)
	}
	for _, l := range c.Local {
		up := l.UploadTo
		if up == "" && len(c.Cloud) > 0 {
			up = c.Cloud[0].Name
		}
		fmt.Fprintf(tw, "%s\tmaildir\t%s\tuploads to %s\n", l.Name, l.Path, up)
	}
}
