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

// Package cloud implements the mailbox.Cloud contract on top of a
// provider's message API.  Providers (see packages office365 and
// gmail) only list, fetch and modify single messages; the snapshot,
// body caching, polling and merge rules live here.
package cloud

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/matta/cloudmdir/internal/message"
	"github.com/matta/cloudmdir/internal/msgdb"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrMessageNotFound is returned by a Provider for a message that
// disappeared.
var ErrMessageNotFound = errors.New("cloud message not found")

// fetchParallel bounds concurrent body downloads per mailbox.
const fetchParallel = 8

// Remote describes one message as listed by a provider.
type Remote struct {
	ID       string
	Flags    message.Flags
	Received time.Time
}

// Provider is one folder of a cloud account.
type Provider interface {
	// Setup logs in.  Several providers may share an account; the
	// account serializes the interactive login.
	Setup(ctx context.Context) error

	// List returns every message in the folder.
	List(ctx context.Context) ([]Remote, error)

	// Fetch returns the RFC 822 form of a message.
	Fetch(ctx context.Context, id string) ([]byte, error)

	// SetFlags replaces the supported flags of a message.
	SetFlags(ctx context.Context, id string, flags message.Flags) error

	// Delete moves a message to the provider's trash.
	Delete(ctx context.Context, id string) error

	// Upload adds a message to the folder and returns its id.
	Upload(ctx context.Context, raw []byte, flags message.Flags) (string, error)

	// Flags returns the flags the provider can represent.
	Flags() message.Flags

	Close() error
}

// ChangeDetector is implemented by providers that can tell cheaply
// whether the folder changed since the last List.
type ChangeDetector interface {
	Changed(ctx context.Context) (bool, error)
}

// Mailbox is a cloud mailbox backed by a Provider.
type Mailbox struct {
	mailbox.Base

	provider Provider
	poll     time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a cloud mailbox.  A zero poll disables polling.
func New(name string, p Provider, poll time.Duration, signal *mailbox.Signal) *Mailbox {
	return &Mailbox{
		Base:     mailbox.NewBase(name, signal),
		provider: p,
		poll:     poll,
	}
}

func (m *Mailbox) Setup(ctx context.Context) error {
	if err := m.provider.Setup(ctx); err != nil {
		return errors.Wrapf(err, "setting up %s", m.Name())
	}
	if m.poll > 0 {
		pctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		go func() {
			defer close(m.done)
			m.Poll(pctx, m.poll, m.changed)
		}()
	}
	return nil
}

func (m *Mailbox) Close() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	return m.provider.Close()
}

// changed reports whether the folder differs from the snapshot.
func (m *Mailbox) changed(ctx context.Context) (bool, error) {
	if d, ok := m.provider.(ChangeDetector); ok {
		return d.Changed(ctx)
	}
	remotes, err := m.provider.List(ctx)
	if err != nil {
		return false, err
	}
	msgs := m.Messages()
	if len(remotes) != len(msgs) {
		return true, nil
	}
	for _, r := range remotes {
		rec, ok := msgs[mailbox.ChangeKey(r.ID)]
		if !ok || rec.Flags != r.Flags {
			return true, nil
		}
	}
	return false, nil
}

// UpdateMessageList lists the folder and downloads any body not
// already in the message store.
func (m *Mailbox) UpdateMessageList(ctx context.Context, db *msgdb.DB) error {
	m.BeginUpdate()
	remotes, err := m.provider.List(ctx)
	if err != nil {
		return errors.Wrapf(err, "listing %s", m.Name())
	}

	var mu sync.Mutex
	msgs := make(mailbox.Snapshot, len(remotes))
	var fetched int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for _, r := range remotes {
		g.Go(func() error {
			hash, downloaded, err := m.content(gctx, db, r.ID)
			if errors.Is(err, ErrMessageNotFound) {
				slog.Debug("Message vanished while listing", "mailbox", m.Name(), "id", r.ID)
				return nil
			}
			if err != nil {
				return err
			}
			key := mailbox.ChangeKey(r.ID)
			mu.Lock()
			defer mu.Unlock()
			if downloaded {
				fetched++
			}
			msgs[key] = &mailbox.Record{
				Key:      key,
				Hash:     hash,
				Flags:    r.Flags,
				Mailbox:  m,
				CloudID:  r.ID,
				Received: r.Received,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.Publish(msgs)
	slog.Info("Listed cloud mailbox", "mailbox", m.Name(), "count", len(msgs), "downloaded", fetched)
	return nil
}

// content returns the body hash for id, downloading the body if the
// store lacks it.
func (m *Mailbox) content(ctx context.Context, db *msgdb.DB, id string) (string, bool, error) {
	index := db.Index()
	hash, err := index.CloudContent(ctx, m.Name(), id)
	if err != nil {
		return "", false, err
	}
	if hash != "" && db.Has(hash) {
		return hash, false, nil
	}
	raw, err := m.provider.Fetch(ctx, id)
	if err != nil {
		return "", false, errors.Wrapf(err, "fetching %s from %s", id, m.Name())
	}
	hash, err = db.Put(ctx, message.ToUnix(raw))
	if err != nil {
		return "", false, err
	}
	if err := index.SetCloudContent(ctx, m.Name(), id, hash); err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// inSync compares a tuple on the flags the provider can store.
func (m *Mailbox) inSync(t mailbox.Tuple) bool {
	if t.Local == nil || t.Cloud == nil {
		return false
	}
	mask := m.provider.Flags()
	return t.Local.Hash == t.Cloud.Hash && t.Local.Flags&mask == t.Cloud.Flags&mask
}

func (m *Mailbox) SameTuples(set mailbox.TupleSet) bool {
	for _, t := range set {
		if !m.inSync(t) {
			return false
		}
	}
	return true
}

// MergeContent applies local changes to the folder.  A tuple whose
// cloud record is no longer current is skipped: the next cycle routes
// the newer cloud state down instead.
func (m *Mailbox) MergeContent(ctx context.Context, db *msgdb.DB, set mailbox.TupleSet) error {
	current := m.Messages()
	present := make(map[string]struct{}, len(current))
	current.Hashes(present)
	var uploaded, deleted, flagged int
	defer func() {
		if uploaded+deleted+flagged > 0 {
			m.Invalidate()
			slog.Info("Merged local changes", "mailbox", m.Name(),
				"uploaded", uploaded, "deleted", deleted, "flagged", flagged)
		}
	}()

	for key, t := range set {
		if m.inSync(t) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if t.Cloud == nil {
			if t.Local == nil {
				continue
			}
			if _, dup := present[t.Local.Hash]; dup {
				// Uploaded by an interrupted earlier cycle.
				continue
			}
			ok, err := m.upload(ctx, db, t.Local)
			if err != nil {
				return err
			}
			if ok {
				uploaded++
				present[t.Local.Hash] = struct{}{}
			}
			continue
		}

		if cur := current[key]; cur == nil || !cur.Same(t.Cloud) {
			slog.Debug("Cloud message changed since routing, not merging", "mailbox", m.Name(), "key", key)
			continue
		}

		switch {
		case t.Local == nil:
			if err := m.provider.Delete(ctx, t.Cloud.CloudID); err != nil && !errors.Is(err, ErrMessageNotFound) {
				return errors.Wrapf(err, "deleting %s from %s", t.Cloud.CloudID, m.Name())
			}
			deleted++
		case t.Local.Hash != t.Cloud.Hash:
			ok, err := m.upload(ctx, db, t.Local)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			uploaded++
			if err := m.provider.Delete(ctx, t.Cloud.CloudID); err != nil && !errors.Is(err, ErrMessageNotFound) {
				return errors.Wrapf(err, "deleting replaced %s from %s", t.Cloud.CloudID, m.Name())
			}
			deleted++
		default:
			mask := m.provider.Flags()
			want := t.Local.Flags & mask
			if err := m.provider.SetFlags(ctx, t.Cloud.CloudID, want); err != nil && !errors.Is(err, ErrMessageNotFound) {
				return errors.Wrapf(err, "setting flags on %s in %s", t.Cloud.CloudID, m.Name())
			}
			flagged++
		}
	}
	return nil
}

// upload sends a local message to the folder.  It reports false when
// the local file vanished before it could be read.
func (m *Mailbox) upload(ctx context.Context, db *msgdb.DB, local *mailbox.Record) (bool, error) {
	raw, err := os.ReadFile(local.Path)
	if os.IsNotExist(err) {
		slog.Debug("Local message vanished before upload", "path", local.Path)
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "reading %s", local.Path)
	}
	if h, err := message.ParseHeader(raw); err == nil {
		slog.Info("Uploading message", "mailbox", m.Name(), "subject", h.Subject, "message_id", h.MessageID)
	}

	id, err := m.provider.Upload(ctx, message.ToCRLF(raw), local.Flags&m.provider.Flags())
	if err != nil {
		return false, errors.Wrapf(err, "uploading %s to %s", local.Path, m.Name())
	}
	hash, err := db.Put(ctx, message.ToUnix(raw))
	if err != nil {
		return false, err
	}
	if err := db.Index().SetCloudContent(ctx, m.Name(), id, hash); err != nil {
		return false, err
	}
	return true, nil
}
