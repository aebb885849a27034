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

// Package sync is the reconciliation engine.  It keeps every local
// mailbox equal to the cloud messages routed to it, and pushes local
// edits (flag changes, deletions, new messages) up to the cloud.
//
// Each cycle refreshes the dirty mailboxes, merges local changes made
// since the previous cycle into the cloud, and then forces every local
// mailbox to the routed cloud content.  Between cycles the engine
// sleeps on the shared change signal.
package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/matta/cloudmdir/internal/events"
	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/matta/cloudmdir/internal/msgdb"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultRetryDelay is the pause after a failed cycle.
const DefaultRetryDelay = 10 * time.Second

type Config struct {
	Locals []mailbox.Local
	Clouds []mailbox.Cloud

	// Direct routes a cloud message to a local mailbox.  Nil routes
	// everything to the first local mailbox.
	Direct mailbox.DirectFunc

	// UploadTarget names the cloud mailbox that receives messages
	// created in a local mailbox.  Locals without an entry upload to
	// the first cloud mailbox.
	UploadTarget map[mailbox.Local]mailbox.Cloud

	DB     *msgdb.DB
	Signal *mailbox.Signal

	// RetryDelay defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// Events receives the outcome of every cycle.  Nil discards.
	Events events.Publisher
}

// Routing is the target content of every local mailbox, as computed
// by the last force.
type Routing map[mailbox.Local]mailbox.Snapshot

// Hashes returns the body hashes referenced by the routing.
func (r Routing) Hashes() map[string]struct{} {
	live := make(map[string]struct{})
	for _, target := range r {
		target.Hashes(live)
	}
	return live
}

type Engine struct {
	cfg Config

	// routing is the result of the last completed cycle, nil before
	// the first one.
	routing Routing

	// everRouted holds, per local mailbox, the keys handed to
	// ForceContent that may still be on disk.  A key in here that
	// is missing from routing came from the cloud, and is never
	// uploaded back.
	everRouted map[mailbox.Local]map[mailbox.ChangeKey]bool

	cycles int
}

// New checks cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("sync: no message store")
	}
	if cfg.Signal == nil {
		return nil, errors.New("sync: no change signal")
	}
	if cfg.Direct == nil {
		cfg.Direct = firstLocal(cfg.Locals)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	return &Engine{
		cfg:        cfg,
		everRouted: make(map[mailbox.Local]map[mailbox.ChangeKey]bool),
	}, nil
}

func firstLocal(locals []mailbox.Local) mailbox.DirectFunc {
	return func(*mailbox.Record) mailbox.Local {
		if len(locals) == 0 {
			return nil
		}
		return locals[0]
	}
}

// Routing returns the routing of the last completed cycle.
func (e *Engine) Routing() Routing { return e.routing }

func (e *Engine) mailboxes() []mailbox.Mailbox {
	all := make([]mailbox.Mailbox, 0, len(e.cfg.Locals)+len(e.cfg.Clouds))
	for _, l := range e.cfg.Locals {
		all = append(all, l)
	}
	for _, c := range e.cfg.Clouds {
		all = append(all, c)
	}
	return all
}

// Setup runs every mailbox's Setup concurrently.  Interactive logins
// are multiplexed by the OAuth broker.
func (e *Engine) Setup(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, mbox := range e.mailboxes() {
		g.Go(func() error {
			return mbox.Setup(ctx)
		})
	}
	return g.Wait()
}

// Close closes every mailbox and returns the first error.
func (e *Engine) Close() error {
	var first error
	for _, mbox := range e.mailboxes() {
		if err := mbox.Close(); err != nil {
			slog.Warn("Closing mailbox failed", "mailbox", mbox.Name(), "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// refresh lists every dirty mailbox concurrently.
func (e *Engine) refresh(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, mbox := range e.mailboxes() {
		if !mbox.NeedUpdate() {
			continue
		}
		g.Go(func() error {
			return mbox.UpdateMessageList(gctx, e.cfg.DB)
		})
	}
	return g.Wait()
}

func (e *Engine) invalidate() {
	for _, mbox := range e.mailboxes() {
		mbox.Invalidate()
	}
}

func (e *Engine) uploadTarget(local mailbox.Local) mailbox.Cloud {
	if c, ok := e.cfg.UploadTarget[local]; ok && c != nil {
		return c
	}
	if len(e.cfg.Clouds) == 0 {
		return nil
	}
	return e.cfg.Clouds[0]
}

// Cycle runs one refresh, merge and force.  On error the routing of
// the last completed cycle is kept.
func (e *Engine) Cycle(ctx context.Context) error {
	if err := e.refresh(ctx); err != nil {
		return err
	}
	if e.routing != nil {
		if err := e.updateCloudFromLocal(ctx); err != nil {
			return err
		}
		// Merging marks the changed cloud mailboxes dirty; list
		// them again so uploads come back down in this cycle.
		if err := e.refresh(ctx); err != nil {
			return err
		}
	}
	routing, err := e.forceLocalToCloud(ctx)
	if err != nil {
		return err
	}
	e.routing = routing
	return nil
}

// updateCloudFromLocal compares every local mailbox against the
// routing of the previous cycle and merges the differences into the
// cloud mailboxes the messages came from.
func (e *Engine) updateCloudFromLocal(ctx context.Context) error {
	sets := make(map[mailbox.Cloud]mailbox.TupleSet)
	add := func(c mailbox.Cloud, key mailbox.ChangeKey, t mailbox.Tuple) {
		set := sets[c]
		if set == nil {
			set = mailbox.TupleSet{}
			sets[c] = set
		}
		set[key] = t
	}

	for _, local := range e.cfg.Locals {
		routed := e.routing[local]
		current := local.Messages()
		for key, crec := range routed {
			c, ok := crec.Mailbox.(mailbox.Cloud)
			if !ok {
				continue
			}
			add(c, key, mailbox.Tuple{Local: current[key], Cloud: crec})
		}

		target := e.uploadTarget(local)
		for key, lrec := range current {
			if _, ok := routed[key]; ok {
				continue
			}
			if e.everRouted[local][key] || target == nil {
				continue
			}
			add(target, key, mailbox.Tuple{Local: lrec})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for c, set := range sets {
		if c.SameTuples(set) {
			continue
		}
		g.Go(func() error {
			return c.MergeContent(gctx, e.cfg.DB, set)
		})
	}
	return g.Wait()
}

// forceLocalToCloud routes every cloud message to a local mailbox and
// makes each local mailbox hold exactly what was routed to it.
func (e *Engine) forceLocalToCloud(ctx context.Context) (Routing, error) {
	routing := make(Routing, len(e.cfg.Locals))
	for _, l := range e.cfg.Locals {
		routing[l] = mailbox.Snapshot{}
	}
	for _, c := range e.cfg.Clouds {
		for key, rec := range c.Messages() {
			local := e.cfg.Direct(rec)
			if local == nil {
				return nil, errors.Wrapf(mailbox.ErrNoLocalMailbox, "routing %s from %s", key, c.Name())
			}
			target, ok := routing[local]
			if !ok {
				return nil, errors.Errorf("message %s from %s routed to unknown mailbox %s", key, c.Name(), local.Name())
			}
			if prev, dup := target[key]; dup {
				slog.Debug("Message routed twice, keeping first", "key", key,
					"first", prev.Mailbox.Name(), "second", c.Name())
				continue
			}
			target[key] = rec
		}
	}

	for _, local := range e.cfg.Locals {
		target := routing[local]
		if local.SameMessages(target) {
			e.everRouted[local] = keySet(target)
			continue
		}
		seen := e.everRouted[local]
		if seen == nil {
			seen = make(map[mailbox.ChangeKey]bool)
			e.everRouted[local] = seen
		}
		for key := range target {
			seen[key] = true
		}
		if err := local.ForceContent(ctx, e.cfg.DB, target); err != nil {
			return nil, errors.Wrapf(err, "updating %s", local.Name())
		}
		e.everRouted[local] = keySet(target)
	}
	return routing, nil
}

func keySet(s mailbox.Snapshot) map[mailbox.ChangeKey]bool {
	keys := make(map[mailbox.ChangeKey]bool, len(s))
	for k := range s {
		keys[k] = true
	}
	return keys
}

// Run cycles until ctx is done or a cycle fails with an error that is
// not transient.  Transient failures are retried forever after
// RetryDelay.
func (e *Engine) Run(ctx context.Context) error {
	for {
		start := time.Now()
		e.cycles++
		err := e.Cycle(ctx)
		e.publish(ctx, start, err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !IsTransient(err) {
				return err
			}
			slog.Error("Failed update cycle, sleeping then retrying", "err", err)
			if err := sleep(ctx, e.cfg.RetryDelay); err != nil {
				return err
			}
			e.invalidate()
			continue
		}

		if err := e.cfg.Signal.Wait(ctx); err != nil {
			return err
		}
		slog.Debug("Changed event, looping")
		if err := e.cfg.DB.Cleanup(ctx, e.routing.Hashes()); err != nil {
			if !IsTransient(err) {
				return errors.Wrap(err, "cleaning up message store")
			}
			slog.Warn("Message store cleanup failed", "err", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) publish(ctx context.Context, start time.Time, err error) {
	ev := events.NewCycle(e.cycles, start, err)
	ev.Local = make(map[string]int, len(e.cfg.Locals))
	for _, l := range e.cfg.Locals {
		ev.Local[l.Name()] = len(l.Messages())
	}
	ev.Cloud = make(map[string]int, len(e.cfg.Clouds))
	for _, c := range e.cfg.Clouds {
		ev.Cloud[c.Name()] = len(c.Messages())
	}
	if err := e.cfg.Events.Publish(ctx, ev); err != nil {
		slog.Warn("Publishing cycle event failed", "err", err)
	}
}

// Run sets up every mailbox in cfg and synchronizes until ctx is done
// or a fatal error occurs.  The mailboxes are closed on return.
func Run(ctx context.Context, cfg Config) error {
	e, err := New(cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.Setup(ctx); err != nil {
		return errors.Wrap(err, "setting up mailboxes")
	}
	return e.Run(ctx)
}
