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

// Package maildir implements a local mailbox stored as a maildir.
//
// Messages routed from the cloud are written to cur/ with a file name
// that encodes their change key, so a restart recognizes them.  Files
// delivered by other programs get the key "local-<hash>" and are
// candidates for upload.
package maildir

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/matta/cloudmdir/internal/msgdb"
	"github.com/matta/cloudmdir/internal/persist"
	"github.com/pkg/errors"
)

const (
	dirFileMode = 0700

	// LocalKeyPrefix starts the change key of a message that was
	// not written by this program.
	LocalKeyPrefix = "local-"

	// How long after a write of our own a file system event for the
	// same name is ignored.
	suppressWindow = 2 * time.Second

	// How long file system events are collected before the engine
	// is woken.
	debounce = 200 * time.Millisecond
)

type Mailbox struct {
	mailbox.Base

	// Path to the maildir; contains cur, new and tmp.
	path string

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	// File names this program touched recently, mapped to the
	// time after which events for them are no longer ignored.
	mu   sync.Mutex
	ours map[string]time.Time
}

// New returns a maildir mailbox at path.  Setup creates it if needed.
func New(name, path string, signal *mailbox.Signal) *Mailbox {
	return &Mailbox{
		Base: mailbox.NewBase(name, signal),
		path: path,
		ours: make(map[string]time.Time),
	}
}

func (m *Mailbox) Path() string { return m.path }

func mkdir(dir string) error {
	if err := os.MkdirAll(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

// Setup creates the maildir directories and starts watching them.
func (m *Mailbox) Setup(ctx context.Context) error {
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := mkdir(filepath.Join(m.path, sub)); err != nil {
			return errors.Wrapf(err, "creating maildir %s", m.path)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file system watcher")
	}
	for _, sub := range []string{"cur", "new"} {
		if err := w.Add(filepath.Join(m.path, sub)); err != nil {
			w.Close()
			return errors.Wrapf(err, "watching %s", m.path)
		}
	}
	m.watcher = w
	wctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.watch(wctx)
	return nil
}

func (m *Mailbox) Close() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	err := m.watcher.Close()
	<-m.done
	m.cancel = nil
	return err
}

// suppress records that name is about to be changed by this program.
func (m *Mailbox) suppress(name string) {
	m.mu.Lock()
	m.ours[name] = time.Now().Add(suppressWindow)
	m.mu.Unlock()
}

// isOurs reports whether an event for name was caused by this program.
func (m *Mailbox) isOurs(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for n, until := range m.ours {
		if now.After(until) {
			delete(m.ours, n)
		}
	}
	_, ok := m.ours[name]
	return ok
}

func (m *Mailbox) watch(ctx context.Context) {
	defer close(m.done)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if m.isOurs(filepath.Base(ev.Name)) {
				continue
			}
			slog.Debug("maildir changed", "mailbox", m.Name(), "event", ev.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			// Overflow means events were lost; rescan.
			slog.Warn("maildir watch error", "mailbox", m.Name(), "err", err)
			m.Changed()
		case <-fire:
			fire = nil
			m.Changed()
		}
	}
}

// scan lists the maildir, hashing new or modified files.  Keys are
// unique in the result: a second file claiming a key already seen is
// treated as a locally created message.
func (m *Mailbox) scan(ctx context.Context, index *persist.DB) (mailbox.Snapshot, error) {
	msgs := mailbox.Snapshot{}
	for _, sub := range []string{"cur", "new"} {
		dir := filepath.Join(m.path, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s", dir)
		}
		// Deterministic key assignment for duplicates.
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			rec, err := m.record(ctx, index, filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			if _, dup := msgs[rec.Key]; dup || rec.Key == "" {
				rec.Key = mailbox.ChangeKey(LocalKeyPrefix + rec.Hash)
			}
			if _, dup := msgs[rec.Key]; dup {
				// Two files with identical content
				// and no key of ours; one is enough.
				continue
			}
			msgs[rec.Key] = rec
		}
	}
	return msgs, nil
}

// record builds the Record for the file at path.
func (m *Mailbox) record(ctx context.Context, index *persist.DB, path string) (*mailbox.Record, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	stem, _ := splitInfo(path)
	mtime := fi.ModTime().UnixNano()
	hash, err := index.LocalFileHash(ctx, stem, fi.Size(), mtime)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		var n int64
		hash, n, err = msgdb.HashFile(path)
		if err != nil {
			return nil, err
		}
		if err := index.SetLocalFile(ctx, persist.LocalFile{Path: stem, Size: n, MTime: mtime, Hash: hash}); err != nil {
			return nil, err
		}
	}

	b, ours := decode(filepath.Base(path))
	rec := &mailbox.Record{
		Hash:     hash,
		Flags:    b.flags,
		Mailbox:  m,
		Path:     path,
		Received: fi.ModTime(),
	}
	if ours {
		rec.Key = b.key
	}
	return rec, nil
}

// UpdateMessageList rescans the maildir.
func (m *Mailbox) UpdateMessageList(ctx context.Context, db *msgdb.DB) error {
	m.BeginUpdate()
	msgs, err := m.scan(ctx, db.Index())
	if err != nil {
		return errors.Wrapf(err, "scanning maildir %s", m.path)
	}
	m.Publish(msgs)
	slog.Debug("maildir listed", "mailbox", m.Name(), "count", len(msgs))
	return nil
}

// ForceContent makes the maildir hold exactly target.  It works from
// the last listed snapshot, not from the disk: files delivered since
// are left alone and mark the mailbox changed, so the next cycle lists
// them.  A listed file renamed meanwhile fails the force with a
// not-exist error.  New bodies are materialized in tmp/ and renamed
// into cur/, so an interrupted force leaves only complete messages
// and a rerun converges.
func (m *Mailbox) ForceContent(ctx context.Context, db *msgdb.DB, target mailbox.Snapshot) error {
	index := db.Index()
	current := m.Messages()

	var created, updated, removed int
	for key, rec := range current {
		if _, ok := target[key]; ok {
			continue
		}
		if err := m.remove(ctx, index, rec.Path); err != nil {
			m.Invalidate()
			return err
		}
		removed++
	}

	result := make(mailbox.Snapshot, len(target))
	for key, want := range target {
		if err := ctx.Err(); err != nil {
			m.Invalidate()
			return err
		}
		name := basename{key: key, flags: want.Flags}.encode()
		dst := filepath.Join(m.path, "cur", name)

		have, ok := current[key]
		switch {
		case ok && have.Hash == want.Hash:
			if have.Path != dst {
				m.suppress(filepath.Base(have.Path))
				m.suppress(name)
				if err := os.Rename(have.Path, dst); err != nil {
					m.Invalidate()
					return errors.Wrapf(err, "renaming %s", have.Path)
				}
				updated++
			}
		default:
			if err := m.deliver(ctx, db, want.Hash, dst); err != nil {
				m.Invalidate()
				return err
			}
			if ok && have.Path != dst {
				if err := m.remove(ctx, index, have.Path); err != nil {
					m.Invalidate()
					return err
				}
			}
			if ok {
				updated++
			} else {
				created++
			}
		}

		result[key] = &mailbox.Record{
			Key:      key,
			Hash:     want.Hash,
			Flags:    want.Flags,
			Mailbox:  m,
			Path:     dst,
			Received: want.Received,
		}
	}
	m.Publish(result)
	slog.Info("maildir forced", "mailbox", m.Name(),
		"created", created, "updated", updated, "removed", removed)

	extra, err := m.untracked(result)
	if err != nil {
		m.Invalidate()
		return errors.Wrapf(err, "listing maildir %s", m.path)
	}
	if extra {
		slog.Debug("maildir has unlisted files", "mailbox", m.Name())
		m.Changed()
	}
	return nil
}

// remove deletes a listed file.  A file already gone is not an error:
// if it was renamed rather than deleted, untracked finds it.
func (m *Mailbox) remove(ctx context.Context, index *persist.DB, path string) error {
	m.suppress(filepath.Base(path))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", path)
	}
	stem, _ := splitInfo(path)
	return index.DeleteLocalFile(ctx, stem)
}

// untracked reports whether cur or new hold a message file that is
// not in known.
func (m *Mailbox) untracked(known mailbox.Snapshot) (bool, error) {
	paths := make(map[string]bool, len(known))
	for _, r := range known {
		paths[r.Path] = true
	}
	for _, sub := range []string{"cur", "new"} {
		dir := filepath.Join(m.path, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if !paths[filepath.Join(dir, e.Name())] {
				return true, nil
			}
		}
	}
	return false, nil
}

// deliver places the body for hash at dst via tmp/.
func (m *Mailbox) deliver(ctx context.Context, db *msgdb.DB, hash, dst string) error {
	tmp := filepath.Join(m.path, "tmp", filepath.Base(dst))
	os.Remove(tmp)
	if err := db.Link(hash, tmp); err != nil {
		return err
	}
	m.suppress(filepath.Base(dst))
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "delivering %s", dst)
	}
	fi, err := os.Stat(dst)
	if err != nil {
		return err
	}
	stem, _ := splitInfo(dst)
	return db.Index().SetLocalFile(ctx, persist.LocalFile{
		Path:  stem,
		Size:  fi.Size(),
		MTime: fi.ModTime().UnixNano(),
		Hash:  hash,
	})
}
