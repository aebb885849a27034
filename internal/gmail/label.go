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

package gmail

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"

	"github.com/matta/cloudmdir/internal/cloud"
	"github.com/matta/cloudmdir/internal/message"
	"github.com/matta/cloudmdir/internal/persist"
	"github.com/pkg/errors"
	gmail "google.golang.org/api/gmail/v1"
)

const (
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
)

// Label is the set of messages carrying one Gmail label.  It
// implements cloud.Provider and cloud.ChangeDetector.
type Label struct {
	account *Account
	label   string

	// name keys the persisted history id.
	name  string
	index *persist.DB

	mu sync.Mutex
	// The mailbox history id observed before the last listing.
	historyID uint64
}

// NewLabel returns a provider for label.  The history id of the last
// listing is kept in index under name.
func NewLabel(account *Account, label, name string, index *persist.DB) *Label {
	return &Label{account: account, label: label, name: name, index: index}
}

func (l *Label) Setup(ctx context.Context) error {
	if err := l.account.Connect(ctx); err != nil {
		return err
	}
	tx, err := l.index.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	last, err := tx.LatestHistoryID(ctx, l.name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.historyID = last
	l.mu.Unlock()
	slog.Debug("Gmail label ready", "label", l.label, "last_history_id", last)
	return nil
}

func (l *Label) Close() error { return nil }

func (l *Label) Flags() message.Flags {
	return message.Seen | message.Flagged
}

func (l *Label) List(ctx context.Context) ([]cloud.Remote, error) {
	// Taken first so a change during the listing is seen by the
	// next poll.
	h, err := l.account.historyID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading Gmail profile")
	}
	all, err := l.account.listIDs(ctx, l.label)
	if err != nil {
		return nil, err
	}
	unread, err := l.account.listIDs(ctx, l.label, labelUnread)
	if err != nil {
		return nil, err
	}
	starred, err := l.account.listIDs(ctx, l.label, labelStarred)
	if err != nil {
		return nil, err
	}

	out := make([]cloud.Remote, 0, len(all))
	for id := range all {
		r := cloud.Remote{ID: id}
		if !unread[id] {
			r.Flags |= message.Seen
		}
		if starred[id] {
			r.Flags |= message.Flagged
		}
		out = append(out, r)
	}

	if err := l.setHistoryID(ctx, h); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Label) setHistoryID(ctx context.Context, h uint64) error {
	l.mu.Lock()
	l.historyID = h
	l.mu.Unlock()

	tx, err := l.index.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.WriteHistoryID(ctx, l.name, h); err != nil {
		return err
	}
	return tx.Commit()
}

// Changed reports whether the account's history advanced since the
// last listing.  Any change to the account counts.
func (l *Label) Changed(ctx context.Context) (bool, error) {
	h, err := l.account.historyID(ctx)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.historyID == 0 || h != l.historyID, nil
}

func (l *Label) Fetch(ctx context.Context, id string) ([]byte, error) {
	msg, err := l.account.getMessage(ctx, id, "raw")
	if err != nil {
		return nil, err
	}
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding message %v from gmail", id)
	}
	return raw, nil
}

// labelChanges returns the label edits that make a message carry
// flags.
func labelChanges(flags message.Flags) (add, remove []string) {
	if flags&message.Seen != 0 {
		remove = append(remove, labelUnread)
	} else {
		add = append(add, labelUnread)
	}
	if flags&message.Flagged != 0 {
		add = append(add, labelStarred)
	} else {
		remove = append(remove, labelStarred)
	}
	return add, remove
}

func (l *Label) SetFlags(ctx context.Context, id string, flags message.Flags) error {
	msgs, err := l.account.messages()
	if err != nil {
		return err
	}
	add, remove := labelChanges(flags)
	req := &gmail.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	return l.account.do(ctx, quotaUnitsMessagesModify, func() error {
		_, err := msgs.Modify("me", id, req).Context(ctx).Do()
		return err
	})
}

func (l *Label) Delete(ctx context.Context, id string) error {
	msgs, err := l.account.messages()
	if err != nil {
		return err
	}
	return l.account.do(ctx, quotaUnitsMessagesTrash, func() error {
		_, err := msgs.Trash("me", id).Context(ctx).Do()
		return err
	})
}

func (l *Label) Upload(ctx context.Context, raw []byte, flags message.Flags) (string, error) {
	msgs, err := l.account.messages()
	if err != nil {
		return "", err
	}
	add, _ := labelChanges(flags)
	m := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		LabelIds: append([]string{l.label}, add...),
	}
	var id string
	err = l.account.do(ctx, quotaUnitsMessagesInsert, func() error {
		got, err := msgs.Insert("me", m).InternalDateSource("dateHeader").Context(ctx).Do()
		if err != nil {
			return err
		}
		id = got.Id
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
