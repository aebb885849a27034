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

// Package mailbox defines the contract shared by cloud and local
// mailboxes, and the snapshot data model the synchronization engine
// computes with.
package mailbox

import (
	"context"

	"github.com/matta/cloudmdir/internal/msgdb"
)

// Mailbox is the capability common to every mailbox.
type Mailbox interface {
	// Name returns the configured, unique name of the mailbox.
	Name() string

	// Setup performs the one time provider handshake.  It may
	// block on interactive authentication.
	Setup(ctx context.Context) error

	// NeedUpdate reports whether the snapshot is known to be
	// stale.
	NeedUpdate() bool

	// Invalidate marks the snapshot stale without raising the
	// signal.
	Invalidate()

	// UpdateMessageList refreshes the snapshot.  It is safe to
	// call concurrently with other mailboxes' refreshes, but not
	// with itself.
	UpdateMessageList(ctx context.Context, db *msgdb.DB) error

	// Messages returns the current snapshot.  The returned map is
	// never mutated after it is published.
	Messages() Snapshot

	Close() error
}

// Local is a mailbox on the local file system.  Its content is forced
// to match the cloud.
type Local interface {
	Mailbox

	// SameMessages reports whether the current snapshot already
	// matches target.
	SameMessages(target Snapshot) bool

	// ForceContent makes the physical content of the mailbox
	// exactly match target, creating, updating and deleting
	// messages as needed.  It is idempotent: a retry after a
	// partial failure converges to the same state.
	ForceContent(ctx context.Context, db *msgdb.DB, target Snapshot) error
}

// Cloud is a mailbox held by a cloud provider.  Local changes are
// merged into it.
type Cloud interface {
	Mailbox

	// SameTuples reports whether applying set would change
	// nothing.
	SameTuples(set TupleSet) bool

	// MergeContent pushes the local side of each tuple to the
	// cloud.  Keys whose cloud record changed since the tuple was
	// built are left alone; remote content not named in set is
	// never touched.
	MergeContent(ctx context.Context, db *msgdb.DB, set TupleSet) error
}

// DirectFunc routes a cloud message to the local mailbox it belongs
// in.
type DirectFunc func(msg *Record) Local
