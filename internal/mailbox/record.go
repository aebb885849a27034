package mailbox

import (
	"time"

	"github.com/matta/cloudmdir/internal/message"
)

// ChangeKey identifies a message slot within one snapshot.  Records
// with the same key in two snapshots are the same logical message.
// The engine never interprets the value.
type ChangeKey string

// Record is one observed message.  Records are immutable; a changed
// message is observed as a new Record.
type Record struct {
	Key ChangeKey

	// Hash names the body in the message store (see package
	// msgdb).  Bodies are stored with local line endings so a
	// cloud message and its maildir copy hash identically.
	Hash string

	Flags message.Flags

	// Mailbox is the mailbox that observed the record.
	Mailbox Mailbox

	// CloudID is the provider identifier of a cloud message.
	// Empty for local records.
	CloudID string

	// Path is the file holding a local record's body.  Empty for
	// cloud records.
	Path string

	// Received is the provider's receive time, if known.
	Received time.Time
}

// Same reports whether r and o describe the same content and flags.
// Two nil records are the same.
func (r *Record) Same(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Hash == o.Hash && r.Flags == o.Flags
}

// Snapshot is the full ChangeKey to Record mapping of a mailbox at a
// point in time.
type Snapshot map[ChangeKey]*Record

// Same reports whether s and o hold the same keys with the same
// content and flags.
func (s Snapshot) Same(o Snapshot) bool {
	if len(s) != len(o) {
		return false
	}
	for k, r := range s {
		if !r.Same(o[k]) {
			return false
		}
	}
	return true
}

// Hashes adds the body hash of every record in s to live.
func (s Snapshot) Hashes(live map[string]struct{}) {
	for _, r := range s {
		live[r.Hash] = struct{}{}
	}
}

// Tuple pairs the local view of a message with the cloud record it was
// routed from.  Local is nil when the message was deleted locally;
// Cloud is nil for a message created locally.
type Tuple struct {
	Local *Record
	Cloud *Record
}

// InSync reports whether merging the tuple would change nothing.
func (t Tuple) InSync() bool {
	return t.Local != nil && t.Cloud != nil && t.Local.Same(t.Cloud)
}

// TupleSet is the merge request for one cloud mailbox.
type TupleSet map[ChangeKey]Tuple

// InSync reports whether every tuple in the set is in sync.
func (ts TupleSet) InSync() bool {
	for _, t := range ts {
		if !t.InSync() {
			return false
		}
	}
	return true
}
