package mailbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Base holds the state every mailbox implementation shares: the
// published snapshot and the dirty flag.  Implementations embed it.
type Base struct {
	name   string
	signal *Signal

	mu         sync.Mutex
	msgs       Snapshot
	needUpdate bool
}

// NewBase returns a Base that starts out dirty, so the first cycle
// lists the mailbox.
func NewBase(name string, signal *Signal) Base {
	return Base{
		name:       name,
		signal:     signal,
		msgs:       Snapshot{},
		needUpdate: true,
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) NeedUpdate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.needUpdate
}

func (b *Base) Messages() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs
}

// SameMessages compares the current snapshot with target.
func (b *Base) SameMessages(target Snapshot) bool {
	return b.Messages().Same(target)
}

// BeginUpdate clears the dirty flag.  Call it before listing so that a
// change observed during the listing marks the mailbox dirty again.
func (b *Base) BeginUpdate() {
	b.mu.Lock()
	b.needUpdate = false
	b.mu.Unlock()
}

// Publish replaces the snapshot.  msgs must not be modified afterwards.
func (b *Base) Publish(msgs Snapshot) {
	b.mu.Lock()
	b.msgs = msgs
	b.mu.Unlock()
}

// Changed marks the mailbox dirty and raises the shared signal.
func (b *Base) Changed() {
	b.mu.Lock()
	b.needUpdate = true
	b.mu.Unlock()
	b.signal.Notify()
}

// Invalidate marks the mailbox dirty without waking the engine.  Used
// by operations that run inside a cycle, which rereads dirty mailboxes
// itself.
func (b *Base) Invalidate() {
	b.mu.Lock()
	b.needUpdate = true
	b.mu.Unlock()
}

// Poll calls check every interval until ctx is done, and calls Changed
// whenever check reports a change.  Errors are logged and the poll
// continues; the next cycle surfaces persistent failures.
func (b *Base) Poll(ctx context.Context, interval time.Duration, check func(context.Context) (bool, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changed, err := check(ctx)
		if err != nil {
			slog.Warn("poll failed", "mailbox", b.name, "err", err)
			changed = true
		}
		if changed {
			b.Changed()
		}
	}
}
