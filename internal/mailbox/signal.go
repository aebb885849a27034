package mailbox

import "context"

// Signal is the change notification shared between the engine and
// every mailbox.  Any number of Notify calls between two Waits
// collapse into one wake up.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify raises the signal.  It never blocks.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is raised, then clears it.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
