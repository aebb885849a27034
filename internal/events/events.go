// Package events publishes the outcome of every synchronization cycle
// to NATS JetStream, for dashboards and alerting.  Publishing is
// optional; without a NATS URL the engine uses Nop.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Cycle describes one finished or failed cycle.
type Cycle struct {
	ID       string        `json:"id"`
	Seq      int           `json:"seq"`
	Time     time.Time     `json:"time"`
	Duration time.Duration `json:"duration_ns"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`

	// Messages per mailbox name after the cycle.
	Local map[string]int `json:"local,omitempty"`
	Cloud map[string]int `json:"cloud,omitempty"`
}

// NewCycle returns an event with a fresh id.
func NewCycle(seq int, start time.Time, err error) Cycle {
	c := Cycle{
		ID:       uuid.NewString(),
		Seq:      seq,
		Time:     start,
		Duration: time.Since(start),
		OK:       err == nil,
	}
	if err != nil {
		c.Error = err.Error()
	}
	return c
}

type Publisher interface {
	Publish(ctx context.Context, c Cycle) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Cycle) error { return nil }
func (Nop) Close() error                         { return nil }

// NATS publishes events to a JetStream stream.
type NATS struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// streamName is the JetStream stream holding the events.
const streamName = "CMS_EVENTS"

// Connect dials url and makes sure the stream for prefix exists.
func Connect(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("cloudmdir"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "failed to get JetStream context")
	}
	p := &NATS{nc: nc, js: js, prefix: prefix}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATS) ensureStream() error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{p.prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return errors.Wrap(err, "failed to create stream")
	}
	return nil
}

// Subject returns the subject a cycle event is published on.
func Subject(prefix string, c Cycle) string {
	if c.OK {
		return prefix + ".cycle.ok"
	}
	return prefix + ".cycle.failed"
}

// Publish sends c, deduplicated on its id.
func (p *NATS) Publish(ctx context.Context, c Cycle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding cycle event")
	}
	if _, err := p.js.Publish(Subject(p.prefix, c), data, nats.MsgId(c.ID), nats.Context(ctx)); err != nil {
		return errors.Wrap(err, "failed to publish cycle event")
	}
	slog.Debug("Published cycle event", "id", c.ID, "ok", c.OK)
	return nil
}

func (p *NATS) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
