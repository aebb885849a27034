package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func TestNewCycle(t *testing.T) {
	start := time.Now().Add(-time.Second)
	ok := NewCycle(3, start, nil)
	failed := NewCycle(4, start, errors.New("timeout"))

	if _, err := uuid.Parse(ok.ID); err != nil {
		t.Errorf("id %q is not a uuid: %v", ok.ID, err)
	}
	if ok.ID == failed.ID {
		t.Errorf("two events share id %s", ok.ID)
	}
	if !ok.OK || ok.Error != "" || ok.Duration < time.Second {
		t.Errorf("ok event = %+v", ok)
	}
	if failed.OK || failed.Error != "timeout" {
		t.Errorf("failed event = %+v", failed)
	}

	if got := Subject("cms", ok); got != "cms.cycle.ok" {
		t.Errorf("Subject(ok) = %q", got)
	}
	if got := Subject("cms", failed); got != "cms.cycle.failed" {
		t.Errorf("Subject(failed) = %q", got)
	}
}

func TestCycleJSON(t *testing.T) {
	c := NewCycle(1, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	c.Local = map[string]int{"main": 2}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var got Cycle
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("decoded event mismatch (-want +got):\n%s", diff)
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Cycle{}); err != nil {
		t.Errorf("Nop.Publish() = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Nop.Close() = %v", err)
	}
}
