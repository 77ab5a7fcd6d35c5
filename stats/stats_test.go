package stats

import (
	"context"
	"errors"
	"testing"
)

func TestCollectorApply(t *testing.T) {
	c := NewCollector()
	events := make(chan Event, 16)

	errBoom := errors.New("boom")
	events <- Event{Type: EventTypeScanned}
	events <- Event{Type: EventTypeScanned}
	events <- Event{Type: EventTypeStored, MessageID: "a"}
	events <- Event{Type: EventTypeCodeFound, MessageID: "a"}
	events <- Event{Type: EventTypeRejected, Detail: "sender domain not allowed"}
	events <- Event{Type: EventTypeRejected, Detail: "sender domain not allowed"}
	events <- Event{Type: EventTypeRejected, Detail: "message too large"}
	events <- Event{Type: EventTypeDuplicate}
	events <- Event{Type: EventTypeError, Err: errBoom}
	close(events)

	c.Run(context.Background(), events)
	s := c.Snapshot()

	if s.Scanned != 2 || s.Stored != 1 || s.CodesFound != 1 || s.Duplicates != 1 {
		t.Fatalf("unexpected counters: %+v", s)
	}
	if s.Rejected != 3 {
		t.Fatalf("Rejected = %d, want 3", s.Rejected)
	}
	if got := s.Rejections["sender domain not allowed"]; got != 2 {
		t.Fatalf("domain rejections = %d, want 2", got)
	}
	if s.Errors != 1 || !errors.Is(s.LastError, errBoom) {
		t.Fatalf("errors = %d last = %v", s.Errors, s.LastError)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	c := NewCollector()
	c.EmitEvent(Event{Type: EventTypeRejected, Detail: "x"})

	s := c.Snapshot()
	s.Rejections["x"] = 100

	if got := c.Snapshot().Rejections["x"]; got != 1 {
		t.Fatalf("snapshot shares map with collector: got %d", got)
	}
}

func TestTop(t *testing.T) {
	m := map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}

	got := Top(m, 3)
	want := []Ranked{{"c", 5}, {"a", 2}, {"b", 2}}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Top[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	if all := Top(m, 10); len(all) != 4 {
		t.Fatalf("Top with large limit returned %d entries", len(all))
	}
}
