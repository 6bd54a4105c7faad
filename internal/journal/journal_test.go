package journal

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"dcabot/internal/config"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	// 内存库必须限制为单连接，避免每个连接各持一份空库。
	jnl, err := Open(config.JournalConfig{
		Enabled:      true,
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = jnl.Close() })
	return jnl
}

func TestJournal_RecordAndList(t *testing.T) {
	jnl := openTestJournal(t)
	ctx := context.Background()

	events := []Event{
		{Type: EventFiringStarted, JobID: "job-1[ETH/USDC]", Payload: map[string]interface{}{}},
		{Type: EventTransition, JobID: "job-1[ETH/USDC]", Payload: map[string]interface{}{"state": "monitor"}},
		{Type: EventOutcome, JobID: "job-1[ETH/USDC]", Payload: map[string]interface{}{"outcome": "filled"}},
	}
	for _, event := range events {
		if err := jnl.Record(ctx, event); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}

	listed, err := jnl.ListEvents(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 events, got %d", len(listed))
	}
	// 时间倒序：最后写入的排最前。
	if listed[0].Type != EventOutcome || listed[2].Type != EventFiringStarted {
		t.Errorf("unexpected event order: %s ... %s", listed[0].Type, listed[2].Type)
	}
	if listed[0].Payload["outcome"] != "filled" {
		t.Errorf("unexpected payload %v", listed[0].Payload)
	}
	if listed[0].Timestamp.IsZero() {
		t.Errorf("timestamp must be populated")
	}
}

func TestJournal_ListEventsFilterAndLimit(t *testing.T) {
	jnl := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := jnl.Record(ctx, Event{Type: EventTransition, JobID: "job-1[ETH/USDC]", Payload: map[string]interface{}{"state": "monitor"}}); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}
	if err := jnl.Record(ctx, Event{Type: EventOutcome, JobID: "job-1[ETH/USDC]", Payload: map[string]interface{}{"outcome": "filled"}}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	transitions, err := jnl.ListEvents(ctx, EventTransition, 0)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(transitions) != 5 {
		t.Errorf("expected 5 transition events, got %d", len(transitions))
	}

	limited, err := jnl.ListEvents(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 events with limit, got %d", len(limited))
	}
}

func TestJournal_ObserverEvents(t *testing.T) {
	jnl := openTestJournal(t)
	ctx := context.Background()

	jnl.RecordScheduleLoaded("configs/schedule.yaml", 4)
	jnl.FiringStarted("job-1[ETH/USDC]")
	jnl.Transition("job-1[ETH/USDC]", "place-limit", map[string]interface{}{"price": "2999.7"})
	jnl.Outcome("job-1[ETH/USDC]", "filled", map[string]interface{}{"order_id": "abc"})

	listed, err := jnl.ListEvents(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(listed) != 4 {
		t.Fatalf("expected 4 events, got %d", len(listed))
	}

	transition := listed[1]
	if transition.Type != EventTransition || transition.Payload["state"] != "place-limit" || transition.Payload["price"] != "2999.7" {
		t.Errorf("unexpected transition event %+v", transition)
	}
	if listed[0].Payload["order_id"] != "abc" {
		t.Errorf("observer fields must be persisted, got %v", listed[0].Payload)
	}
}

func TestJournal_FileBacked(t *testing.T) {
	path := t.TempDir() + "/events/dcabot.db"
	jnl, err := Open(config.JournalConfig{
		Enabled:      true,
		Path:         path,
		MaxOpenConns: 2,
		MaxIdleConns: 2,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer jnl.Close()

	if err := jnl.Record(context.Background(), Event{
		Type:      EventScheduleLoaded,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:   map[string]interface{}{"jobs": 1},
	}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	listed, err := jnl.ListEvents(context.Background(), EventScheduleLoaded, 0)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 event, got %d", len(listed))
	}
	if !listed[0].Timestamp.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("explicit timestamp must round-trip, got %v", listed[0].Timestamp)
	}
}
