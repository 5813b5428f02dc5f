package audit

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/storage"
)

type recordingHook struct {
	name   string
	events []Event
}

func (h *recordingHook) Name() string { return h.name }
func (h *recordingHook) OnEvent(ctx context.Context, e Event) {
	h.events = append(h.events, e)
}

func TestRegistry_RecordFansOutToEveryHook(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	hookA := &recordingHook{name: "a"}
	hookB := &recordingHook{name: "b"}
	r.Register(hookA)
	r.Register(hookB)

	r.Record(context.Background(), Event{UserID: "user-1", Type: "login"})

	if len(hookA.events) != 1 || len(hookB.events) != 1 {
		t.Fatalf("expected both hooks to receive the event, got a=%d b=%d", len(hookA.events), len(hookB.events))
	}
}

func TestRegistry_RecordDefaultsSeverityToInfo(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	hook := &recordingHook{}
	r.Register(hook)

	r.Record(context.Background(), Event{UserID: "user-1", Type: "login"})

	if hook.events[0].Severity != storage.SeverityInfo {
		t.Fatalf("severity = %q, want info", hook.events[0].Severity)
	}
}

func TestRegistry_UrgentSetsUrgentSeverity(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	hook := &recordingHook{}
	r.Register(hook)

	r.Urgent(context.Background(), "user-1", "refund_failed", map[string]string{"session_id": "s-1"})

	if hook.events[0].Severity != storage.SeverityUrgent {
		t.Fatalf("severity = %q, want urgent", hook.events[0].Severity)
	}
}

func TestRegistry_PanickingHookDoesNotAbortOthers(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(&panickingHook{})
	hook := &recordingHook{}
	r.Register(hook)

	r.Record(context.Background(), Event{UserID: "user-1", Type: "login"})

	if len(hook.events) != 1 {
		t.Fatalf("expected the well-behaved hook to still receive the event")
	}
}

type panickingHook struct{}

func (h *panickingHook) Name() string { return "panicking" }
func (h *panickingHook) OnEvent(ctx context.Context, e Event) {
	panic("boom")
}

func TestStorageHook_PersistsActivityEntry(t *testing.T) {
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	hook := NewStorageHook(store)
	hook.OnEvent(context.Background(), Event{UserID: "user-1", Type: "login", Severity: storage.SeverityInfo})

	entries, err := store.ListActivity(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "login" {
		t.Fatalf("entries = %+v, want one login entry", entries)
	}
}
