package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/avaropoint/rmi/internal/identity"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, kind := range []Kind{KindSessionStart, KindCommand, KindCommand, KindSessionEnd} {
		e := &Event{
			ID:         "session-1",
			At:         time.Now().Add(time.Duration(i) * time.Millisecond),
			RemoteAddr: "127.0.0.1:5555",
			Kind:       kind,
			Detail:     "VERSION",
			Tag:        []byte{1, 2, 3},
		}
		if _, err := s.RecordEvent(ctx, e); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	events, err := s.ListEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Kind != KindSessionEnd {
		t.Fatalf("expected newest-first order, got %v first", events[0].Kind)
	}
}

// TestRecordEventSignAndVerifyRoundTrip exercises the real
// record-then-sign-then-SetTag sequence recordAudit uses (see
// internal/device/server.go): the tag must be computed over the row's
// true, store-assigned Seq, not the zero value it has before insert.
// A tag computed before the real Seq is known, or tampered with after
// the fact, must fail VerifyAuditRow.
func TestRecordEventSignAndVerifyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	e := &Event{
		ID:         "session-1",
		At:         time.Now(),
		RemoteAddr: "127.0.0.1:5555",
		Kind:       KindCommand,
		Detail:     "VERSION",
	}
	seq, err := s.RecordEvent(ctx, e)
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	e.Seq = seq
	tag := dev.SignAuditRow(e.Canonical())
	if err := s.SetTag(ctx, seq, tag); err != nil {
		t.Fatalf("SetTag: %v", err)
	}

	events, err := s.ListEvents(ctx, 1)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.Seq != seq {
		t.Fatalf("expected re-read Seq %d, got %d", seq, got.Seq)
	}
	if !dev.VerifyAuditRow(got.Canonical(), got.Tag) {
		t.Fatalf("expected the signed row to verify")
	}

	tagSignedWithZeroSeq := dev.SignAuditRow((&Event{
		ID: e.ID, At: e.At, RemoteAddr: e.RemoteAddr, Kind: e.Kind, Detail: e.Detail,
	}).Canonical())
	if dev.VerifyAuditRow(got.Canonical(), tagSignedWithZeroSeq) {
		t.Fatalf("expected a tag signed with Seq=0 to fail verification against the real row")
	}

	flipped := append([]byte{}, got.Tag...)
	flipped[0] ^= 0xff
	if dev.VerifyAuditRow(got.Canonical(), flipped) {
		t.Fatalf("expected a tampered tag to fail verification")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := &APIKey{ID: "k1", Name: "ops", KeyHash: "deadbeef", Prefix: "rmi_dead", CreatedAt: time.Now()}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	got, err := s.VerifyAPIKey(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if got == nil || got.Name != "ops" {
		t.Fatalf("expected to find key, got %+v", got)
	}

	if _, err := s.VerifyAPIKey(ctx, "nope"); err != nil {
		t.Fatalf("VerifyAPIKey(missing): %v", err)
	}

	if err := s.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	got, err = s.VerifyAPIKey(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("VerifyAPIKey after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected key to be gone after delete")
	}
}
