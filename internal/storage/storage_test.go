package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/govd/govd/internal/journal"
	"github.com/govd/govd/internal/role"
	"github.com/govd/govd/internal/token"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "govd.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJournalAppendAssignsMonotonicCursors(t *testing.T) {
	s := newTestStore(t)

	r1, err := s.Append(journal.KindEvent, json.RawMessage(`{"intent":"slack.post"}`))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	r2, err := s.Append(journal.KindDecision, json.RawMessage(`{"verdict":"allow"}`))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if r2.Cursor <= r1.Cursor {
		t.Errorf("cursor did not advance: r1=%d r2=%d", r1.Cursor, r2.Cursor)
	}
}

func TestJournalTailReturnsInOrderNoGaps(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Append(journal.KindEvent, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	records, cursor, err := s.Tail(0, 100)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("Tail() returned %d records, want 5", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Cursor <= records[i-1].Cursor {
			t.Errorf("records out of order at index %d", i)
		}
	}
	if cursor != records[len(records)-1].Cursor {
		t.Errorf("returned cursor = %d, want %d", cursor, records[len(records)-1].Cursor)
	}

	more, _, err := s.Tail(cursor, 100)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(more) != 0 {
		t.Errorf("expected no new records after tailing past the end, got %d", len(more))
	}
}

func TestJournalRangeFiltersByTimestamp(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append(journal.KindEvent, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	records, err := s.Range(past, future, 0)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Range() returned %d records, want 1", len(records))
	}

	empty, err := s.Range(future, future.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no records for a future-only range, got %d", len(empty))
	}
}

func TestJournalVerifyChainDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Append(journal.KindEvent, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	ok, broken, err := s.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !ok || broken != -1 {
		t.Fatalf("VerifyChain() = (%v, %d), want (true, -1) on an untouched chain", ok, broken)
	}

	if _, err := s.db.Exec(`UPDATE journal SET data = '{"tampered":true}' WHERE cursor = 2`); err != nil {
		t.Fatalf("failed to tamper with journal row: %v", err)
	}

	ok, broken, err = s.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if ok {
		t.Fatal("expected VerifyChain() to detect tampering")
	}
	if broken != 2 {
		t.Errorf("broken cursor = %d, want 2", broken)
	}
}

func TestTokenSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	tok := token.Token{
		Secret:    "abc123",
		Agent:     "agent-1",
		Scopes:    []string{"slack.post:*"},
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
		Status:    token.StatusActive,
	}
	if err := s.SaveToken(tok); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	tokens, err := s.LoadTokens()
	if err != nil {
		t.Fatalf("LoadTokens() error = %v", err)
	}
	if len(tokens) != 1 || tokens[0].Secret != "abc123" {
		t.Fatalf("LoadTokens() = %+v, want one token with secret abc123", tokens)
	}

	tok.Status = token.StatusRevoked
	if err := s.SaveToken(tok); err != nil {
		t.Fatalf("SaveToken() (update) error = %v", err)
	}
	tokens, err = s.LoadTokens()
	if err != nil {
		t.Fatalf("LoadTokens() error = %v", err)
	}
	if len(tokens) != 1 || tokens[0].Status != token.StatusRevoked {
		t.Fatalf("expected upsert to update status in place, got %+v", tokens)
	}
}

func TestRoleSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	assignment := role.Assignment{
		Template:  "default",
		Overrides: role.Overrides{Allow: []string{"llm.*"}},
	}
	if err := s.SaveRole("agent-1", assignment); err != nil {
		t.Fatalf("SaveRole() error = %v", err)
	}

	roles, err := s.LoadRoles()
	if err != nil {
		t.Fatalf("LoadRoles() error = %v", err)
	}
	got, ok := roles["agent-1"]
	if !ok {
		t.Fatal("expected agent-1's role assignment to be loaded")
	}
	if got.Template != "default" || len(got.Overrides.Allow) != 1 {
		t.Errorf("loaded assignment = %+v, want Template=default with 1 allow override", got)
	}
}

func TestWebhookLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveWebhook(Webhook{URL: "https://example.com/hook", Secret: "shh"}); err != nil {
		t.Fatalf("SaveWebhook() error = %v", err)
	}

	hooks, err := s.LoadWebhooks()
	if err != nil {
		t.Fatalf("LoadWebhooks() error = %v", err)
	}
	if len(hooks) != 1 || hooks[0].URL != "https://example.com/hook" {
		t.Fatalf("LoadWebhooks() = %+v, want one hook", hooks)
	}

	if err := s.DeleteWebhook("https://example.com/hook"); err != nil {
		t.Fatalf("DeleteWebhook() error = %v", err)
	}
	hooks, err = s.LoadWebhooks()
	if err != nil {
		t.Fatalf("LoadWebhooks() error = %v", err)
	}
	if len(hooks) != 0 {
		t.Errorf("expected no webhooks after delete, got %+v", hooks)
	}
}
