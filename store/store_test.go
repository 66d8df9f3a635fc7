package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catmandu.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOffsetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Offset(); err != nil || ok {
		t.Fatalf("Offset on fresh store = ok=%v err=%v, want absent", ok, err)
	}

	if err := s.SetOffset(41); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOffset(42); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Offset()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != 42 {
		t.Errorf("Offset = %d, %v; want 42, true", got, ok)
	}
}

func TestOffsetSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catmandu.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetOffset(7); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, ok, err := s2.Offset()
	if err != nil || !ok || got != 7 {
		t.Errorf("Offset after reopen = %d, %v, %v; want 7", got, ok, err)
	}
}

func TestChatLog(t *testing.T) {
	s := openTestStore(t)

	if err := s.LogInteraction(1, "message", "hello", "", "", "kov", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.LogInteraction(1, "command", "/echo", "echo", "fun", "kov", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.LogInteraction(2, "message", "other chat", "", "", "", 0); err != nil {
		t.Fatal(err)
	}

	recs, err := s.RecentInteractions(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Kind != "message" || recs[1].Kind != "command" {
		t.Errorf("order = %s, %s; want chronological", recs[0].Kind, recs[1].Kind)
	}
	if recs[1].Command != "echo" || recs[1].Cattackle != "fun" || recs[1].ResponseLen != 2 {
		t.Errorf("command record = %+v", recs[1])
	}
	if recs[0].CreatedAt.IsZero() {
		t.Error("created_at not persisted")
	}
}

func TestRecentInteractionsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.LogInteraction(1, "message", "m", "", "", "", 0); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.RecentInteractions(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Errorf("records = %d, want 3", len(recs))
	}
}
