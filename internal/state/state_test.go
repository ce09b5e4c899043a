package state

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestGetMaterializesDefaults(t *testing.T) {
	s, _ := newTestStore(t)

	st := s.Get("u1")
	if st.UserID != "u1" {
		t.Errorf("UserID = %q", st.UserID)
	}
	if st.Interval != "5m" {
		t.Errorf("Interval = %q, want 5m", st.Interval)
	}
	if st.Mode != ModeNormal {
		t.Errorf("Mode = %q, want normal", st.Mode)
	}
	if st.Authorized {
		t.Error("new users must not be authorized")
	}
}

func TestUpdatePersistsAcrossReload(t *testing.T) {
	s, path := newTestStore(t)

	st := s.Get("u1")
	st.Authorized = true
	st.ActiveTabID = "tag-1"
	st.Mode = ModeAssistant
	st.Interval = "1m"
	st.EditSession = &EditSession{
		EditID:    "edit-1",
		Path:      "/tmp/file.txt",
		TabID:     "tag-1",
		StartedAt: time.Now().Truncate(time.Second),
	}
	if err := s.Update(st); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reloaded.Get("u1")
	if !got.Authorized || got.ActiveTabID != "tag-1" || got.Mode != ModeAssistant || got.Interval != "1m" {
		t.Errorf("reloaded state = %+v", got)
	}
	if got.EditSession == nil || got.EditSession.Path != "/tmp/file.txt" {
		t.Errorf("edit session = %+v", got.EditSession)
	}
}

func TestUpdateNormalizesBadValues(t *testing.T) {
	s, _ := newTestStore(t)

	st := s.Get("u1")
	st.Interval = "37s"
	st.Mode = "weird"
	if err := s.Update(st); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got := s.Get("u1")
	if got.Interval != "5m" || got.Mode != ModeNormal {
		t.Errorf("normalization failed: %+v", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)

	st := s.Get("u1")
	st.Authorized = true // never passed through Update

	if s.Get("u1").Authorized {
		t.Error("mutation of the returned value leaked into the store")
	}
}

func TestIntervalHelpers(t *testing.T) {
	if d, ok := IntervalDuration("1m"); !ok || d != time.Minute {
		t.Errorf("1m = %v %v", d, ok)
	}
	if d, ok := IntervalDuration("1h"); !ok || d != time.Hour {
		t.Errorf("1h = %v %v", d, ok)
	}
	if _, ok := IntervalDuration("never"); ok {
		t.Error("never must report ok=false")
	}
	if !ValidInterval("never") {
		t.Error("never is a valid option")
	}
	if ValidInterval("2m") {
		t.Error("2m is not a valid option")
	}
}
