package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeDriver is an in-memory stand-in for the session manager.
type fakeDriver struct {
	sessions map[string]bool
	// listOnly names appear in ListSessions output (but not HasSession)
	// starting from the second list call, simulating a foreign session
	// created after the reconciler fetched its initial snapshot.
	listOnly  map[string]bool
	listCalls int
	killed    []string
	ensureErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{sessions: make(map[string]bool)}
}

func (d *fakeDriver) EnsureSession(name string) error {
	if d.ensureErr != nil {
		return d.ensureErr
	}
	d.sessions[name] = true
	return nil
}

func (d *fakeDriver) HasSession(name string) bool { return d.sessions[name] }

func (d *fakeDriver) KillSession(name string) error {
	if !d.sessions[name] {
		return errors.New("can't find session")
	}
	delete(d.sessions, name)
	d.killed = append(d.killed, name)
	return nil
}

func (d *fakeDriver) ListSessions() (map[string]bool, error) {
	d.listCalls++
	out := make(map[string]bool, len(d.sessions))
	for k, v := range d.sessions {
		out[k] = v
	}
	if d.listCalls >= 2 {
		for k := range d.listOnly {
			out[k] = true
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeDriver, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tags.json")
	drv := newFakeDriver()
	reg, err := Open(path, drv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return reg, drv, path
}

func TestCreateThenGetByTag(t *testing.T) {
	reg, drv, _ := newTestRegistry(t)

	rec, err := reg.Create("u1", "work")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.TagName != "work" || rec.UserID != "u1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Status != StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.SessionName != DeriveSessionName(rec.TagID) {
		t.Errorf("session name %q does not derive from tag id", rec.SessionName)
	}
	if !drv.sessions[rec.SessionName] {
		t.Error("underlying session was not created")
	}

	got, ok := reg.GetByTag("u1", "work")
	if !ok {
		t.Fatal("GetByTag: not found")
	}
	if got.TagID != rec.TagID {
		t.Errorf("GetByTag returned %q, want %q", got.TagID, rec.TagID)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	a, err := reg.Create("u1", "work")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	b, err := reg.Create("u1", "work")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if a.TagID != b.TagID {
		t.Errorf("idempotence violated: %q != %q", a.TagID, b.TagID)
	}
	if len(reg.List("u1")) != 1 {
		t.Errorf("expected exactly one record, got %d", len(reg.List("u1")))
	}
}

func TestNamesAreScopedPerUser(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	a, _ := reg.Create("u1", "work")
	b, err := reg.Create("u2", "work")
	if err != nil {
		t.Fatalf("Create for second user: %v", err)
	}
	if a.TagID == b.TagID {
		t.Error("same name for different users must produce distinct tags")
	}
}

func TestRename(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	a, _ := reg.Create("u1", "work")
	b, _ := reg.Create("u1", "play")

	// Collision with another tag of the same user fails, both unchanged.
	if _, err := reg.Rename(b.TagID, "work"); !errors.Is(err, ErrNameTaken) {
		t.Errorf("expected ErrNameTaken, got %v", err)
	}
	gotA, _ := reg.GetByID(a.TagID)
	gotB, _ := reg.GetByID(b.TagID)
	if gotA.TagName != "work" || gotB.TagName != "play" {
		t.Errorf("records changed on failed rename: %q %q", gotA.TagName, gotB.TagName)
	}

	// Renaming to its own current name is a no-op success.
	if _, err := reg.Rename(a.TagID, "work"); err != nil {
		t.Errorf("self-rename: %v", err)
	}

	// Normal rename keeps the session name stable.
	renamed, err := reg.Rename(a.TagID, "deploy")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if renamed.TagName != "deploy" {
		t.Errorf("TagName = %q", renamed.TagName)
	}
	if renamed.SessionName != a.SessionName {
		t.Error("rename must not change the session name")
	}
	if _, ok := reg.GetByTag("u1", "work"); ok {
		t.Error("old name still resolves after rename")
	}
	if _, ok := reg.GetByTag("u1", "deploy"); !ok {
		t.Error("new name does not resolve after rename")
	}

	if _, err := reg.Rename("no-such-id", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := reg.Rename(a.TagID, "   "); !errors.Is(err, ErrNameEmpty) {
		t.Errorf("expected ErrNameEmpty, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	reg, drv, _ := newTestRegistry(t)

	rec, _ := reg.Create("u1", "work")
	if err := reg.Delete(rec.TagID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := reg.GetByID(rec.TagID); ok {
		t.Error("record still resolvable after delete")
	}
	if drv.sessions[rec.SessionName] {
		t.Error("session still live after delete")
	}

	// Unknown id is a no-op.
	if err := reg.Delete("no-such-id"); err != nil {
		t.Errorf("Delete of unknown id: %v", err)
	}
}

func TestListInsertionOrder(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	reg.Create("u1", "alpha")
	reg.Create("u2", "beta")
	reg.Create("u1", "gamma")

	all := reg.List("")
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].TagName != "alpha" || all[1].TagName != "beta" || all[2].TagName != "gamma" {
		t.Errorf("insertion order violated: %v", all)
	}

	mine := reg.List("u1")
	if len(mine) != 2 || mine[0].TagName != "alpha" || mine[1].TagName != "gamma" {
		t.Errorf("user filter wrong: %v", mine)
	}
}

func TestReconcileRecreatesMissing(t *testing.T) {
	reg, drv, _ := newTestRegistry(t)

	rec, _ := reg.Create("u1", "work")
	// Session destroyed externally.
	delete(drv.sessions, rec.SessionName)

	changed, err := reg.Reconcile(true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(changed) != 1 {
		t.Fatalf("changed = %v", changed)
	}
	if changed[0].Status != StatusActive {
		t.Errorf("status = %q, want active", changed[0].Status)
	}
	if !drv.sessions[changed[0].SessionName] {
		t.Error("session not recreated")
	}
}

func TestReconcileMarksMissing(t *testing.T) {
	reg, drv, _ := newTestRegistry(t)

	rec, _ := reg.Create("u1", "work")
	delete(drv.sessions, rec.SessionName)

	changed, err := reg.Reconcile(false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(changed) != 1 || changed[0].Status != StatusMissing {
		t.Errorf("changed = %v", changed)
	}

	// A second pass with the session still gone changes nothing.
	changed, _ = reg.Reconcile(false)
	if len(changed) != 0 {
		t.Errorf("second pass changed = %v", changed)
	}
}

func TestReconcileDerivesFreshNameOnCollision(t *testing.T) {
	reg, drv, _ := newTestRegistry(t)

	rec, _ := reg.Create("u1", "work")
	delete(drv.sessions, rec.SessionName)

	// A foreign session claims our name after the reconciler's initial
	// snapshot; it shows up only on the commit-time re-query.
	drv.listOnly = map[string]bool{rec.SessionName: true}

	changed, err := reg.Reconcile(true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(changed) != 1 {
		t.Fatalf("changed = %v", changed)
	}
	got := changed[0]
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if got.SessionName == rec.SessionName {
		t.Error("collided name was reused instead of deriving a fresh one")
	}
	if got.SessionName != deriveSessionName(rec.TagID, 1) {
		t.Errorf("fresh name %q is not the deterministic generation-1 name", got.SessionName)
	}
	if !drv.sessions[got.SessionName] {
		t.Error("session not recreated under the fresh name")
	}
}

func TestCreatePropagatesDriverFailure(t *testing.T) {
	reg, drv, _ := newTestRegistry(t)
	drv.ensureErr = errors.New("tmux unavailable")

	if _, err := reg.Create("u1", "work"); err == nil {
		t.Fatal("expected error when the driver cannot create the session")
	}
	if _, ok := reg.GetByTag("u1", "work"); ok {
		t.Error("failed create must not leave a record behind")
	}
}

func TestDeriveSessionNameDeterministic(t *testing.T) {
	a := DeriveSessionName("id-1")
	b := DeriveSessionName("id-1")
	c := DeriveSessionName("id-2")
	if a != b {
		t.Error("derivation not deterministic")
	}
	if a == c {
		t.Error("distinct ids derived the same session name")
	}
	if a[:len(SessionPrefix)] != SessionPrefix {
		t.Errorf("missing prefix: %q", a)
	}
	if deriveSessionName("id-1", 1) == a {
		t.Error("generation must change the derived name")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.json")
	drv := newFakeDriver()

	reg, err := Open(path, drv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec, _ := reg.Create("u1", "work")
	reg.Create("u1", "play")

	reloaded, err := Open(path, drv)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reloaded.GetByID(rec.TagID)
	if !ok {
		t.Fatal("record lost across reload")
	}
	if got.TagName != "work" || got.SessionName != rec.SessionName {
		t.Errorf("reloaded record = %+v", got)
	}
	if len(reloaded.List("u1")) != 2 {
		t.Errorf("expected 2 records after reload")
	}
}

func TestLoadSkipsDuplicateIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.json")
	payload := `{"records":[
		{"tag_id":"a","user_id":"u1","tag_name":"one","session_name":"chatmux_aaa","status":"active"},
		{"tag_id":"a","user_id":"u1","tag_name":"dup","session_name":"chatmux_bbb","status":"active"},
		{"tag_id":"","user_id":"u1","tag_name":"anon","session_name":"chatmux_ccc","status":"active"},
		{"tag_id":"b","user_id":"u1","tag_name":"two","session_name":"chatmux_ddd"}
	]}`
	if err := os.WriteFile(path, []byte(payload), 0600); err != nil {
		t.Fatal(err)
	}

	reg, err := Open(path, newFakeDriver())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	all := reg.List("")
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %v", all)
	}
	if all[0].TagID != "a" || all[1].TagID != "b" {
		t.Errorf("records = %v", all)
	}
	// Missing status defaults to active.
	if all[1].Status != StatusActive {
		t.Errorf("default status = %q", all[1].Status)
	}
}
