package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/chatmux/chatmux/internal/logging"
)

var registryLog = logging.ForComponent(logging.CompRegistry)

// SessionPrefix namespaces every session this registry owns.
const SessionPrefix = "chatmux_"

// maxIDAttempts bounds tag id generation retries. Exhausting it means the
// identifier space is effectively full, which should never happen.
const maxIDAttempts = 100

// Status of a tag's underlying session as last known by the registry.
type Status string

const (
	StatusActive  Status = "active"
	StatusMissing Status = "missing"
)

// Registry errors returned to callers for local handling.
var (
	ErrNotFound    = errors.New("tag not found")
	ErrNameEmpty   = errors.New("tag name must not be empty")
	ErrNameTaken   = errors.New("tag name already in use")
	ErrIDExhausted = errors.New("unable to generate a unique tag id")
	// ErrSessionNameTaken means a freshly derived session name is already
	// owned by a live session we don't know about. Not retried.
	ErrSessionNameTaken = errors.New("derived session name already in use")
)

// TagRecord maps one user-facing tab to its underlying session.
// TagID is immutable; TagName is mutable and unique per user; SessionName is
// derived from TagID only, so renames never migrate the session.
type TagRecord struct {
	TagID       string `json:"tag_id"`
	UserID      string `json:"user_id"`
	TagName     string `json:"tag_name"`
	SessionName string `json:"session_name"`
	Status      Status `json:"status"`
}

// SessionDriver is the subset of the session manager the registry drives.
type SessionDriver interface {
	EnsureSession(name string) error
	HasSession(name string) bool
	KillSession(name string) error
	ListSessions() (map[string]bool, error)
}

type registryFile struct {
	Records []*TagRecord `json:"records"`
}

// Registry owns the persistent tag -> session mapping. All exported methods
// are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	path   string
	driver SessionDriver

	records   map[string]*TagRecord        // tag_id -> record
	order     []string                     // insertion order of tag ids
	nameIndex map[string]map[string]string // user_id -> tag_name -> tag_id
}

// Open loads the registry file (an absent file is an empty registry) and
// binds it to the given driver.
func Open(path string, driver SessionDriver) (*Registry, error) {
	r := &Registry{
		path:      path,
		driver:    driver,
		records:   make(map[string]*TagRecord),
		nameIndex: make(map[string]map[string]string),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry file: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse registry file: %w", err)
	}

	for _, rec := range file.Records {
		if rec.TagID == "" {
			registryLog.Warn("registry_record_skipped", slog.String("reason", "empty tag_id"))
			continue
		}
		if _, dup := r.records[rec.TagID]; dup {
			registryLog.Warn("registry_record_skipped",
				slog.String("reason", "duplicate tag_id"),
				slog.String("tag_id", rec.TagID))
			continue
		}
		if _, taken := r.lookupName(rec.UserID, rec.TagName); taken {
			registryLog.Warn("registry_record_skipped",
				slog.String("reason", "duplicate tag_name"),
				slog.String("user", rec.UserID),
				slog.String("name", rec.TagName))
			continue
		}
		if rec.Status == "" {
			rec.Status = StatusActive
		}
		r.insert(rec)
	}
	return nil
}

// save writes the full record set. In-memory state has already been updated
// when this runs; a write failure propagates to the caller and must be
// treated as fatal rather than continued past with unpersisted state.
func (r *Registry) save() error {
	file := registryFile{Records: make([]*TagRecord, 0, len(r.order))}
	for _, id := range r.order {
		file.Records = append(file.Records, r.records[id])
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("commit registry: %w", err)
	}
	return nil
}

func (r *Registry) insert(rec *TagRecord) {
	r.records[rec.TagID] = rec
	r.order = append(r.order, rec.TagID)
	byName := r.nameIndex[rec.UserID]
	if byName == nil {
		byName = make(map[string]string)
		r.nameIndex[rec.UserID] = byName
	}
	byName[rec.TagName] = rec.TagID
}

func (r *Registry) lookupName(userID, name string) (string, bool) {
	byName := r.nameIndex[userID]
	if byName == nil {
		return "", false
	}
	id, ok := byName[name]
	return id, ok
}

// DeriveSessionName deterministically maps a tag id to its session name.
// Only the immutable id feeds the derivation so that renaming a tag never
// requires migrating the session.
func DeriveSessionName(tagID string) string {
	return deriveSessionName(tagID, 0)
}

// deriveSessionName supports regeneration: gen > 0 yields a different but
// still deterministic name for the same tag id, used when the primary name
// was claimed by an unrelated session while our record was stale.
func deriveSessionName(tagID string, gen int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", tagID, gen)))
	return SessionPrefix + hex.EncodeToString(sum[:])[:12]
}

// Create returns the existing record for (user, name) unchanged, or creates
// a new tag with a fresh unique id, a derived session name and a live
// session. Idempotent per (user, name).
func (r *Registry) Create(userID, tagName string) (TagRecord, error) {
	tagName = strings.TrimSpace(tagName)
	if tagName == "" {
		return TagRecord{}, ErrNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.lookupName(userID, tagName); ok {
		return *r.records[id], nil
	}

	tagID, err := r.generateTagID()
	if err != nil {
		return TagRecord{}, err
	}
	sessionName := DeriveSessionName(tagID)
	if r.driver.HasSession(sessionName) {
		// The derivation keyspace collided with a live foreign session.
		// Treated as resource exhaustion: not retried.
		return TagRecord{}, fmt.Errorf("%w: %s", ErrSessionNameTaken, sessionName)
	}
	if err := r.driver.EnsureSession(sessionName); err != nil {
		return TagRecord{}, fmt.Errorf("create session for tag %q: %w", tagName, err)
	}

	rec := &TagRecord{
		TagID:       tagID,
		UserID:      userID,
		TagName:     tagName,
		SessionName: sessionName,
		Status:      StatusActive,
	}
	r.insert(rec)
	if err := r.save(); err != nil {
		return TagRecord{}, err
	}

	registryLog.Info("tag_created",
		slog.String("user", userID),
		slog.String("tag_id", tagID),
		slog.String("name", tagName),
		slog.String("session", sessionName))
	return *rec, nil
}

func (r *Registry) generateTagID() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := uuid.NewString()
		if _, exists := r.records[id]; !exists {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// GetByTag looks up a record by (user, name).
func (r *Registry) GetByTag(userID, tagName string) (TagRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.lookupName(userID, tagName)
	if !ok {
		return TagRecord{}, false
	}
	return *r.records[id], true
}

// GetByID looks up a record by tag id.
func (r *Registry) GetByID(tagID string) (TagRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tagID]
	if !ok {
		return TagRecord{}, false
	}
	return *rec, true
}

// Rename changes a tag's display name. Renaming to the tag's own current
// name is a no-op; renaming onto another tag of the same user fails and
// leaves both records unchanged.
func (r *Registry) Rename(tagID, newName string) (TagRecord, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return TagRecord{}, ErrNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[tagID]
	if !ok {
		return TagRecord{}, ErrNotFound
	}
	if rec.TagName == newName {
		return *rec, nil
	}
	if otherID, taken := r.lookupName(rec.UserID, newName); taken && otherID != tagID {
		return TagRecord{}, fmt.Errorf("%w: %s", ErrNameTaken, newName)
	}

	delete(r.nameIndex[rec.UserID], rec.TagName)
	rec.TagName = newName
	r.nameIndex[rec.UserID][newName] = tagID
	if err := r.save(); err != nil {
		return TagRecord{}, err
	}

	registryLog.Info("tag_renamed",
		slog.String("tag_id", tagID),
		slog.String("name", newName))
	return *rec, nil
}

// Delete removes the record and destroys its session. Unknown ids are a
// no-op. A missing underlying session is not an error.
func (r *Registry) Delete(tagID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[tagID]
	if !ok {
		return nil
	}

	delete(r.records, tagID)
	delete(r.nameIndex[rec.UserID], rec.TagName)
	for i, id := range r.order {
		if id == tagID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if err := r.driver.KillSession(rec.SessionName); err != nil && rec.Status != StatusMissing {
		registryLog.Warn("kill_session_failed",
			slog.String("session", rec.SessionName),
			slog.String("error", err.Error()))
	}
	if err := r.save(); err != nil {
		return err
	}

	registryLog.Info("tag_deleted",
		slog.String("tag_id", tagID),
		slog.String("session", rec.SessionName))
	return nil
}

// List returns records in insertion order, optionally filtered to one user.
// An empty userID returns everything.
func (r *Registry) List(userID string) []TagRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TagRecord, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// Reconcile heals drift between records and the live session set. Intended
// to run once at process startup. Returns every record whose status or
// session name changed.
func (r *Registry) Reconcile(createMissing bool) ([]TagRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live, err := r.driver.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var changed []TagRecord
	for _, id := range r.order {
		rec := r.records[id]

		if live[rec.SessionName] || r.driver.HasSession(rec.SessionName) {
			if rec.Status != StatusActive {
				rec.Status = StatusActive
				changed = append(changed, *rec)
			}
			continue
		}

		if !createMissing {
			if rec.Status != StatusMissing {
				rec.Status = StatusMissing
				changed = append(changed, *rec)
			}
			continue
		}

		// Re-query the live set right before committing a name: the cached
		// list can be stale against sessions created since we fetched it.
		fresh, err := r.driver.ListSessions()
		if err != nil {
			return nil, fmt.Errorf("re-list sessions: %w", err)
		}
		name := rec.SessionName
		for gen := 1; fresh[name]; gen++ {
			if gen > maxIDAttempts {
				return nil, fmt.Errorf("%w: tag %s", ErrSessionNameTaken, rec.TagID)
			}
			name = deriveSessionName(rec.TagID, gen)
		}
		if err := r.driver.EnsureSession(name); err != nil {
			return nil, fmt.Errorf("recreate session for tag %s: %w", rec.TagID, err)
		}

		renamed := name != rec.SessionName
		rec.SessionName = name
		rec.Status = StatusActive
		changed = append(changed, *rec)
		registryLog.Info("session_recreated",
			slog.String("tag_id", rec.TagID),
			slog.String("session", name),
			slog.Bool("renamed", renamed))
	}

	if len(changed) > 0 {
		if err := r.save(); err != nil {
			return nil, err
		}
	}
	return changed, nil
}
