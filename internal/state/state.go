package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chatmux/chatmux/internal/logging"
)

var stateLog = logging.ForComponent(logging.CompState)

// Mode selects how free text from a user is interpreted.
type Mode string

const (
	// ModeNormal sends text straight to the shell and replies with full
	// captures on the refresh cadence.
	ModeNormal Mode = "normal"
	// ModeAssistant surfaces output only when the rule engine decides it is
	// worth the user's attention.
	ModeAssistant Mode = "assistant"
)

// Interval values for the display-refresh cadence.
var Intervals = []string{"1m", "5m", "1h", "never"}

// IntervalDuration maps an interval value to its period. "never" (and any
// unknown value) yields ok=false.
func IntervalDuration(value string) (time.Duration, bool) {
	switch value {
	case "1m":
		return time.Minute, true
	case "5m":
		return 5 * time.Minute, true
	case "1h":
		return time.Hour, true
	default:
		return 0, false
	}
}

// ValidInterval reports whether value is one of the fixed interval options.
func ValidInterval(value string) bool {
	for _, v := range Intervals {
		if v == value {
			return true
		}
	}
	return false
}

// EditSession is an in-progress file edit. The next free-text message from
// the user becomes the file's replacement content.
type EditSession struct {
	EditID    string    `json:"edit_id"`
	Path      string    `json:"path"`
	TabID     string    `json:"tab_id"`
	StartedAt time.Time `json:"started_at"`
}

// UserState is everything the system remembers about one chat user.
// At most one of EditSession / RenameTabID is meaningfully active at a time;
// Cancel clears both.
type UserState struct {
	UserID      string       `json:"user_id"`
	ActiveTabID string       `json:"active_tab_id,omitempty"`
	Interval    string       `json:"interval"`
	Mode        Mode         `json:"mode"`
	EditSession *EditSession `json:"edit_session,omitempty"`
	Authorized  bool         `json:"authorized"`
	ServerAddr  string       `json:"server_addr,omitempty"`
	ChatID      string       `json:"chat_id,omitempty"`
	RenameTabID string       `json:"rename_tab_id,omitempty"`
}

type stateFile struct {
	Users []*UserState `json:"users"`
}

// Store owns UserStates and their persisted file. States materialize lazily
// on first contact and are written back in full on every mutation.
type Store struct {
	mu     sync.Mutex
	path   string
	states map[string]*UserState
}

// Open loads the state file; an absent file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		states: make(map[string]*UserState),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	for _, st := range file.Users {
		if st.UserID == "" {
			continue
		}
		normalize(st)
		s.states[st.UserID] = st
	}
	return s, nil
}

func normalize(st *UserState) {
	if !ValidInterval(st.Interval) {
		st.Interval = "5m"
	}
	if st.Mode != ModeNormal && st.Mode != ModeAssistant {
		st.Mode = ModeNormal
	}
}

// Get returns the user's state, materializing a default one on first
// contact. The returned value is a copy; mutations go through Update.
func (s *Store) Get(userID string) UserState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userID]
	if !ok {
		st = &UserState{
			UserID:   userID,
			Interval: "5m",
			Mode:     ModeNormal,
		}
		s.states[userID] = st
		stateLog.Debug("user_state_created", "user", userID)
	}
	return *st
}

// Users returns a copy of every known user state, in no particular order.
func (s *Store) Users() []UserState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UserState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	return out
}

// Update replaces the user's state and persists the full store. A write
// failure propagates; in-memory state is already updated by then and the
// caller must treat the failure as fatal.
func (s *Store) Update(st UserState) error {
	if st.UserID == "" {
		return fmt.Errorf("user state without user id")
	}
	normalize(&st)

	s.mu.Lock()
	defer s.mu.Unlock()
	copied := st
	s.states[st.UserID] = &copied
	return s.save()
}

func (s *Store) save() error {
	file := stateFile{Users: make([]*UserState, 0, len(s.states))}
	for _, st := range s.states {
		file.Users = append(file.Users, st)
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}
