// Package core ties the tab registry, tmux driver, dispatcher, rule engine,
// and user state together behind a transport-agnostic chat interface.
//
// Transports deliver two kinds of input: free-form messages (HandleMessage)
// and button presses (HandleAction). Both return the replies to render; the
// transport decides how to display text and buttons.
package core

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chatmux/chatmux/internal/auth"
	"github.com/chatmux/chatmux/internal/capture"
	"github.com/chatmux/chatmux/internal/config"
	"github.com/chatmux/chatmux/internal/dispatch"
	"github.com/chatmux/chatmux/internal/logging"
	"github.com/chatmux/chatmux/internal/registry"
	"github.com/chatmux/chatmux/internal/rules"
	"github.com/chatmux/chatmux/internal/state"
	"github.com/chatmux/chatmux/internal/tmux"
)

var coreLog = logging.ForComponent(logging.CompCore)

// Terminal is the slice of the tmux client the service drives.
// *tmux.Client satisfies it.
type Terminal interface {
	EnsureSession(name string) error
	SendCommand(name, text string) error
	SendSuspend(name string) error
	SendBackground(name, jobID string) error
	SendForeground(name, jobID string) error
	Capture(name string) (string, error)
	WorkingDirectory(name string) (string, error)
	ListJobs(name string) ([]tmux.Job, error)
}

// Button is an inline action offered alongside a reply.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Reply is one outbound chat message.
type Reply struct {
	Text    string   `json:"text,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Service implements the chat-facing behavior.
type Service struct {
	cfg        *config.Manager
	auth       *auth.Manager
	states     *state.Store
	tabs       *registry.Registry
	term       Terminal
	tracker    *capture.Tracker
	dispatcher *dispatch.Dispatcher
	rules      *rules.Store

	blocked []*regexp.Regexp
	allowed []*regexp.Regexp

	mu       sync.Mutex
	lastPush map[string]time.Time
}

// New wires a service. Policy patterns are compiled here so a bad pattern
// fails startup instead of the first command.
func New(
	cfg *config.Manager,
	authMgr *auth.Manager,
	states *state.Store,
	tabs *registry.Registry,
	term Terminal,
	dispatcher *dispatch.Dispatcher,
	ruleStore *rules.Store,
) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		auth:       authMgr,
		states:     states,
		tabs:       tabs,
		term:       term,
		tracker:    capture.NewTracker(),
		dispatcher: dispatcher,
		rules:      ruleStore,
		lastPush:   make(map[string]time.Time),
	}
	policy := cfg.Config.CommandPolicy
	for _, p := range policy.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", p, err)
		}
		s.blocked = append(s.blocked, re)
	}
	for _, p := range policy.AllowedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allowed pattern %q: %w", p, err)
		}
		s.allowed = append(s.allowed, re)
	}
	return s, nil
}

func text(msg string) []Reply { return []Reply{{Text: msg}} }

func textf(format string, args ...any) []Reply {
	return text(fmt.Sprintf(format, args...))
}

// chunked turns possibly oversized terminal output into one reply per chunk.
func chunked(body string) []Reply {
	chunks := SplitMessage(body)
	if len(chunks) == 0 {
		return text("(no output)")
	}
	replies := make([]Reply, 0, len(chunks))
	for _, c := range chunks {
		replies = append(replies, Reply{Text: c})
	}
	return replies
}

// HandleMessage processes one inbound text message. Slash commands are
// routed by name; anything else is free text (a command for the active tab,
// or pending rename/edit input).
func (s *Service) HandleMessage(userID, msg string) []Reply {
	msg = strings.TrimRight(msg, "\n")
	if strings.HasPrefix(msg, "/") {
		return s.handleCommand(userID, msg)
	}
	return s.handleText(userID, msg)
}

func (s *Service) handleCommand(userID, msg string) []Reply {
	fields := strings.Fields(msg)
	name, args := fields[0], fields[1:]

	switch name {
	case "/start":
		return s.start(userID)
	case "/help":
		return s.help()
	case "/login":
		return s.login(userID, args)
	}

	st := s.states.Get(userID)
	if !st.Authorized {
		return text("Not logged in. Use /login <server> <key>.")
	}

	// Admin commands require a logged-in admin; the id alone is not proof.
	if replies, handled := s.handleAdminCommand(userID, name, args); handled {
		return replies
	}

	switch name {
	case "/tabs":
		return s.tabMenu(st)
	case "/interval":
		return s.intervalMenu(st)
	case "/refresh":
		return s.sendCapture(st, true)
	case "/edit":
		return s.editMenu(st)
	case "/jobs":
		return s.jobsMenu(st)
	case "/assistant":
		return s.toggleMode(st)
	case "/cancel":
		return s.cancel(st)
	default:
		return text("Unknown command. /help lists the available ones.")
	}
}

func (s *Service) handleText(userID, msg string) []Reply {
	st := s.states.Get(userID)
	if !st.Authorized {
		return text("Not logged in. Use /login <server> <key>.")
	}
	if st.EditSession != nil {
		return s.saveEditContent(st, msg)
	}
	if st.RenameTabID != "" {
		return s.finishRename(st, msg)
	}
	if st.ActiveTabID == "" {
		return text("No active tab. Use /tabs to create or select one.")
	}
	record, ok := s.tabs.GetByID(st.ActiveTabID)
	if !ok {
		return text("The active tab no longer exists. Use /tabs to pick another.")
	}
	return s.executeCommand(st, record, msg)
}

// HandleAction processes a button press. Action strings are the Button.Action
// values previously sent to the client.
func (s *Service) HandleAction(userID, action string) []Reply {
	st := s.states.Get(userID)
	if !st.Authorized {
		return text("Not logged in. Use /login <server> <key>.")
	}

	switch {
	case action == "tab:list":
		return s.tabMenu(st)
	case action == "tab:new":
		return s.createTab(st)
	case strings.HasPrefix(action, "tab:select:"):
		return s.selectTab(st, strings.TrimPrefix(action, "tab:select:"))
	case strings.HasPrefix(action, "tab:rename:"):
		return s.promptRename(st, strings.TrimPrefix(action, "tab:rename:"))
	case strings.HasPrefix(action, "tab:close:"):
		return s.closeTab(st, strings.TrimPrefix(action, "tab:close:"))
	case action == "interval:list":
		return s.intervalMenu(st)
	case strings.HasPrefix(action, "interval:set:"):
		return s.setInterval(st, strings.TrimPrefix(action, "interval:set:"))
	case action == "refresh:now":
		return s.sendCapture(st, true)
	case action == "edit:list":
		return s.editMenu(st)
	case strings.HasPrefix(action, "edit:open:"):
		return s.openEditor(st, strings.TrimPrefix(action, "edit:open:"))
	case action == "jobs:list":
		return s.jobsMenu(st)
	case action == "jobs:suspend":
		return s.suspendJob(st)
	case strings.HasPrefix(action, "jobs:bg:"):
		return s.backgroundJob(st, strings.TrimPrefix(action, "jobs:bg:"))
	case strings.HasPrefix(action, "jobs:fg:"):
		return s.foregroundJob(st, strings.TrimPrefix(action, "jobs:fg:"))
	case action == "mode:assistant":
		return s.setMode(st, state.ModeAssistant)
	case action == "mode:normal":
		return s.setMode(st, state.ModeNormal)
	case strings.HasPrefix(action, "prompt:"):
		return s.promptAction(st, strings.TrimPrefix(action, "prompt:"))
	default:
		return text("Unknown action.")
	}
}

func (s *Service) start(userID string) []Reply {
	st := s.states.Get(userID)
	if !st.Authorized {
		return text("Welcome. Log in with /login <server> <key>.")
	}
	return s.mainMenu(st)
}

func (s *Service) help() []Reply {
	return text(strings.Join([]string{
		"Plain text runs as a command in the active tab.",
		"Commands:",
		"/tabs — manage tabs",
		"/interval — periodic capture interval",
		"/refresh — capture the active tab now",
		"/edit — edit files in the tab's directory",
		"/jobs — shell job control",
		"/assistant — toggle assistant mode",
		"/cancel — abort pending rename or edit",
		"/login <server> <key> — log in",
	}, "\n"))
}

func (s *Service) login(userID string, args []string) []Reply {
	if len(args) < 2 {
		return text("Usage: /login <server> <key>")
	}
	server, key := args[0], args[1]
	if !s.auth.Validate(key, userID, server) {
		return text("Login failed.")
	}
	st := s.states.Get(userID)
	st.Authorized = true
	st.ServerAddr = server
	// Record where unsolicited pushes for this user should go. The chat
	// transport addresses connections by user id.
	st.ChatID = userID
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", userID, "error", err)
		return text("Login failed: could not persist session.")
	}
	replies := text("Logged in.")
	return append(replies, s.mainMenu(st)...)
}

func (s *Service) mainMenu(st state.UserState) []Reply {
	modeButton := Button{Label: "ASSISTANT", Action: "mode:assistant"}
	if st.Mode == state.ModeAssistant {
		modeButton = Button{Label: "SHELL", Action: "mode:normal"}
	}
	return []Reply{{
		Text: "Control panel:",
		Buttons: []Button{
			{Label: "Tabs", Action: "tab:list"},
			{Label: "Interval", Action: "interval:list"},
			{Label: "Refresh", Action: "refresh:now"},
			{Label: "Edit", Action: "edit:list"},
			{Label: "Jobs", Action: "jobs:list"},
			modeButton,
		},
	}}
}

func (s *Service) toggleMode(st state.UserState) []Reply {
	next := state.ModeAssistant
	if st.Mode == state.ModeAssistant {
		next = state.ModeNormal
	}
	return s.setMode(st, next)
}

func (s *Service) setMode(st state.UserState, mode state.Mode) []Reply {
	st.Mode = mode
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
		return text("Could not persist mode change.")
	}
	replies := textf("Mode: %s", mode)
	return append(replies, s.mainMenu(st)...)
}

func (s *Service) cancel(st state.UserState) []Reply {
	st.EditSession = nil
	st.RenameTabID = ""
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
		return text("Could not persist cancel.")
	}
	return text("Pending operation cancelled.")
}

// activeRecord resolves the user's active tab, or nil with a ready-made
// reply when there is none.
func (s *Service) activeRecord(st state.UserState) (registry.TagRecord, []Reply) {
	if st.ActiveTabID == "" {
		return registry.TagRecord{}, text("No active tab. Use /tabs to create or select one.")
	}
	record, ok := s.tabs.GetByID(st.ActiveTabID)
	if !ok {
		return registry.TagRecord{}, text("The active tab no longer exists. Use /tabs to pick another.")
	}
	return record, nil
}

// sessionError maps driver failures onto user-facing text.
func sessionError(err error) []Reply {
	switch {
	case errors.Is(err, tmux.ErrUnavailable):
		return text("tmux is not available on the server.")
	case errors.Is(err, tmux.ErrSessionNotFound):
		return text("The session is gone. /refresh recreates it.")
	case errors.Is(err, tmux.ErrTimeout):
		return text("The session did not respond in time.")
	default:
		return text("Session error. Check the server logs.")
	}
}
