package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatmux/chatmux/internal/state"
)

const maxEditMenuEntries = 20

func (s *Service) editMenu(st state.UserState) []Reply {
	record, errReply := s.activeRecord(st)
	if errReply != nil {
		return errReply
	}
	if err := s.term.EnsureSession(record.SessionName); err != nil {
		return sessionError(err)
	}
	cwd, err := s.term.WorkingDirectory(record.SessionName)
	if err != nil {
		return sessionError(err)
	}
	names := listFiles(cwd)
	if len(names) == 0 {
		return textf("No editable files in %s.", cwd)
	}
	buttons := make([]Button, 0, len(names))
	for _, name := range names {
		buttons = append(buttons, Button{Label: name, Action: "edit:open:" + name})
	}
	return []Reply{{
		Text:    fmt.Sprintf("Directory: %s\nPick a file to edit:", cwd),
		Buttons: buttons,
	}}
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxEditMenuEntries {
		names = names[:maxEditMenuEntries]
	}
	return names
}

// openEditor resolves relPath against the tab's working directory and starts
// an edit session. Paths escaping the directory are rejected.
func (s *Service) openEditor(st state.UserState, relPath string) []Reply {
	record, errReply := s.activeRecord(st)
	if errReply != nil {
		return errReply
	}
	cwd, err := s.term.WorkingDirectory(record.SessionName)
	if err != nil {
		return sessionError(err)
	}
	base, err := filepath.Abs(cwd)
	if err != nil {
		return text("Could not resolve the working directory.")
	}
	target := filepath.Join(base, relPath)
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return text("Path escapes the working directory.")
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return text("File does not exist or is not editable.")
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return text("Could not read the file.")
	}

	st.EditSession = &state.EditSession{
		EditID:    "edit-" + uuid.NewString(),
		Path:      target,
		TabID:     record.TagID,
		StartedAt: time.Now(),
	}
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
		return text("Could not start the edit session.")
	}
	header := fmt.Sprintf("Editing %s. Send the new content to save, /cancel to abort.\n\n", relPath)
	return chunked(header + string(content))
}

// saveEditContent writes the pending edit session's file and closes it.
func (s *Service) saveEditContent(st state.UserState, content string) []Reply {
	session := st.EditSession
	if session == nil {
		return nil
	}
	if err := os.WriteFile(session.Path, []byte(content), 0o644); err != nil {
		coreLog.Error("edit_save_failed",
			"user", st.UserID, "path", session.Path, "error", err)
		return text("Saving failed: " + err.Error())
	}
	st.EditSession = nil
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
	}
	return text("Saved.")
}
