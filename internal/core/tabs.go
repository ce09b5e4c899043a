package core

import (
	"errors"
	"fmt"

	"github.com/chatmux/chatmux/internal/registry"
	"github.com/chatmux/chatmux/internal/state"
)

func (s *Service) tabMenu(st state.UserState) []Reply {
	records := s.tabs.List(st.UserID)
	var buttons []Button
	for _, rec := range records {
		label := rec.TagName
		if rec.TagID == st.ActiveTabID {
			label = "✅ " + label
		}
		if rec.Status == registry.StatusMissing {
			label += " (missing)"
		}
		buttons = append(buttons,
			Button{Label: label, Action: "tab:select:" + rec.TagID},
			Button{Label: "✏️ " + rec.TagName, Action: "tab:rename:" + rec.TagID},
			Button{Label: "🗑️ " + rec.TagName, Action: "tab:close:" + rec.TagID},
		)
	}
	buttons = append(buttons, Button{Label: "➕ New tab", Action: "tab:new"})
	return []Reply{{Text: "Tabs:", Buttons: buttons}}
}

func (s *Service) createTab(st state.UserState) []Reply {
	existing := make(map[string]bool)
	for _, rec := range s.tabs.List(st.UserID) {
		existing[rec.TagName] = true
	}
	idx := len(existing) + 1
	name := fmt.Sprintf("tab-%d", idx)
	for existing[name] {
		idx++
		name = fmt.Sprintf("tab-%d", idx)
	}

	record, err := s.tabs.Create(st.UserID, name)
	if err != nil {
		coreLog.Error("tab_create_failed", "user", st.UserID, "error", err)
		return text("Could not create tab: " + err.Error())
	}
	st.ActiveTabID = record.TagID
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
	}
	return textf("Created tab %s.", record.TagName)
}

func (s *Service) selectTab(st state.UserState, tabID string) []Reply {
	record, ok := s.tabs.GetByID(tabID)
	if !ok || record.UserID != st.UserID {
		return text("No such tab.")
	}
	st.ActiveTabID = record.TagID
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
		return text("Could not persist tab selection.")
	}
	return textf("Switched to tab %s.", record.TagName)
}

func (s *Service) promptRename(st state.UserState, tabID string) []Reply {
	record, ok := s.tabs.GetByID(tabID)
	if !ok || record.UserID != st.UserID {
		return text("No such tab.")
	}
	st.RenameTabID = tabID
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
		return text("Could not start rename.")
	}
	return textf("Send the new name for %s (or /cancel).", record.TagName)
}

func (s *Service) finishRename(st state.UserState, newName string) []Reply {
	record, err := s.tabs.Rename(st.RenameTabID, newName)
	switch {
	case errors.Is(err, registry.ErrNameEmpty):
		return text("Tab name cannot be empty.")
	case errors.Is(err, registry.ErrNameTaken):
		return text("That name is already in use.")
	case errors.Is(err, registry.ErrNotFound):
		st.RenameTabID = ""
		if uerr := s.states.Update(st); uerr != nil {
			coreLog.Error("state_update_failed", "user", st.UserID, "error", uerr)
		}
		return text("The tab being renamed no longer exists.")
	case err != nil:
		coreLog.Error("tab_rename_failed", "user", st.UserID, "error", err)
		return text("Rename failed: " + err.Error())
	}
	st.RenameTabID = ""
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
	}
	return textf("Tab renamed to %s.", record.TagName)
}

func (s *Service) closeTab(st state.UserState, tabID string) []Reply {
	record, ok := s.tabs.GetByID(tabID)
	if !ok || record.UserID != st.UserID {
		return text("No such tab.")
	}
	if err := s.tabs.Delete(tabID); err != nil {
		coreLog.Error("tab_close_failed", "user", st.UserID, "tab", tabID, "error", err)
		return text("Could not close tab: " + err.Error())
	}
	s.tracker.Forget(tabID)
	if st.ActiveTabID == tabID {
		st.ActiveTabID = ""
	}
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
	}
	return textf("Closed tab %s.", record.TagName)
}

func (s *Service) intervalMenu(st state.UserState) []Reply {
	var buttons []Button
	for _, opt := range state.Intervals {
		label := opt
		if opt == st.Interval {
			label = "✅ " + label
		}
		buttons = append(buttons, Button{Label: label, Action: "interval:set:" + opt})
	}
	return []Reply{{Text: "Capture interval:", Buttons: buttons}}
}

func (s *Service) setInterval(st state.UserState, value string) []Reply {
	if !state.ValidInterval(value) {
		return text("Invalid interval.")
	}
	st.Interval = value
	if err := s.states.Update(st); err != nil {
		coreLog.Error("state_update_failed", "user", st.UserID, "error", err)
		return text("Could not persist interval.")
	}
	return textf("Interval set to %s.", value)
}
