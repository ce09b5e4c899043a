package core

import (
	"fmt"
	"strings"

	"github.com/chatmux/chatmux/internal/dispatch"
	"github.com/chatmux/chatmux/internal/registry"
	"github.com/chatmux/chatmux/internal/state"
)

// validateCommand applies the configured command policy. A non-empty return
// is the rejection message.
func (s *Service) validateCommand(command string) string {
	policy := s.cfg.Config.CommandPolicy
	if strings.TrimSpace(command) == "" {
		return "Command is empty."
	}
	if len(command) > policy.MaxLength {
		return fmt.Sprintf("Command exceeds the %d character limit.", policy.MaxLength)
	}
	for _, re := range s.blocked {
		if re.MatchString(command) {
			return "Command blocked by policy."
		}
	}
	if policy.RequireAllowlist {
		allowed := false
		for _, re := range s.allowed {
			if re.MatchString(command) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "Command is not on the allowlist."
		}
	}
	return ""
}

func (s *Service) executeCommand(st state.UserState, record registry.TagRecord, command string) []Reply {
	if msg := s.validateCommand(command); msg != "" {
		return text(msg)
	}

	_, err := s.dispatcher.Dispatch(st.UserID, record.TagID, command, func() (dispatch.Result, error) {
		if err := s.term.EnsureSession(record.SessionName); err != nil {
			return dispatch.Result{Status: "error", Output: err.Error()}, err
		}
		if err := s.term.SendCommand(record.SessionName, command); err != nil {
			return dispatch.Result{Status: "error", Output: err.Error()}, err
		}
		return dispatch.Result{Status: "sent"}, nil
	})
	if err != nil {
		return sessionError(err)
	}

	if st.Mode == state.ModeAssistant {
		return s.sendCapture(st, false)
	}
	return textf("Sent to %s.", record.TagName)
}

// promptAction runs a rule button's action against the active tab. The
// action text goes through the same policy gate as typed commands.
func (s *Service) promptAction(st state.UserState, action string) []Reply {
	record, errReply := s.activeRecord(st)
	if errReply != nil {
		return errReply
	}
	if msg := s.validateCommand(action); msg != "" {
		return text(msg)
	}
	if err := s.term.SendCommand(record.SessionName, action); err != nil {
		return sessionError(err)
	}
	replies := textf("Sent: %s", action)
	if st.Mode == state.ModeAssistant {
		replies = append(replies, s.sendCapture(st, false)...)
	}
	return replies
}

// sendCapture captures the active tab. In assistant mode (and not forced)
// only rule-matched incremental output is surfaced; otherwise the full
// capture goes out. The per-tab capture cache advances either way.
func (s *Service) sendCapture(st state.UserState, force bool) []Reply {
	record, errReply := s.activeRecord(st)
	if errReply != nil {
		return errReply
	}
	if err := s.term.EnsureSession(record.SessionName); err != nil {
		return sessionError(err)
	}
	full, err := s.term.Capture(record.SessionName)
	if err != nil {
		return sessionError(err)
	}
	delta := s.tracker.Observe(record.TagID, full)

	if st.Mode == state.ModeAssistant && !force {
		match, ok := s.rules.Evaluate(delta, st.UserID)
		if !ok {
			return nil
		}
		var replies []Reply
		if match.IncrementalOutput && delta != "" {
			replies = chunked(delta)
		}
		if len(match.Buttons) > 0 {
			buttons := make([]Button, 0, len(match.Buttons))
			for _, b := range match.Buttons {
				buttons = append(buttons, Button{Label: b.Label, Action: "prompt:" + b.Action})
			}
			replies = append(replies, Reply{
				Text:    "The output needs a decision:",
				Buttons: buttons,
			})
		}
		coreLog.Debug("rule_match",
			"user", st.UserID, "tab", record.TagID, "rule", match.RuleID)
		return replies
	}

	return chunked(full)
}

func (s *Service) jobsMenu(st state.UserState) []Reply {
	record, errReply := s.activeRecord(st)
	if errReply != nil {
		return errReply
	}
	if err := s.term.EnsureSession(record.SessionName); err != nil {
		return sessionError(err)
	}
	jobs, err := s.term.ListJobs(record.SessionName)
	if err != nil {
		return sessionError(err)
	}
	buttons := []Button{{Label: "CTRL-Z", Action: "jobs:suspend"}}
	for _, job := range jobs {
		cmd := job.Command
		if len(cmd) > 12 {
			cmd = cmd[:12]
		}
		buttons = append(buttons,
			Button{Label: fmt.Sprintf("#%s bg %s", job.ID, cmd), Action: "jobs:bg:" + job.ID},
			Button{Label: fmt.Sprintf("#%s fg %s", job.ID, cmd), Action: "jobs:fg:" + job.ID},
		)
	}
	return []Reply{{Text: "Jobs:", Buttons: buttons}}
}

func (s *Service) suspendJob(st state.UserState) []Reply {
	record, errReply := s.activeRecord(st)
	if errReply != nil {
		return errReply
	}
	if err := s.term.SendSuspend(record.SessionName); err != nil {
		return sessionError(err)
	}
	return text("Sent CTRL-Z.")
}

func (s *Service) backgroundJob(st state.UserState, jobID string) []Reply {
	record, errReply := s.activeRecord(st)
	if errReply != nil {
		return errReply
	}
	if err := s.term.SendBackground(record.SessionName, jobID); err != nil {
		return sessionError(err)
	}
	return textf("Job %%%s moved to background.", jobID)
}

func (s *Service) foregroundJob(st state.UserState, jobID string) []Reply {
	record, errReply := s.activeRecord(st)
	if errReply != nil {
		return errReply
	}
	if err := s.term.SendForeground(record.SessionName, jobID); err != nil {
		return sessionError(err)
	}
	return textf("Job %%%s moved to foreground.", jobID)
}
