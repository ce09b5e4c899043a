package core

import (
	"context"
	"time"

	"github.com/chatmux/chatmux/internal/state"
)

// Notify delivers unsolicited replies to a user, typically over whatever
// transport connection they have open. Implementations drop the replies when
// the user is unreachable.
type Notify func(userID string, replies []Reply)

const intervalTick = 15 * time.Second

// RunIntervalLoop pushes periodic captures to users in normal mode until the
// context is cancelled. Assistant-mode users are skipped; their output flows
// through the rule engine instead.
func (s *Service) RunIntervalLoop(ctx context.Context, notify Notify) {
	ticker := time.NewTicker(intervalTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.pushDue(now, notify)
		}
	}
}

func (s *Service) pushDue(now time.Time, notify Notify) {
	for _, st := range s.states.Users() {
		if !st.Authorized || st.Mode != state.ModeNormal {
			continue
		}
		every, ok := state.IntervalDuration(st.Interval)
		if !ok {
			continue
		}
		if !s.due(st.UserID, now, every) {
			continue
		}
		record, errReply := s.activeRecord(st)
		if errReply != nil {
			continue
		}
		if err := s.term.EnsureSession(record.SessionName); err != nil {
			coreLog.Warn("interval_capture_failed",
				"user", st.UserID, "tab", record.TagID, "error", err)
			continue
		}
		full, err := s.term.Capture(record.SessionName)
		if err != nil {
			coreLog.Warn("interval_capture_failed",
				"user", st.UserID, "tab", record.TagID, "error", err)
			continue
		}
		s.tracker.Observe(record.TagID, full)
		s.markPushed(st.UserID, now)
		dest := st.ChatID
		if dest == "" {
			// State written before the destination was recorded at login.
			dest = st.UserID
		}
		notify(dest, chunked(full))
	}
}

func (s *Service) due(userID string, now time.Time, every time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastPush[userID]
	if ok && now.Sub(last) < every {
		return false
	}
	return true
}

func (s *Service) markPushed(userID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPush[userID] = now
}
