package core

import (
	"slices"
	"time"

	"github.com/chatmux/chatmux/internal/auth"
)

// handleAdminCommand intercepts key-management commands for configured admin
// users. The second return is false when the command is not an admin one and
// normal routing should continue.
func (s *Service) handleAdminCommand(userID, name string, args []string) ([]Reply, bool) {
	switch name {
	case "/revoke_key", "/update_key", "/rotate_token":
	default:
		return nil, false
	}
	if !slices.Contains(s.cfg.Config.Auth.AdminUserIDs, userID) {
		return text("Permission denied."), true
	}

	switch name {
	case "/revoke_key":
		if len(args) != 1 {
			return text("Usage: /revoke_key <user_id>"), true
		}
		if !s.auth.RevokeUserKey(args[0]) {
			return textf("User %s has no key.", args[0]), true
		}
		return s.persistAuth(textf("Revoked key for user %s.", args[0])), true

	case "/update_key":
		if len(args) < 2 {
			return text("Usage: /update_key <user_id> <new_key> [expires_in|expires_at]"), true
		}
		key := auth.UserKey{Key: args[1]}
		if len(args) > 2 {
			expires, err := parseExpiry(args[2])
			if err != nil {
				return text("Bad expiry: use a duration like 72h or an RFC3339 timestamp."), true
			}
			key.ExpiresAt = expires
		}
		s.auth.UpdateUserKey(args[0], key)
		return s.persistAuth(textf("Updated key for user %s.", args[0])), true

	case "/rotate_token":
		if len(args) < 1 {
			return text("Usage: /rotate_token <new_token>"), true
		}
		expiring := s.auth.RotateToken(args[0])
		return s.persistAuth(textf("Token rotated; %d old key(s) now on the grace clock.", expiring)), true
	}
	return nil, false
}

// persistAuth writes mutated key material back to the config file. On
// failure the in-memory change stands but the admin is warned.
func (s *Service) persistAuth(ok []Reply) []Reply {
	s.cfg.ApplyAuthSnapshot(s.auth.Snapshot())
	if err := s.cfg.Save(); err != nil {
		coreLog.Error("config_save_failed", "error", err)
		return text("Key change applied but saving the config failed: " + err.Error())
	}
	return ok
}

func parseExpiry(value string) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(d), nil
	}
	return time.Parse(time.RFC3339, value)
}
