package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chatmux/chatmux/internal/core"
	"github.com/chatmux/chatmux/internal/logging"
)

var webLog = logging.ForComponent(logging.CompWeb)

type wsClientMessage struct {
	Type   string `json:"type"` // message, action
	Text   string `json:"text,omitempty"`
	Action string `json:"action,omitempty"`
}

type wsServerMessage struct {
	Type    string        `json:"type"` // reply, error
	Text    string        `json:"text,omitempty"`
	Buttons []core.Button `json:"buttons,omitempty"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConn serializes writes; replies and interval pushes come from different
// goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) sendReplies(replies []core.Reply) {
	for _, r := range replies {
		msg := wsServerMessage{Type: "reply", Text: r.Text, Buttons: r.Buttons}
		if err := c.writeJSON(msg); err != nil {
			return
		}
	}
}

// connRegistry tracks live connections per user for unsolicited pushes.
type connRegistry struct {
	mu    sync.Mutex
	byUID map[string]map[*wsConn]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{byUID: make(map[string]map[*wsConn]struct{})}
}

func (r *connRegistry) add(userID string, c *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byUID[userID]
	if !ok {
		set = make(map[*wsConn]struct{})
		r.byUID[userID] = set
	}
	set[c] = struct{}{}
}

func (r *connRegistry) remove(userID string, c *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byUID[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byUID, userID)
		}
	}
}

func (r *connRegistry) broadcast(userID string, replies []core.Reply) {
	r.mu.Lock()
	conns := make([]*wsConn, 0, len(r.byUID[userID]))
	for c := range r.byUID[userID] {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.sendReplies(replies)
	}
}

func (r *connRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.byUID {
		for c := range set {
			c.conn.Close()
		}
	}
	r.byUID = make(map[string]map[*wsConn]struct{})
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "user is required")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wc := &wsConn{conn: conn}
	s.conns.add(userID, wc)
	defer s.conns.remove(userID, wc)
	webLog.Info("ws_connected", slog.String("user", userID))
	defer webLog.Info("ws_disconnected", slog.String("user", userID))

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RateBurst)

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				webLog.Warn("ws_read_failed",
					slog.String("user", userID), slog.String("error", err.Error()))
			}
			return
		}

		if !limiter.Allow() {
			_ = wc.writeJSON(wsServerMessage{
				Type: "error", Code: "RATE_LIMITED", Message: "too many messages",
			})
			continue
		}

		switch msg.Type {
		case "message":
			wc.sendReplies(s.chat.HandleMessage(userID, msg.Text))
		case "action":
			wc.sendReplies(s.chat.HandleAction(userID, msg.Action))
		default:
			_ = wc.writeJSON(wsServerMessage{
				Type: "error", Code: "INVALID_REQUEST", Message: "unknown frame type",
			})
		}
	}
}
