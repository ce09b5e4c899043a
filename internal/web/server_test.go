package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatmux/chatmux/internal/core"
)

type echoChat struct{}

func (echoChat) HandleMessage(userID, text string) []core.Reply {
	return []core.Reply{{Text: "msg:" + userID + ":" + text}}
}

func (echoChat) HandleAction(userID, action string) []core.Reply {
	return []core.Reply{{
		Text:    "act:" + userID + ":" + action,
		Buttons: []core.Button{{Label: "Again", Action: action}},
	}}
}

func TestHealthz(t *testing.T) {
	s := NewServer(Config{}, echoChat{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatWSRequiresToken(t *testing.T) {
	s := NewServer(Config{Token: "tok"}, echoChat{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/chat?user=alice", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	// Wrong token is also rejected.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/chat?user=alice&token=nope", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatWSRequiresUser(t *testing.T) {
	s := NewServer(Config{}, echoChat{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/chat", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer tok", "tok"},
		{"  Bearer tok  ", "tok"},
		{"Basic tok", ""},
		{"Bearer ", ""},
	}
	for _, tc := range cases {
		if got := bearerToken(tc.header); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestAuthorizeRequestBearer(t *testing.T) {
	s := NewServer(Config{Token: "tok"}, echoChat{})
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?user=alice", nil)
	r.Header.Set("Authorization", "Bearer tok")
	if !s.authorizeRequest(r) {
		t.Fatal("bearer token rejected")
	}
}

func TestAllowWSOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.Host = "example.com"

	if !allowWSOrigin(r) {
		t.Fatal("empty origin rejected")
	}
	r.Header.Set("Origin", "https://example.com")
	if !allowWSOrigin(r) {
		t.Fatal("same-host origin rejected")
	}
	r.Header.Set("Origin", "https://evil.test")
	if allowWSOrigin(r) {
		t.Fatal("cross-host origin accepted")
	}
	r.Header.Set("Origin", "::not a url::")
	if allowWSOrigin(r) {
		t.Fatal("malformed origin accepted")
	}
}

func TestWithRecover(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
