package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chatmux/chatmux/internal/logging"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// ErrSessionNotFound is returned when the target session does not exist.
var ErrSessionNotFound = errors.New("tmux session not found")

// ErrUnavailable is returned when the tmux binary is missing or the server
// cannot be reached at all.
var ErrUnavailable = errors.New("tmux unavailable")

// ErrTimeout is returned when a tmux invocation exceeds its deadline.
// Callers should treat this as a driver failure, not session absence.
var ErrTimeout = errors.New("tmux command timed out")

// Options configures a Client.
type Options struct {
	// TmuxCmd is the tmux binary to invoke (default: "tmux").
	TmuxCmd string

	// Width and Height are applied to every window and pane of a session on
	// EnsureSession. tmux sizes sessions to the attaching client's terminal,
	// which would make capture output shape vary between attaches.
	Width  int
	Height int

	// CaptureLines is the trailing scrollback window passed to capture-pane
	// via -S (default: 2000).
	CaptureLines int

	// CommandTimeout bounds every tmux invocation (default: 5s). A hung tmux
	// server surfaces as ErrTimeout instead of stalling the caller forever.
	CommandTimeout time.Duration
}

// Client is a synchronous wrapper around the tmux binary. Every operation
// spawns (at most a few) tmux subprocesses and blocks on them; callers must
// not assume sub-millisecond latency.
type Client struct {
	cmd          string
	width        int
	height       int
	captureLines int
	timeout      time.Duration

	captureSf singleflight.Group
}

// NewClient creates a tmux client with defaults applied.
func NewClient(opts Options) *Client {
	if opts.TmuxCmd == "" {
		opts.TmuxCmd = "tmux"
	}
	if opts.Width <= 0 {
		opts.Width = 80
	}
	if opts.Height <= 0 {
		opts.Height = 24
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = 2000
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	return &Client{
		cmd:          opts.TmuxCmd,
		width:        opts.Width,
		height:       opts.Height,
		captureLines: opts.CaptureLines,
		timeout:      opts.CommandTimeout,
	}
}

// IsAvailable checks that the tmux binary is installed and runnable.
func (c *Client) IsAvailable() error {
	out, err := c.run("-V")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sessionLog.Debug("tmux_version", slog.String("version", strings.TrimSpace(out)))
	return nil
}

// HasSession reports whether a session with the given name exists.
// tmux exits non-zero both for "no such session" and "no server running";
// either way the session is not there.
func (c *Client) HasSession(name string) bool {
	_, err := c.run("has-session", "-t", name)
	return err == nil
}

// EnsureSession creates the session if it does not exist and (re)applies the
// configured fixed geometry to every window and pane. Idempotent.
func (c *Client) EnsureSession(name string) error {
	if !c.HasSession(name) {
		if out, err := c.run("new-session", "-d", "-s", name, "-x", fmt.Sprint(c.width), "-y", fmt.Sprint(c.height)); err != nil {
			return fmt.Errorf("create session %q: %w (output: %s)", name, err, strings.TrimSpace(out))
		}
		sessionLog.Info("session_created", slog.String("session", name))
	}
	return c.applyUniformSize(name)
}

// KillSession destroys the session. Missing sessions surface as
// ErrSessionNotFound.
func (c *Client) KillSession(name string) error {
	if _, err := c.run("kill-session", "-t", name); err != nil {
		return c.classify(name, err)
	}
	sessionLog.Info("session_killed", slog.String("session", name))
	return nil
}

// ListSessions returns the names of all live sessions. A tmux server that is
// not running is reported as an empty set, not an error.
func (c *Client) ListSessions() (map[string]bool, error) {
	out, err := c.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		// list-sessions exits 1 when no server is running
		return map[string]bool{}, nil
	}
	sessions := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			sessions[line] = true
		}
	}
	return sessions, nil
}

// SendCommand sends literal text to the session followed by Enter.
// The -l flag keeps tmux from interpreting the text as key names.
func (c *Client) SendCommand(name, text string) error {
	if _, err := c.run("send-keys", "-l", "-t", name, "--", text); err != nil {
		return c.classify(name, err)
	}
	if _, err := c.run("send-keys", "-t", name, "Enter"); err != nil {
		return c.classify(name, err)
	}
	return nil
}

// SendSuspend sends Ctrl+Z to suspend the foreground job.
func (c *Client) SendSuspend(name string) error {
	if _, err := c.run("send-keys", "-t", name, "C-z"); err != nil {
		return c.classify(name, err)
	}
	return nil
}

// SendBackground resumes a suspended job in the background (bg %N).
func (c *Client) SendBackground(name, jobID string) error {
	return c.SendCommand(name, fmt.Sprintf("bg %%%s", jobID))
}

// SendForeground brings a job to the foreground (fg %N).
func (c *Client) SendForeground(name, jobID string) error {
	return c.SendCommand(name, fmt.Sprintf("fg %%%s", jobID))
}

// Capture returns a bounded trailing window of the session's visible buffer.
// Concurrent captures of the same session are deduplicated via singleflight.
func (c *Client) Capture(name string) (string, error) {
	v, err, _ := c.captureSf.Do(name, func() (interface{}, error) {
		// -J joins wrapped lines so hashes don't change on resize
		out, err := c.run("capture-pane", "-p", "-J", "-S", fmt.Sprintf("-%d", c.captureLines), "-t", name)
		if err != nil {
			return "", c.classify(name, err)
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// WorkingDirectory returns the current working directory of the session's
// active pane.
func (c *Client) WorkingDirectory(name string) (string, error) {
	out, err := c.run("display-message", "-p", "-t", name, "#{pane_current_path}")
	if err != nil {
		return "", c.classify(name, err)
	}
	return strings.TrimSpace(out), nil
}

// applyUniformSize resizes every window and pane of the session to the
// configured fixed geometry.
func (c *Client) applyUniformSize(name string) error {
	windows, err := c.run("list-windows", "-t", name, "-F", "#{window_id}")
	if err != nil {
		return c.classify(name, err)
	}
	for _, id := range splitLines(windows) {
		// resize-window is tmux 2.9+; failures are non-fatal on older servers
		_, _ = c.run("resize-window", "-t", id, "-x", fmt.Sprint(c.width), "-y", fmt.Sprint(c.height))
	}

	panes, err := c.run("list-panes", "-s", "-t", name, "-F", "#{pane_id}")
	if err != nil {
		return c.classify(name, err)
	}
	for _, id := range splitLines(panes) {
		_, _ = c.run("resize-pane", "-t", id, "-x", fmt.Sprint(c.width), "-y", fmt.Sprint(c.height))
	}
	return nil
}

// run executes one tmux invocation bounded by the client timeout.
func (c *Client) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cmd, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: tmux %s", ErrTimeout, args[0])
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return string(out), fmt.Errorf("tmux %s: %w: %s", args[0], err, msg)
		}
		return string(out), fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return string(out), nil
}

// classify maps a raw invocation error onto the driver error taxonomy,
// distinguishing "session absent" from "driver unavailable".
func (c *Client) classify(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "no server running") {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return err
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
