package dispatch

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/chatmux/chatmux/internal/logging"
)

var dispatchLog = logging.ForComponent(logging.CompDispatch)

// DefaultTruncateAt bounds the output excerpt kept in the audit trail.
const DefaultTruncateAt = 200

// Result of one command execution as reported by the executor.
type Result struct {
	Status string
	Output string
}

// Executor performs the actual command send and decides success/failure
// semantics. The dispatcher never retries or reinterprets failures.
type Executor func() (Result, error)

// Entry is one audit record of a dispatch.
type Entry struct {
	UserID  string
	TagID   string
	Command string
	Status  string
	Output  string // already truncated
}

// AuditSink receives dispatch entries for durable storage. A failing sink
// must never prevent command execution.
type AuditSink interface {
	Record(Entry) error
}

// Dispatcher serializes command execution per user and records a structured
// audit trail of every dispatch. Per-user locks are created lazily and
// retained for the life of the process.
type Dispatcher struct {
	truncateAt int
	sink       AuditSink

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAuditSink attaches a durable audit sink.
func WithAuditSink(sink AuditSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithTruncateAt overrides the audit output excerpt bound.
func WithTruncateAt(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.truncateAt = n
		}
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		truncateAt: DefaultTruncateAt,
		userLocks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// lockFor returns the user's serialization lock, creating it on first use.
func (d *Dispatcher) lockFor(userID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		d.userLocks[userID] = lock
	}
	return lock
}

// Dispatch invokes the executor exactly once under the user's lock and
// unconditionally records the outcome. Commands for the same user never
// interleave; different users proceed concurrently.
func (d *Dispatcher) Dispatch(userID, tagID, command string, executor Executor) (Result, error) {
	lock := d.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	result, err := executor()
	status := result.Status
	if err != nil && status == "" {
		status = "error"
	}
	d.record(Entry{
		UserID:  userID,
		TagID:   tagID,
		Command: command,
		Status:  status,
		Output:  d.truncate(result.Output),
	}, err)
	return result, err
}

// record logs the audit line and forwards it to the durable sink. Sink
// failures are reported but never propagate: the execution already happened
// and its result must reach the caller.
func (d *Dispatcher) record(e Entry, execErr error) {
	attrs := []any{
		slog.String("user", e.UserID),
		slog.String("tag", e.TagID),
		slog.String("command", e.Command),
		slog.String("status", e.Status),
		slog.String("output", e.Output),
	}
	if execErr != nil {
		attrs = append(attrs, slog.String("error", execErr.Error()))
	}
	dispatchLog.Info("dispatch", attrs...)

	if d.sink != nil {
		if err := d.sink.Record(e); err != nil {
			dispatchLog.Warn("audit_sink_failed", slog.String("error", err.Error()))
		}
	}
}

// truncate cuts the excerpt on a rune boundary so the audit trail never
// carries a split multibyte sequence.
func (d *Dispatcher) truncate(output string) string {
	if len(output) <= d.truncateAt {
		return output
	}
	cut := d.truncateAt
	for cut > 0 && !utf8.RuneStart(output[cut]) {
		cut--
	}
	return output[:cut] + "..."
}
