package tmux

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseJobs(t *testing.T) {
	output := `$ jobs -l
[1] sleep 100
[2]  vim notes.txt
some other line
[x] not a job
[3]	make -j4
`
	jobs := ParseJobs(output)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d: %v", len(jobs), jobs)
	}
	if jobs[0].ID != "1" || jobs[0].Command != "sleep 100" {
		t.Errorf("job[0] = %+v", jobs[0])
	}
	if jobs[1].ID != "2" || jobs[1].Command != "vim notes.txt" {
		t.Errorf("job[1] = %+v", jobs[1])
	}
	if jobs[2].ID != "3" || jobs[2].Command != "make -j4" {
		t.Errorf("job[2] = %+v", jobs[2])
	}
}

func TestParseJobs_NoWellFormedLines(t *testing.T) {
	jobs := ParseJobs("$ jobs -l\nno jobs here\n")
	if len(jobs) != 0 {
		t.Errorf("expected empty result, got %v", jobs)
	}
}

func TestClassifyDistinguishesNotFound(t *testing.T) {
	c := NewClient(Options{})

	err := c.classify("work", fmt.Errorf("tmux has-session: exit status 1: can't find session: work"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	err = c.classify("work", fmt.Errorf("%w: exec: tmux not found", ErrUnavailable))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}

	err = c.classify("work", fmt.Errorf("%w: tmux capture-pane", ErrTimeout))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	plain := fmt.Errorf("tmux send-keys: exit status 1: bad option")
	if got := c.classify("work", plain); got != plain {
		t.Errorf("unclassified errors must pass through, got %v", got)
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Options{})
	if c.cmd != "tmux" {
		t.Errorf("cmd = %q", c.cmd)
	}
	if c.width != 80 || c.height != 24 {
		t.Errorf("geometry = %dx%d, want 80x24", c.width, c.height)
	}
	if c.captureLines != 2000 {
		t.Errorf("captureLines = %d", c.captureLines)
	}
	if c.timeout <= 0 {
		t.Error("timeout must default to a positive value")
	}
}

func TestMissingBinaryIsUnavailable(t *testing.T) {
	c := NewClient(Options{TmuxCmd: "tmux-binary-that-does-not-exist"})
	if err := c.IsAvailable(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
