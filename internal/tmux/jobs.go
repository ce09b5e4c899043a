package tmux

import (
	"regexp"
	"strings"
	"time"
)

// Job is one entry from a shell's job table.
type Job struct {
	ID      string
	Command string
}

// jobLineRe matches line-oriented job listings of the shape
// "[<digits>] <command...>". Anything else is ignored.
var jobLineRe = regexp.MustCompile(`^\[(\d+)\]\s+(.+)$`)

// ListJobs issues `jobs -l` into the session, captures the updated buffer and
// parses it. Zero well-formed job lines is an empty result, not an error.
func (c *Client) ListJobs(name string) ([]Job, error) {
	if err := c.SendCommand(name, "jobs -l"); err != nil {
		return nil, err
	}
	// Give the shell a moment to print the table before capturing.
	time.Sleep(200 * time.Millisecond)
	out, err := c.Capture(name)
	if err != nil {
		return nil, err
	}
	return ParseJobs(out), nil
}

// ParseJobs extracts job records from captured terminal output.
func ParseJobs(output string) []Job {
	var jobs []Job
	for _, line := range strings.Split(output, "\n") {
		m := jobLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		jobs = append(jobs, Job{ID: m[1], Command: strings.TrimSpace(m[2])})
	}
	return jobs
}
