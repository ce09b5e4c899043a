package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Button is one quick-action offered alongside surfaced output. Action is an
// opaque token the transport hands back when the button is selected.
type Button struct {
	Label  string `toml:"label"`
	Action string `toml:"action"`
}

// Matcher is one configured rule. Type is "keyword" (default) or "regex".
type Matcher struct {
	ID                string   `toml:"id"`
	Type              string   `toml:"type"`
	Keywords          []string `toml:"keywords"`
	Pattern           string   `toml:"pattern"`
	CaseSensitive     *bool    `toml:"case_sensitive"` // nil means case sensitive
	IncrementalOutput bool     `toml:"incremental_output"`
	Buttons           []Button `toml:"buttons"`
}

// UserOverride adjusts evaluation for a single user. Nil fields mean "no
// override".
type UserOverride struct {
	Enabled          *bool `toml:"enabled"`
	ForceIncremental *bool `toml:"force_incremental"`
}

// Config is the declarative rule set, normally loaded from TOML.
type Config struct {
	Enabled        *bool                   `toml:"enabled"`         // nil means enabled
	DefaultSilence *bool                   `toml:"default_silence"` // nil means silent on no match
	Matchers       []Matcher               `toml:"matchers"`
	Users          map[string]UserOverride `toml:"users"`
}

// Match is the outcome of a successful rule evaluation.
type Match struct {
	RuleID            string
	IncrementalOutput bool
	Buttons           []Button
}

// compiledMatcher holds a matcher with its regex pre-compiled.
type compiledMatcher struct {
	Matcher
	re *regexp.Regexp
}

// Engine evaluates captured output against the configured rules. It is pure
// and stateless aside from its loaded configuration: identical inputs always
// produce identical outputs.
type Engine struct {
	enabled        bool
	defaultSilence bool
	matchers       []compiledMatcher
	users          map[string]UserOverride
}

// NewEngine compiles a config into an engine. Invalid regex patterns fail
// here rather than at evaluation time.
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{
		enabled:        cfg.Enabled == nil || *cfg.Enabled,
		defaultSilence: cfg.DefaultSilence == nil || *cfg.DefaultSilence,
		users:          cfg.Users,
	}
	for i, m := range cfg.Matchers {
		cm := compiledMatcher{Matcher: m}
		if m.Type == "regex" {
			pattern := m.Pattern
			if !caseSensitive(m.CaseSensitive) {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, m.ID, err)
			}
			cm.re = re
		}
		e.matchers = append(e.matchers, cm)
	}
	return e, nil
}

func caseSensitive(v *bool) bool {
	return v == nil || *v
}

// Evaluate walks the rule list in declaration order and returns the first
// match. Returns ok=false when nothing should surface.
func (e *Engine) Evaluate(message, userID string) (Match, bool) {
	if !e.enabled {
		return Match{}, false
	}
	if e.userDisabled(userID) {
		return Match{}, false
	}

	for _, m := range e.matchers {
		if !m.matches(message) {
			continue
		}
		return Match{
			RuleID:            ruleID(m.ID),
			IncrementalOutput: e.resolveIncremental(m.IncrementalOutput, userID),
			Buttons:           m.Buttons,
		}, true
	}

	if e.defaultSilence {
		return Match{}, false
	}
	return Match{RuleID: "default", IncrementalOutput: false}, true
}

func ruleID(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

func (e *Engine) userDisabled(userID string) bool {
	if userID == "" {
		return false
	}
	ov, ok := e.users[userID]
	return ok && ov.Enabled != nil && !*ov.Enabled
}

// resolveIncremental applies a per-user override on top of the rule's own
// surface-raw-text flag.
func (e *Engine) resolveIncremental(ruleFlag bool, userID string) bool {
	if userID != "" {
		if ov, ok := e.users[userID]; ok && ov.ForceIncremental != nil {
			return *ov.ForceIncremental
		}
	}
	return ruleFlag
}

func (m *compiledMatcher) matches(message string) bool {
	if m.re != nil {
		return m.re.FindStringIndex(message) != nil
	}
	return keywordMatch(m.Keywords, message, caseSensitive(m.CaseSensitive))
}

// keywordMatch reports whether any keyword occurs as a substring.
func keywordMatch(keywords []string, message string, sensitive bool) bool {
	haystack := message
	if !sensitive {
		haystack = strings.ToLower(message)
	}
	for _, kw := range keywords {
		needle := kw
		if !sensitive {
			needle = strings.ToLower(kw)
		}
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
