package rules

import (
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"
)

// LoadFile reads a TOML rule configuration and compiles it. A missing file
// yields an engine with no matchers (everything stays silent).
func LoadFile(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewEngine(Config{})
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return NewEngine(cfg)
}

// Store holds the current engine and supports atomic swapping on reload.
type Store struct {
	mu     sync.RWMutex
	engine *Engine
}

// NewStore wraps an engine.
func NewStore(engine *Engine) *Store {
	return &Store{engine: engine}
}

// Engine returns the current engine.
func (s *Store) Engine() *Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Swap replaces the current engine.
func (s *Store) Swap(engine *Engine) {
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()
}

// Evaluate delegates to the current engine.
func (s *Store) Evaluate(message, userID string) (Match, bool) {
	return s.Engine().Evaluate(message, userID)
}
