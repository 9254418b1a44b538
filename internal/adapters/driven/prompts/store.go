// Package prompts loads system prompts from user-editable files on disk.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Store implements the interface.
var _ driven.PromptStore = (*Store)(nil)

// Store serves prompts from a directory, falling back to built-in defaults.
//
// Initialisation is lazy: the directory and default files are only created
// on the first Load, never in the constructor.
type Store struct {
	mu       sync.RWMutex
	dir      string
	cache    map[string]string
	initOnce sync.Once
	initErr  error
}

// defaults are written to disk on first use and served when a file is missing.
var defaults = map[string]string{
	driven.PromptChatSystem: `You are a helpful assistant. Answer the user's message directly and concisely.
If you are unsure of something, say so rather than guessing.`,

	driven.PromptRAGSystem: `You are a helpful assistant answering questions from the user's documents.
Use only the numbered passages provided in the context. Cite the passages you rely on
with their number in square brackets, for example [1]. If the passages do not contain
the answer, say that you could not find it in the documents.`,
}

// Default returns the built-in prompt for name.
func Default(name string) (string, bool) {
	p, ok := defaults[name]
	return p, ok
}

// New creates a store rooted at dir. An empty dir uses ~/.sercha-rag/prompts.
func New(dir string) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, ".sercha-rag", "prompts")
	}
	return &Store{dir: dir, cache: make(map[string]string)}, nil
}

// Load returns the prompt for name. A missing or unreadable file falls
// back to the built-in default; unknown names without a file are an error.
func (s *Store) Load(name string) (string, error) {
	s.initOnce.Do(s.initialise)
	if s.initErr != nil {
		if p, ok := defaults[name]; ok {
			return p, nil
		}
		return "", fmt.Errorf("prompt store init failed: %w", s.initErr)
	}

	s.mu.RLock()
	if p, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	p, err := s.loadFromFile(name)
	if err != nil || p == "" {
		if def, ok := defaults[name]; ok {
			return def, nil
		}
		if err == nil {
			err = fs.ErrNotExist
		}
		return "", fmt.Errorf("load prompt %q: %w", name, err)
	}

	s.mu.Lock()
	if cached, ok := s.cache[name]; ok {
		p = cached
	} else {
		s.cache[name] = p
	}
	s.mu.Unlock()
	return p, nil
}

// Reload clears the cache so edited files are picked up.
func (s *Store) Reload() {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
}

// Dir returns the prompt directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) initialise() {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		s.initErr = fmt.Errorf("create prompt directory: %w", err)
		return
	}
	for name, content := range defaults {
		path := filepath.Join(s.dir, name+".txt")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if err := os.WriteFile(path, []byte(content+"\n"), 0o600); err != nil {
				s.initErr = fmt.Errorf("create default prompt %q: %w", name, err)
				return
			}
		}
	}
}

func (s *Store) loadFromFile(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name+".txt"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
