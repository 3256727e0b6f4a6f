// Package streaming re-transcribes the growing capture buffer while a key is
// held and types out text as the hypothesis grows.
package streaming

import (
	"sync"
	"unicode/utf8"
)

// State is the text already dispatched during one session. Lengths are
// counted in runes.
type State struct {
	mu      sync.Mutex
	emitted string
	length  int
	active  bool
}

func (s *State) Emitted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Reset clears the emitted text and marks the session active.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = ""
	s.length = 0
	s.active = true
}

func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Deactivate clears the active flag and returns the text emitted so far.
// After it returns no further fragment will be dispatched.
func (s *State) Deactivate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	return s.emitted
}

// advance applies text under the lock. emit runs only while the session is
// still active and receives the new suffix, which may be empty. Nothing is
// emitted once Deactivate has returned.
func (s *State) advance(text string, emit func(fragment string)) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return "", false
	}
	fragment, n := NextFragment(s.length, text)
	emit(fragment)
	if fragment == "" {
		return "", true
	}
	s.emitted = text
	s.length = n
	return fragment, true
}

// NextFragment returns the part of text beyond the first lastLen runes. A
// hypothesis that did not grow yields nothing; already dispatched text is
// never revised.
func NextFragment(lastLen int, text string) (string, int) {
	n := utf8.RuneCountInString(text)
	if n <= lastLen {
		return "", lastLen
	}
	return string([]rune(text)[lastLen:]), n
}
