package i2pcontrol

import "sync"

// tokenStore holds the authentication token shared by all in-flight scrapes.
// The lock guards only the field access; callers copy the token out and
// release before doing network I/O. The zero value is ready to use.
type tokenStore struct {
	mu    sync.Mutex
	token string
	valid bool
}

// Current returns the stored token and whether it is valid.
func (s *tokenStore) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return "", false
	}
	return s.token, true
}

// Set stores a freshly issued token and marks it valid.
func (s *tokenStore) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.valid = true
}

// Invalidate discards the stored token. The next caller re-authenticates.
func (s *tokenStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.valid = false
}
