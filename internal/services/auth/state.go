package auth

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// stateTTL is how long a login state stays redeemable.
const stateTTL = 10 * time.Minute

type stateEntry struct {
	redirectURI string
	expires     time.Time
}

// stateStore keeps in-flight login states. Entries are single use and
// expire lazily; the mediator runs as a single instance so memory is
// sufficient.
type stateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

func newStateStore() *stateStore {
	return &stateStore{entries: map[string]stateEntry{}, now: time.Now}
}

func newStateToken() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Put records a fresh state bound to the client's redirect target.
func (s *stateStore) Put(redirectURI string) string {
	state := newStateToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if s.now().After(entry.expires) {
			delete(s.entries, key)
		}
	}
	s.entries[state] = stateEntry{redirectURI: redirectURI, expires: s.now().Add(stateTTL)}
	return state
}

// Take redeems a state exactly once.
func (s *stateStore) Take(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if !ok {
		return "", false
	}
	delete(s.entries, state)
	if s.now().After(entry.expires) {
		return "", false
	}
	return entry.redirectURI, true
}
