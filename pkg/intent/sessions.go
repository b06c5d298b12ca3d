package intent

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session errors
var (
	ErrSessionNotFound = errors.New("disambiguation session not found")
	ErrBadOption       = errors.New("invalid disambiguation option")
)

// Session is a suspended classification awaiting one user selection.
// It is an explicit session-keyed continuation, not a blocked
// goroutine, so many disambiguations can be outstanding at once.
type Session struct {
	ID         string
	Tenant     string
	RawText    string
	Normalized string
	Options    []Option
	// Source is the layer that requested disambiguation
	Source    Method
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TopOption returns the highest-ranked candidate.
func (s *Session) TopOption() Option {
	return s.Options[0]
}

// SessionStore tracks outstanding disambiguation sessions. A janitor
// resolves expired sessions deterministically to their top candidate so
// nothing is left pending indefinitely.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration

	// onTimeout finalizes an expired session (caches the default
	// resolution). Set once before Start.
	onTimeout func(*Session)

	stop chan struct{}
	done chan struct{}
}

// NewSessionStore creates a store whose sessions expire after ttl.
func NewSessionStore(ttl time.Duration, onTimeout func(*Session)) *SessionStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &SessionStore{
		sessions:  make(map[string]*Session),
		ttl:       ttl,
		onTimeout: onTimeout,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the expiry janitor.
func (st *SessionStore) Start() {
	go func() {
		defer close(st.done)
		ticker := time.NewTicker(st.ttl / 4)
		defer ticker.Stop()
		for {
			select {
			case <-st.stop:
				return
			case <-ticker.C:
				st.expire(time.Now())
			}
		}
	}()
}

// Stop shuts the janitor down and waits for it.
func (st *SessionStore) Stop() {
	close(st.stop)
	<-st.done
}

// Create registers a new suspended session. At least two ranked options
// are required; the disambiguation contract always presents the top
// candidate plus a runner-up.
func (st *SessionStore) Create(tenant, raw, normalized string, options []Option, source Method) (*Session, error) {
	if len(options) < 2 {
		return nil, fmt.Errorf("disambiguation needs at least two options, got %d", len(options))
	}

	s := &Session{
		ID:         uuid.New().String(),
		Tenant:     tenant,
		RawText:    raw,
		Normalized: normalized,
		Options:    options,
		Source:     source,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(st.ttl),
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s, nil
}

// Resolve consumes a session with the user's selection. The session is
// removed whether or not the index is valid; a retried bad index would
// hit ErrSessionNotFound, which callers surface the same way.
func (st *SessionStore) Resolve(id string, optionIndex int) (*Session, Option, error) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	if !ok {
		return nil, Option{}, ErrSessionNotFound
	}
	if optionIndex < 0 || optionIndex >= len(s.Options) {
		return nil, Option{}, fmt.Errorf("%w: index %d of %d options", ErrBadOption, optionIndex, len(s.Options))
	}
	return s, s.Options[optionIndex], nil
}

// Pending returns the number of outstanding sessions.
func (st *SessionStore) Pending() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// expire resolves all sessions past their deadline to the top-ranked
// candidate, flagged low-certainty.
func (st *SessionStore) expire(now time.Time) {
	st.mu.Lock()
	var expired []*Session
	for id, s := range st.sessions {
		if now.After(s.ExpiresAt) {
			expired = append(expired, s)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	for _, s := range expired {
		log.Printf("[sessions] %s timed out, resolving to %q (low certainty)", s.ID, s.TopOption().Label)
		if st.onTimeout != nil {
			st.onTimeout(s)
		}
	}
}
