// Package session maps connections to authenticated launcher identities and
// enforces the single-session-per-account rule.
package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrMissingConnectionID is returned when a session or patch omits the
// required connection identifier. This indicates a programming mistake,
// not a runtime condition to tolerate.
var ErrMissingConnectionID = errors.New("session requires a connection id")

// ConnCloser closes a tracked connection by id. The connection registry
// satisfies this; tests substitute a recorder.
type ConnCloser interface {
	Close(id string)
}

// Session is the authenticated identity bound to one launcher connection.
type Session struct {
	ConnectionID        string
	Protocol            string
	Token               string
	AccountID           string
	Secret              string
	DisplayName         string
	IsAuthenticated     bool
	SubscribedToServers bool
	ConnectedAt         time.Time
}

// Patch is a field-level update to an existing session. A nil pointer leaves
// the prior value untouched; a non-nil pointer assigns, so pointing at the
// zero value clears the field.
type Patch struct {
	ConnectionID        string
	Protocol            *string
	Token               *string
	AccountID           *string
	Secret              *string
	DisplayName         *string
	IsAuthenticated     *bool
	SubscribedToServers *bool
}

// Store is the single source of truth for "who is this connection".
// All methods are safe for concurrent use.
type Store struct {
	closer ConnCloser
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // connectionID → session
	accounts map[string]string   // accountID → connectionID
}

// NewStore creates an empty session store.
//
// Precondition: closer and logger must be non-nil.
func NewStore(closer ConnCloser, logger *zap.Logger) *Store {
	return &Store{
		closer:   closer,
		logger:   logger,
		sessions: make(map[string]*Session),
		accounts: make(map[string]string),
	}
}

// Add registers a new session. If the session carries an account id already
// bound to a different connection, the older connection is closed and its
// entries removed first (eviction-on-login).
//
// Postcondition: Returns ErrMissingConnectionID if the connection id is
// absent; otherwise exactly one session exists for the session's account id.
func (s *Store) Add(sess Session) error {
	if sess.ConnectionID == "" {
		return ErrMissingConnectionID
	}
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = time.Now()
	}

	var evicted string
	s.mu.Lock()
	if sess.AccountID != "" {
		evicted = s.evictLocked(sess.AccountID, sess.ConnectionID)
		s.accounts[sess.AccountID] = sess.ConnectionID
	}
	s.sessions[sess.ConnectionID] = &sess
	s.mu.Unlock()

	if evicted != "" {
		s.logger.Info("evicted superseded session",
			zap.String("account_id", sess.AccountID),
			zap.String("old_connection_id", evicted),
			zap.String("new_connection_id", sess.ConnectionID),
		)
		s.closer.Close(evicted)
	}
	return nil
}

// Update merges the patch into the session for its connection id, creating
// the session if absent. When evictOthers is true and the patch binds an
// account id held by a different connection, that connection is evicted as
// in Add.
//
// Postcondition: Returns the post-merge session, or ErrMissingConnectionID.
func (s *Store) Update(patch Patch, evictOthers bool) (Session, error) {
	if patch.ConnectionID == "" {
		return Session{}, ErrMissingConnectionID
	}

	var evicted string
	s.mu.Lock()
	sess, ok := s.sessions[patch.ConnectionID]
	if !ok {
		sess = &Session{ConnectionID: patch.ConnectionID, ConnectedAt: time.Now()}
		s.sessions[patch.ConnectionID] = sess
	}

	prevAccount := sess.AccountID
	applyPatch(sess, patch)

	if sess.AccountID != prevAccount {
		if prevAccount != "" && s.accounts[prevAccount] == patch.ConnectionID {
			delete(s.accounts, prevAccount)
		}
		if sess.AccountID != "" {
			if evictOthers {
				evicted = s.evictLocked(sess.AccountID, patch.ConnectionID)
			}
			s.accounts[sess.AccountID] = patch.ConnectionID
		}
	}
	result := *sess
	s.mu.Unlock()

	if evicted != "" {
		s.logger.Info("evicted superseded session",
			zap.String("account_id", result.AccountID),
			zap.String("old_connection_id", evicted),
			zap.String("new_connection_id", result.ConnectionID),
		)
		s.closer.Close(evicted)
	}
	return result, nil
}

// evictLocked removes any session binding accountID to a connection other
// than keepConnID and returns the evicted connection id. Caller holds mu and
// closes the returned connection outside the lock.
func (s *Store) evictLocked(accountID, keepConnID string) string {
	oldConnID, ok := s.accounts[accountID]
	if !ok || oldConnID == keepConnID {
		return ""
	}
	delete(s.sessions, oldConnID)
	delete(s.accounts, accountID)
	return oldConnID
}

// Get returns the session for the given connection id.
//
// Postcondition: Returns (session, true) if found, or a zero session and
// false otherwise.
func (s *Store) Get(connectionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// GetByAccountID returns the session bound to the given account id.
//
// Postcondition: Returns (session, true) if found, or a zero session and
// false otherwise.
func (s *Store) GetByAccountID(accountID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connID, ok := s.accounts[accountID]
	if !ok {
		return Session{}, false
	}
	sess, ok := s.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// RemoveByConnectionID removes the session for the given connection id,
// closing the underlying connection.
//
// Postcondition: Returns true if a session was removed. Removing an unknown
// id is a no-op returning false.
func (s *Store) RemoveByConnectionID(connectionID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[connectionID]
	if ok {
		delete(s.sessions, connectionID)
		if sess.AccountID != "" && s.accounts[sess.AccountID] == connectionID {
			delete(s.accounts, sess.AccountID)
		}
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.closer.Close(connectionID)
	return true
}

// RemoveByAccountID removes every session bound to the given account id,
// closing the underlying connections. The scan is O(n) over sessions, which
// is acceptable at the expected cardinality.
//
// Postcondition: Returns true if at least one session was removed; an
// unknown account reports false without error.
func (s *Store) RemoveByAccountID(accountID string) bool {
	if accountID == "" {
		return false
	}

	var victims []string
	s.mu.Lock()
	for connID, sess := range s.sessions {
		if sess.AccountID == accountID {
			victims = append(victims, connID)
		}
	}
	for _, connID := range victims {
		delete(s.sessions, connID)
	}
	delete(s.accounts, accountID)
	s.mu.Unlock()

	for _, connID := range victims {
		s.closer.Close(connID)
	}
	return len(victims) > 0
}

// ListAll returns a snapshot of every session for iteration.
func (s *Store) ListAll() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// Count returns the number of tracked sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func applyPatch(sess *Session, patch Patch) {
	if patch.Protocol != nil {
		sess.Protocol = *patch.Protocol
	}
	if patch.Token != nil {
		sess.Token = *patch.Token
	}
	if patch.AccountID != nil {
		sess.AccountID = *patch.AccountID
	}
	if patch.Secret != nil {
		sess.Secret = *patch.Secret
	}
	if patch.DisplayName != nil {
		sess.DisplayName = *patch.DisplayName
	}
	if patch.IsAuthenticated != nil {
		sess.IsAuthenticated = *patch.IsAuthenticated
	}
	if patch.SubscribedToServers != nil {
		sess.SubscribedToServers = *patch.SubscribedToServers
	}
}

// Ptr returns a pointer to v, for concise Patch construction.
func Ptr[T any](v T) *T { return &v }
