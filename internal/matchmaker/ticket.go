// Package matchmaker advances matchmaking tickets from connection to play.
package matchmaker

import (
	"sync"
	"time"
)

// State is a ticket's position in the matchmaking flow.
type State string

// Ticket states. Progression is monotonic except for the terminal Error
// transition, which is reachable from Queued via the ban gate.
const (
	StateConnecting        State = "Connecting"
	StateWaiting           State = "Waiting"
	StateQueued            State = "Queued"
	StateSessionAssignment State = "SessionAssignment"
	StatePlay              State = "Play"
	StateError             State = "Error"
)

// Ticket is one player's in-progress matchmaking attempt.
type Ticket struct {
	TicketID      string
	MatchID       string
	SessionID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	State         State
	AccountID     string
	Playlist      string
	ServerAddress string
	ServerPort    int
}

// SessionRegistry indexes live tickets by session id and, when the account
// is known, by account id. The account index is last-write-wins: a player
// opening a second matchmaking connection takes over their account slot.
type SessionRegistry struct {
	mu         sync.RWMutex
	bySession  map[string]Ticket
	byAccount  map[string]string
	sessionAcc map[string]string
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		bySession:  make(map[string]Ticket),
		byAccount:  make(map[string]string),
		sessionAcc: make(map[string]string),
	}
}

// Put stores the ticket snapshot under its session id and rebinds the
// account index when the account is known.
func (r *SessionRegistry) Put(t Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[t.SessionID] = t
	if t.AccountID != "" {
		r.byAccount[t.AccountID] = t.SessionID
		r.sessionAcc[t.SessionID] = t.AccountID
	}
}

// BySession returns the ticket stored under the session id.
func (r *SessionRegistry) BySession(sessionID string) (Ticket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySession[sessionID]
	return t, ok
}

// ByAccount returns the most recently written ticket for the account.
func (r *SessionRegistry) ByAccount(accountID string) (Ticket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.byAccount[accountID]
	if !ok {
		return Ticket{}, false
	}
	t, ok := r.bySession[sessionID]
	return t, ok
}

// Remove prunes both indices for the session. The account index is only
// cleared if it still points at this session, so a newer connection that
// took over the slot is left intact.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	accountID, hadAccount := r.sessionAcc[sessionID]
	if hadAccount && r.byAccount[accountID] == sessionID {
		delete(r.byAccount, accountID)
	}
	delete(r.sessionAcc, sessionID)
	delete(r.bySession, sessionID)
}

// Count returns the number of live tickets.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// All returns a snapshot of every live ticket.
func (r *SessionRegistry) All() []Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ticket, 0, len(r.bySession))
	for _, t := range r.bySession {
		out = append(out, t)
	}
	return out
}
