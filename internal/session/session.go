// Package session keeps light per-user conversation state: what the gateway
// is currently waiting for from a user, plus live-chat admin<->user links.
// Everything here is in-memory and intentionally lost on restart.
package session

import (
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	// StateAwaitBroadcastText: admin started /broadcast, next message is the draft.
	StateAwaitBroadcastText
	// StateAwaitBroadcastConfirm: draft stored, waiting for confirm/cancel.
	StateAwaitBroadcastConfirm
	// StateAwaitPayoutConfirm: payout summary shown, waiting for confirm/cancel.
	StateAwaitPayoutConfirm
	// StateLiveChat: messages are relayed to the linked peer.
	StateLiveChat
)

func (s State) String() string {
	switch s {
	case StateAwaitBroadcastText:
		return "await_broadcast_text"
	case StateAwaitBroadcastConfirm:
		return "await_broadcast_confirm"
	case StateAwaitPayoutConfirm:
		return "await_payout_confirm"
	case StateLiveChat:
		return "live_chat"
	default:
		return "idle"
	}
}

// Session is one user's conversational state. Draft carries whatever the
// current state needs (broadcast text, payout summary).
type Session struct {
	UserID    int64
	State     State
	Draft     string
	UpdatedAt time.Time
}

// Store is the in-memory session map.
type Store struct {
	mu sync.Mutex
	m  map[int64]*Session
}

func NewStore() *Store {
	return &Store{m: map[int64]*Session{}}
}

// Get returns the user's session, creating an idle one if missing.
func (s *Store) Get(userID int64) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ses := s.m[userID]; ses != nil {
		return *ses
	}
	return Session{UserID: userID, State: StateIdle}
}

// Set transitions a user to a state, replacing the draft.
func (s *Store) Set(userID int64, state State, draft string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[userID] = &Session{UserID: userID, State: state, Draft: draft, UpdatedAt: time.Now()}
}

// Clear resets the user to idle.
func (s *Store) Clear(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, userID)
}

// PruneIdle drops sessions untouched since cutoff and returns the count.
func (s *Store) PruneIdle(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ses := range s.m {
		if ses.UpdatedAt.Before(cutoff) {
			delete(s.m, id)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Router maintains bidirectional live-chat links between an admin and a user.
// An admin talks to at most one user at a time and vice versa.
type Router struct {
	mu          sync.Mutex
	adminToUser map[int64]int64
	userToAdmin map[int64]int64
}

func NewRouter() *Router {
	return &Router{
		adminToUser: map[int64]int64{},
		userToAdmin: map[int64]int64{},
	}
}

// Link connects admin and user, replacing any previous link on either side.
func (r *Router) Link(adminID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.adminToUser[adminID]; ok {
		delete(r.userToAdmin, prev)
	}
	if prev, ok := r.userToAdmin[userID]; ok {
		delete(r.adminToUser, prev)
	}
	r.adminToUser[adminID] = userID
	r.userToAdmin[userID] = adminID
}

// Unlink tears down the admin's current link. Reports whether one existed.
func (r *Router) Unlink(adminID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.adminToUser[adminID]
	if !ok {
		return false
	}
	delete(r.adminToUser, adminID)
	delete(r.userToAdmin, user)
	return true
}

// UserOf returns the user linked to an admin.
func (r *Router) UserOf(adminID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.adminToUser[adminID]
	return id, ok
}

// AdminOf returns the admin linked to a user.
func (r *Router) AdminOf(userID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.userToAdmin[userID]
	return id, ok
}
