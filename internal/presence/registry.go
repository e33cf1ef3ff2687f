// Package presence implements the in-process Presence Registry: the hub's authoritative record of which accounts
// currently hold a live gateway session. Unlike the teacher's Valkey-backed presence store, the registry here has
// no external backing — presence is scoped to this one hub process, with no federation and no recovery-from-cache
// semantics, since the hub is deployed as a single stateful process per spec.
package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roleplay-hub/hub/internal/apperr"
	"github.com/roleplay-hub/hub/internal/character"
)

// sessionEntry is everything the registry tracks for one live connection: the user it has authenticated as (once
// Auth has run) and the set of character accounts it currently has brought online. A session may own more than
// one account at a time — a user can run several characters concurrently from the same connection.
type sessionEntry struct {
	userID  uuid.UUID
	hasUser bool
	owned   map[string]struct{} // lowercased accounts
}

// Registry holds bySession: session -> {userId?, owned: set<characterAccount>}, and byAccount: characterAccount ->
// session, its inverse index. The invariant byAccount[a] == s iff a is in bySession[s].owned holds at all times.
type Registry struct {
	mu         sync.RWMutex
	characters character.Repository
	bySession  map[uuid.UUID]*sessionEntry
	byAccount  map[string]uuid.UUID // lowercased account -> sessionID
	onEvict    func(sessionID uuid.UUID, account string)
}

// New creates an empty Registry. characters is used by Restore to look up which of a user's characters were last
// online. onEvict, if non-nil, is invoked synchronously after the registry's lock is released whenever an account's
// session is displaced by a handoff — the gateway uses it to close the superseded connection.
func New(characters character.Repository, onEvict func(sessionID uuid.UUID, account string)) *Registry {
	return &Registry{
		characters: characters,
		bySession:  make(map[uuid.UUID]*sessionEntry),
		byAccount:  make(map[string]uuid.UUID),
		onEvict:    onEvict,
	}
}

// Attach registers a freshly accepted connection with an empty entry. It is idempotent: attaching a session that
// is already present is a no-op.
func (r *Registry) Attach(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachLocked(sessionID)
}

func (r *Registry) attachLocked(sessionID uuid.UUID) *sessionEntry {
	e, ok := r.bySession[sessionID]
	if !ok {
		e = &sessionEntry{owned: make(map[string]struct{})}
		r.bySession[sessionID] = e
	}
	return e
}

// BindUser records that sessionID has authenticated as userID. It must be called before BringOnline or Restore.
func (r *Registry) BindUser(sessionID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.attachLocked(sessionID)
	e.userID = userID
	e.hasUser = true
}

// BringOnline brings account online under sessionID, on behalf of userID. If account is already online under a
// different session belonging to the same user, the prior session is evicted (handoff) and onEvict fires for it
// outside the lock. If account is online under a session bound to a different user, BringOnline fails Forbidden.
func (r *Registry) BringOnline(sessionID, userID uuid.UUID, account string) error {
	key := strings.ToLower(account)

	var evictedSession uuid.UUID
	var fireEvict bool

	r.mu.Lock()
	if existingSession, ok := r.byAccount[key]; ok && existingSession != sessionID {
		existingEntry := r.bySession[existingSession]
		if existingEntry != nil && existingEntry.hasUser && existingEntry.userID != userID {
			r.mu.Unlock()
			return apperr.New(apperr.KindForbidden, "that account belongs to another user")
		}
		if existingEntry != nil {
			delete(existingEntry.owned, key)
		}
		delete(r.byAccount, key)
		evictedSession = existingSession
		fireEvict = true
	}

	e := r.attachLocked(sessionID)
	e.userID = userID
	e.hasUser = true
	e.owned[key] = struct{}{}
	r.byAccount[key] = sessionID
	r.mu.Unlock()

	if fireEvict && r.onEvict != nil {
		r.onEvict(evictedSession, account)
	}
	return nil
}

// BringOffline removes account from sessionID's owned set and from byAccount, if it is currently there. It is a
// no-op if account is not owned by sessionID.
func (r *Registry) BringOffline(sessionID uuid.UUID, account string) {
	key := strings.ToLower(account)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	if _, owned := e.owned[key]; !owned {
		return
	}
	delete(e.owned, key)
	if r.byAccount[key] == sessionID {
		delete(r.byAccount, key)
	}
}

// Restore re-establishes byAccount routing for every character owned by userID that was marked online in the
// store at its last disconnect, pointing them at sessionID. This is what makes reconnecting after a transient
// drop transparent to the rest of the system: callers keep routing direct messages and group broadcasts to this
// account without ever re-running register_character/go_online.
func (r *Registry) Restore(ctx context.Context, sessionID, userID uuid.UUID) error {
	chars, err := r.characters.ListByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("list characters for restore: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.attachLocked(sessionID)
	e.userID = userID
	e.hasUser = true

	for _, c := range chars {
		if !c.IsOnline {
			continue
		}
		key := strings.ToLower(c.Account)
		if prevSession, ok := r.byAccount[key]; ok {
			if prevEntry := r.bySession[prevSession]; prevEntry != nil {
				delete(prevEntry.owned, key)
			}
		}
		e.owned[key] = struct{}{}
		r.byAccount[key] = sessionID
	}
	return nil
}

// Detach removes sessionID entirely, returning the accounts it owned so the caller can persist their offline
// state. It is a no-op (returns nil) if the session is not present.
func (r *Registry) Detach(sessionID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}

	accounts := make([]string, 0, len(e.owned))
	for key := range e.owned {
		if r.byAccount[key] == sessionID {
			delete(r.byAccount, key)
		}
		accounts = append(accounts, key)
	}
	delete(r.bySession, sessionID)
	return accounts
}

// SessionOf returns the live session bound to account, if any. Callers use this to route a direct message or
// group broadcast to an online recipient.
func (r *Registry) SessionOf(account string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.byAccount[strings.ToLower(account)]
	return sessionID, ok
}

// IsOnline reports whether account currently holds a live session.
func (r *Registry) IsOnline(account string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAccount[strings.ToLower(account)]
	return ok
}

// OwnedBy returns the accounts currently brought online under sessionID.
func (r *Registry) OwnedBy(sessionID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	accounts := make([]string, 0, len(e.owned))
	for key := range e.owned {
		accounts = append(accounts, key)
	}
	return accounts
}

// Count returns the number of sessions the registry currently tracks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}
