package session

import "sync"

// Store is the client-id-keyed session table. All mutation happens under
// a single mutex. Get takes the same lock, and routing calls Get once per
// matching subscriber, so the lock is also taken on the per-message path.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	queueLimit int
}

// NewStore creates an empty session store. queueLimit bounds each
// session's offline queue; 0 means unbounded.
func NewStore(queueLimit int) *Store {
	return &Store{sessions: make(map[string]*Session), queueLimit: queueLimit}
}

// ConnectResult reports the outcome of applying CONNECT session policy.
type ConnectResult struct {
	Session        *Session
	SessionPresent bool
	// PreviousHandler is non-nil when the existing session, whether taken
	// over or destroyed, still has a connection attached that the caller
	// must close.
	PreviousHandler Handler
	// Destroyed is the old session torn down to make room for Session,
	// so the caller can clear its router/subscription state.
	Destroyed *Session
}

// GetOrCreate applies the CONNECT session policy table:
//
//	existing? | existing.clean | incoming.clean | action
//	no        | —              | any            | create fresh
//	yes       | true           | any            | destroy existing, create fresh
//	yes       | false          | true           | destroy existing, create fresh
//	yes       | false          | false          | takeover: reattach state
func (st *Store) GetOrCreate(clientID string, cleanSession bool) ConnectResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	existing, found := st.sessions[clientID]
	if !found {
		s := newSession(clientID, cleanSession, st.queueLimit)
		st.sessions[clientID] = s
		return ConnectResult{Session: s, SessionPresent: false}
	}

	if existing.Clean || cleanSession {
		prev := existing.handler
		delete(st.sessions, clientID)
		s := newSession(clientID, cleanSession, st.queueLimit)
		st.sessions[clientID] = s
		return ConnectResult{Session: s, SessionPresent: false, PreviousHandler: prev, Destroyed: existing}
	}

	// Takeover: both persistent. Caller attaches the new handler and
	// closes PreviousHandler with reason SessionTakenOver.
	return ConnectResult{Session: existing, SessionPresent: true, PreviousHandler: existing.handler}
}

// DropIf removes s from the store only if it is still the session held
// under its client id. A clean session destroyed by a later CONNECT with
// the same id must not take its replacement down with it.
func (st *Store) DropIf(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[s.ClientID] == s {
		delete(st.sessions, s.ClientID)
	}
}

// Get returns the session for clientID, if any, without creating it.
func (st *Store) Get(clientID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[clientID]
	return s, ok
}

// Iter calls fn for every session currently in the store. fn must not
// mutate the store.
func (st *Store) Iter(fn func(*Session)) {
	st.mu.Lock()
	snapshot := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		snapshot = append(snapshot, s)
	}
	st.mu.Unlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// Count returns the number of sessions currently held, connected or not.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
