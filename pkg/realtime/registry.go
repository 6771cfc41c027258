package realtime

import (
	"sort"
	"sync"
)

// Registry tracks live sessions, room membership and subject presence.
// Presence counts connections so a subject with two tabs stays online
// until both close.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
	presence map[string]int
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		presence: make(map[string]int),
	}
}

// Add registers an authenticated session and returns the subject's
// connection count
func (r *Registry) Add(sess *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.id]; ok {
		return r.presence[sess.SubjectID()]
	}
	r.sessions[sess.id] = sess
	r.presence[sess.SubjectID()]++
	return r.presence[sess.SubjectID()]
}

// Remove drops the session from every room and returns the subject's
// remaining connection count. ok is false when the session was unknown.
func (r *Registry) Remove(sess *Session) (remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.id]; !ok {
		return r.presence[sess.SubjectID()], false
	}
	delete(r.sessions, sess.id)

	sess.mu.Lock()
	for room := range sess.rooms {
		r.leaveLocked(sess, room)
	}
	sess.rooms = make(map[string]struct{})
	sess.mu.Unlock()

	subject := sess.SubjectID()
	r.presence[subject]--
	remaining = r.presence[subject]
	if remaining <= 0 {
		delete(r.presence, subject)
		remaining = 0
	}
	return remaining, true
}

// Join adds the session to room
func (r *Registry) Join(sess *Session, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[sess.id] = sess

	sess.mu.Lock()
	sess.rooms[room] = struct{}{}
	sess.mu.Unlock()
}

// Leave removes the session from room
func (r *Registry) Leave(sess *Session, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sess, room)

	sess.mu.Lock()
	delete(sess.rooms, room)
	sess.mu.Unlock()
}

func (r *Registry) leaveLocked(sess *Session, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, sess.id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Members returns the sessions in room ordered by id
func (r *Registry) Members(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSessions(r.rooms[room])
}

// All returns every session ordered by id
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSessions(r.sessions)
}

// Online returns the subjects with at least one connection, sorted
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.presence))
	for subject := range r.presence {
		out = append(out, subject)
	}
	sort.Strings(out)
	return out
}

func sortedSessions(m map[string]*Session) []*Session {
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
