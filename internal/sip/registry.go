package sip

import "sort"

// Registry maps Call-IDs to live sessions. It holds no policy; the handler
// decides when sessions are added and removed. Not safe for concurrent use.
type Registry struct {
	sessions map[string]*CallSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

// Get returns the session for callID, or nil.
func (r *Registry) Get(callID string) *CallSession {
	return r.sessions[callID]
}

// Put stores s under its Call-ID, replacing any previous entry.
func (r *Registry) Put(s *CallSession) {
	r.sessions[s.CallID] = s
}

// Delete removes callID. Deleting an absent entry does nothing.
func (r *Registry) Delete(callID string) {
	delete(r.sessions, callID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// IDs returns every live Call-ID in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a view of every live session, oldest first.
func (r *Registry) Snapshot() []CallInfo {
	out := make([]CallInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
