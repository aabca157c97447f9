package websocket

import "sync"

// Registry holds the channel sessions of one signed-in user, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Channel]*ChannelSession
	order    []Channel
}

// NewRegistry creates a registry of the given sessions.
func NewRegistry(sessions ...*ChannelSession) *Registry {
	r := &Registry{sessions: make(map[Channel]*ChannelSession)}
	for _, s := range sessions {
		r.Add(s)
	}
	return r
}

// Add registers s, replacing a session with the same name.
func (r *Registry) Add(s *ChannelSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Name()]; !ok {
		r.order = append(r.order, s.Name())
	}
	r.sessions[s.Name()] = s
}

// Get retrieves a channel session by name.
func (r *Registry) Get(name Channel) (*ChannelSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// All returns the sessions in registration order.
func (r *Registry) All() []*ChannelSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ChannelSession, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sessions[name])
	}
	return out
}

// States snapshots every channel's state.
func (r *Registry) States() map[Channel]State {
	out := make(map[Channel]State)
	for _, s := range r.All() {
		out[s.Name()] = s.State()
	}
	return out
}

// DisconnectAll closes every channel.
func (r *Registry) DisconnectAll() {
	for _, s := range r.All() {
		s.Disconnect()
	}
}
