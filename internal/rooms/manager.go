// Package rooms holds the authoritative room/channel membership sets and
// resolves (room, channel) to the client ids that should receive a
// broadcast. It stores only client ids; the registry owns the clients
// themselves, so the two structures never form a reference cycle.
package rooms

import "sync"

// Manager tracks, for every room, the set of channels it contains and for
// every channel the set of member client ids.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]map[string]map[string]struct{} // room -> channel -> client ids
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{rooms: make(map[string]map[string]map[string]struct{})}
}

// Join adds clientID to (room, channel), creating both lazily.
func (m *Manager) Join(room, channel, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels, ok := m.rooms[room]
	if !ok {
		channels = make(map[string]map[string]struct{})
		m.rooms[room] = channels
	}
	members, ok := channels[channel]
	if !ok {
		members = make(map[string]struct{})
		channels[channel] = members
	}
	members[clientID] = struct{}{}
}

// Leave removes clientID from (room, channel). Empty channels and rooms
// are pruned.
func (m *Manager) Leave(room, channel, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels, ok := m.rooms[room]
	if !ok {
		return
	}
	members, ok := channels[channel]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(channels, channel)
	}
	if len(channels) == 0 {
		delete(m.rooms, room)
	}
}

// LeaveAll removes clientID from every room/channel it belongs to. Called
// on disconnect.
func (m *Manager) LeaveAll(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for room, channels := range m.rooms {
		for channel, members := range channels {
			delete(members, clientID)
			if len(members) == 0 {
				delete(channels, channel)
			}
		}
		if len(channels) == 0 {
			delete(m.rooms, room)
		}
	}
}

// EnsureChannel creates (room, channel) eagerly, e.g. for an admin command,
// without adding a member.
func (m *Manager) EnsureChannel(room, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels, ok := m.rooms[room]
	if !ok {
		channels = make(map[string]map[string]struct{})
		m.rooms[room] = channels
	}
	if _, ok := channels[channel]; !ok {
		channels[channel] = make(map[string]struct{})
	}
}

// Members returns a snapshot of the client ids in (room, channel).
func (m *Manager) Members(room, channel string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.rooms[room][channel]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// MembershipsOf returns every (room, channel) pair clientID currently
// belongs to.
func (m *Manager) MembershipsOf(clientID string) [][2]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out [][2]string
	for room, channels := range m.rooms {
		for channel, members := range channels {
			if _, ok := members[clientID]; ok {
				out = append(out, [2]string{room, channel})
			}
		}
	}
	return out
}
