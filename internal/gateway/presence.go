package gateway

import (
	"sort"
	"sync"

	"github.com/shopmono/livechat/internal/domain"
)

// presenceEntry is the mutable server-side record behind a participant's
// presence. A participant may hold several websocket connections at once
// (multiple tabs), so presence is reference counted: the participant stays
// connected until the last connection drops.
type presenceEntry struct {
	displayName string
	role        domain.Role
	sessionID   string
	refs        int
}

// PresenceRegistry tracks which participants are currently connected.
// It is process-local state; it says nothing about sessions, which live
// in the store.
type PresenceRegistry struct {
	mu      sync.Mutex
	entries map[string]*presenceEntry // participantID → entry
}

// NewPresenceRegistry creates an empty presence registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{entries: make(map[string]*presenceEntry)}
}

// Join records a connection for the participant. It returns true when this
// is the participant's first open connection, i.e. when they transitioned
// from offline to online and a USER_CONNECTED broadcast is warranted.
func (p *PresenceRegistry) Join(participantID, displayName string, role domain.Role) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[participantID]
	if !ok {
		p.entries[participantID] = &presenceEntry{
			displayName: displayName,
			role:        role,
			refs:        1,
		}
		return true
	}
	e.refs++
	e.displayName = displayName
	return false
}

// Leave records a dropped connection. It returns true when that was the
// participant's last open connection.
func (p *PresenceRegistry) Leave(participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[participantID]
	if !ok {
		return false
	}
	e.refs--
	if e.refs > 0 {
		return false
	}
	delete(p.entries, participantID)
	return true
}

// SetSession associates the participant's presence with a chat session so
// that snapshots can carry the session id alongside the participant.
func (p *PresenceRegistry) SetSession(participantID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[participantID]; ok {
		e.sessionID = sessionID
	}
}

// Connected reports whether the participant has at least one open connection.
func (p *PresenceRegistry) Connected(participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[participantID]
	return ok
}

// Snapshot returns the customers currently online, sorted by participant id
// for stable output. Staff presences are excluded: the snapshot feeds the
// staff dashboard, which only cares about customers.
func (p *PresenceRegistry) Snapshot() []domain.PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.PresenceEntry, 0, len(p.entries))
	for id, e := range p.entries {
		if e.role != domain.RoleCustomer {
			continue
		}
		out = append(out, domain.PresenceEntry{
			ParticipantID: id,
			DisplayName:   e.displayName,
			Connected:     true,
			SessionID:     e.sessionID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}
