package chatsync

import (
	"sort"
	"sync"
)

// PresenceSnapshot is a point-in-time copy of the roster and typing set.
type PresenceSnapshot struct {
	Online []OnlineUser
	Typing []string
}

// Presence tracks who is online and who is typing, from server pushes only.
type Presence struct {
	selfID string

	mu       sync.RWMutex
	roster   map[string]OnlineUser
	typing   []string
	onChange func(PresenceSnapshot)
}

// NewPresence returns an empty tracker. selfID is excluded from roster snapshots.
func NewPresence(selfID string) *Presence {
	return &Presence{
		selfID: selfID,
		roster: make(map[string]OnlineUser),
	}
}

// SetOnChange registers a hook that receives a snapshot after every mutation.
func (p *Presence) SetOnChange(fn func(PresenceSnapshot)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// SetRoster replaces the whole roster, skipping the local user.
func (p *Presence) SetRoster(users []OnlineUser) {
	p.mu.Lock()
	p.roster = make(map[string]OnlineUser, len(users))
	for _, u := range users {
		if u.UserID == "" || u.UserID == p.selfID {
			continue
		}
		p.roster[u.UserID] = u
	}
	p.notifyLocked()
}

// Join adds u, or overwrites the prior entry for the same user. Joins of
// the local user, e.g. from another socket, are ignored.
func (p *Presence) Join(u OnlineUser) {
	if u.UserID == "" || u.UserID == p.selfID {
		return
	}
	p.mu.Lock()
	if prev, ok := p.roster[u.UserID]; ok && prev == u {
		p.mu.Unlock()
		return
	}
	p.roster[u.UserID] = u
	p.notifyLocked()
}

// Leave removes the user and any typing entry under their name.
func (p *Presence) Leave(userID string) {
	p.mu.Lock()
	u, ok := p.roster[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.roster, userID)
	p.removeTypingLocked(u.UserName)
	p.notifyLocked()
}

// TypingStarted flags name as typing.
func (p *Presence) TypingStarted(name string) {
	if name == "" {
		return
	}
	p.mu.Lock()
	for _, n := range p.typing {
		if n == name {
			p.mu.Unlock()
			return
		}
	}
	p.typing = append(p.typing, name)
	p.notifyLocked()
}

// TypingStopped clears the typing flag for name.
func (p *Presence) TypingStopped(name string) {
	p.mu.Lock()
	if !p.removeTypingLocked(name) {
		p.mu.Unlock()
		return
	}
	p.notifyLocked()
}

// Roster returns online users ordered by name, then id.
func (p *Presence) Roster() []OnlineUser {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rosterLocked()
}

// Typing returns typing user names in the order they started.
func (p *Presence) Typing() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.typing...)
}

// IsOnline reports whether userID is in the roster.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.roster[userID]
	return ok
}

// Snapshot returns both sets at once.
func (p *Presence) Snapshot() PresenceSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PresenceSnapshot{Online: p.rosterLocked(), Typing: append([]string(nil), p.typing...)}
}

func (p *Presence) rosterLocked() []OnlineUser {
	out := make([]OnlineUser, 0, len(p.roster))
	for _, u := range p.roster {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserName != out[j].UserName {
			return out[i].UserName < out[j].UserName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (p *Presence) removeTypingLocked(name string) bool {
	for i, n := range p.typing {
		if n == name {
			p.typing = append(p.typing[:i], p.typing[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Presence) notifyLocked() {
	fn := p.onChange
	var snap PresenceSnapshot
	if fn != nil {
		snap = PresenceSnapshot{Online: p.rosterLocked(), Typing: append([]string(nil), p.typing...)}
	}
	p.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
