package chatsync

import "sync"

// MessageStore is the ordered chat log the UI renders.
// Render order is insertion order; Replace keeps the replaced entry's position.
type MessageStore struct {
	mu       sync.RWMutex
	messages []Message
	onChange func([]Message)
}

// NewMessageStore returns an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// SetOnChange registers a hook that receives a snapshot after every mutation.
func (s *MessageStore) SetOnChange(fn func([]Message)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Append inserts m at the end.
func (s *MessageStore) Append(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.notifyLocked()
}

// AppendUnique appends m unless an entry with the same id already exists.
func (s *MessageStore) AppendUnique(m Message) bool {
	s.mu.Lock()
	if s.indexLocked(m.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages, m)
	s.notifyLocked()
	return true
}

// Replace overwrites the first message matching match with m, in place.
func (s *MessageStore) Replace(match func(Message) bool, m Message) bool {
	s.mu.Lock()
	for i := range s.messages {
		if match(s.messages[i]) {
			s.messages[i] = m
			s.notifyLocked()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Remove deletes the message with the given id.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	s.notifyLocked()
	return true
}

// Messages returns a copy of the log in render order.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Len returns the number of entries.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Contains reports whether an entry with id exists.
func (s *MessageStore) Contains(id string) bool {
	return s.IndexOf(id) >= 0
}

// IndexOf returns the render position of id, or -1.
func (s *MessageStore) IndexOf(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexLocked(id)
}

func (s *MessageStore) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) snapshotLocked() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// notifyLocked releases the lock and then runs the change hook.
func (s *MessageStore) notifyLocked() {
	fn := s.onChange
	var snap []Message
	if fn != nil {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
