package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStoreReplaceKeepsPosition(t *testing.T) {
	s := NewMessageStore()
	s.Append(Message{ID: "a", Content: "first"})
	s.Append(Message{ID: "temp-1", Content: "mine"})
	s.Append(Message{ID: "c", Content: "last"})

	ok := s.Replace(byID("temp-1"), Message{ID: "m9", Content: "mine"})
	require.True(t, ok)

	ids := idsOf(s.Messages())
	assert.Equal(t, []string{"a", "m9", "c"}, ids)
	assert.False(t, s.Replace(byID("temp-1"), Message{ID: "x"}))
}

func TestMessageStoreAppendUnique(t *testing.T) {
	s := NewMessageStore()
	assert.True(t, s.AppendUnique(Message{ID: "m1"}))
	assert.False(t, s.AppendUnique(Message{ID: "m1", Content: "again"}))
	assert.Equal(t, 1, s.Len())
}

func TestMessageStoreRemove(t *testing.T) {
	s := NewMessageStore()
	s.Append(Message{ID: "a"})
	s.Append(Message{ID: "b"})

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Equal(t, []string{"b"}, idsOf(s.Messages()))
	assert.Equal(t, 0, s.IndexOf("b"))
	assert.Equal(t, -1, s.IndexOf("a"))
}

func TestMessageStoreOnChangeGetsSnapshot(t *testing.T) {
	s := NewMessageStore()
	var snaps [][]Message
	s.SetOnChange(func(ms []Message) {
		// The hook runs unlocked; reading back must not deadlock.
		_ = s.Len()
		snaps = append(snaps, ms)
	})

	s.Append(Message{ID: "a"})
	s.Append(Message{ID: "b"})
	s.Remove("a")
	s.AppendUnique(Message{ID: "b"})

	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"a"}, idsOf(snaps[0]))
	assert.Equal(t, []string{"a", "b"}, idsOf(snaps[1]))
	assert.Equal(t, []string{"b"}, idsOf(snaps[2]))

	snaps[2][0].ID = "mutated"
	assert.True(t, s.Contains("b"))
}

func idsOf(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
