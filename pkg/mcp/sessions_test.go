package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-abc")
	sid, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("bob")
	assert.False(t, ok)
}

func TestSessionRegistry_Reconnect(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-old")
	r.Register("alice", "session-new")

	sid, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_RemoveDropsEveryActorOfSession(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-abc")
	r.Register("ops-bot", "session-abc")
	r.Register("bob", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("alice")
	assert.False(t, ok)
	_, ok = r.SessionFor("ops-bot")
	assert.False(t, ok)

	sid, ok := r.SessionFor("bob")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
}
