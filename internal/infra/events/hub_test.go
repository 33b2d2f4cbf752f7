package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_RoutesByAgent(t *testing.T) {
	h := NewHub(4)
	alice, cancelAlice := h.Subscribe("alice")
	defer cancelAlice()
	bob, cancelBob := h.Subscribe("bob")
	defer cancelBob()
	all, cancelAll := h.SubscribeAll()
	defer cancelAll()

	n := h.Publish(Event{Type: TaskAssigned, AgentID: "alice", Data: "t1"})
	assert.Equal(t, 2, n)

	ev := <-alice
	assert.Equal(t, TaskAssigned, ev.Type)
	assert.Equal(t, "t1", ev.Data)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Len(t, bob, 0)
	assert.Equal(t, TaskAssigned, (<-all).Type)
}

func TestHub_BroadcastSkipsAgentStreams(t *testing.T) {
	h := NewHub(4)
	alice, cancel := h.Subscribe("alice")
	defer cancel()
	all, cancelAll := h.SubscribeAll()
	defer cancelAll()

	h.Broadcast(SLABreach, map[string]string{"task_id": "t1"})
	assert.Len(t, alice, 0)
	require.Len(t, all, 1)
	assert.Equal(t, SLABreach, (<-all).Type)
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := NewHub(1)
	_, cancel := h.Subscribe("alice")
	defer cancel()

	h.Notify("alice", TaskAssigned, nil)
	h.Notify("alice", TaskTimeout, nil)
	assert.Equal(t, int64(1), h.Dropped())
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("alice")
	cancel()
	_, open := <-ch
	assert.False(t, open)

	agents, all := h.Subscribers()
	assert.Zero(t, agents)
	assert.Zero(t, all)
}

func TestHub_Close(t *testing.T) {
	h := NewHub(1)
	ch, _ := h.SubscribeAll()
	h.Close()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Publish(Event{Type: TaskAssigned}))

	late, cancel := h.Subscribe("x")
	cancel()
	_, open = <-late
	assert.False(t, open)
	h.Close()
}
