package transport

import (
	"testing"

	"collaborative-mindmap/internal/protocol"

	"github.com/stretchr/testify/assert"
)

func TestDispatcher_OrderAndCancel(t *testing.T) {
	d := NewDispatcher()
	var got []string

	cancelA := d.On(protocol.EventNodeCreated, func(protocol.Event) { got = append(got, "a") })
	d.On(protocol.EventNodeCreated, func(protocol.Event) { got = append(got, "b") })
	d.OnAny(func(evt protocol.Event) { got = append(got, "any:"+string(evt.Type())) })

	d.dispatch(protocol.Event{Payload: &protocol.NodeCreated{}})
	assert.Equal(t, []string{"a", "b", "any:node_created"}, got)

	got = nil
	cancelA()
	cancelA()
	d.dispatch(protocol.Event{Payload: &protocol.NodeCreated{}})
	d.dispatch(protocol.Event{Payload: &protocol.EdgeDeleted{}})
	assert.Equal(t, []string{"b", "any:node_created", "any:edge_deleted"}, got)
}

func TestDispatcher_StateHandlers(t *testing.T) {
	d := NewDispatcher()
	var seen [][2]State
	cancel := d.OnState(func(from, to State) { seen = append(seen, [2]State{from, to}) })

	d.stateChanged(StateConnecting, StateConnected)
	cancel()
	d.stateChanged(StateConnected, StateReconnecting)

	assert.Equal(t, [][2]State{{StateConnecting, StateConnected}}, seen)
	assert.Equal(t, "reconnecting", StateReconnecting.String())
}
