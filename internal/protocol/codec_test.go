package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIntent_CreateNode(t *testing.T) {
	raw := []byte(`{"type":"node_added","roomId":"r1","ref":"p-1","data":{"label":"Idea","position":{"x":10,"y":-4.5}}}`)

	in, err := protocol.DecodeIntent(raw)
	require.NoError(t, err)

	assert.Equal(t, protocol.IntentCreateNode, in.Type())
	assert.Equal(t, "r1", in.RoomID)
	assert.Equal(t, "p-1", in.Ref)
	assert.True(t, in.Mutating())

	body, ok := in.Payload.(*protocol.CreateNode)
	require.True(t, ok)
	assert.Equal(t, "Idea", body.Label)
	assert.Equal(t, domain.Position{X: 10, Y: -4.5}, body.Position)
}

func TestDecodeIntent_JoinWithoutData(t *testing.T) {
	in, err := protocol.DecodeIntent([]byte(`{"type":"join_mindmap","roomId":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.IntentJoin, in.Type())
	assert.False(t, in.Mutating())
}

func TestDecodeIntent_Rejects(t *testing.T) {
	longLabel := strings.Repeat("x", protocol.MaxLabelLength+1)
	cases := map[string]string{
		"empty":            ``,
		"not json":         `{"type":`,
		"missing type":     `{"roomId":"r1"}`,
		"unknown type":     `{"type":"explode","roomId":"r1"}`,
		"event as intent":  `{"type":"mindmap_state","roomId":"r1"}`,
		"wrong field type": `{"type":"node_deleted","data":{"nodeId":7}}`,
		"missing node id":  `{"type":"node_deleted","data":{}}`,
		"empty update":     `{"type":"node_updated","data":{"nodeId":"n1"}}`,
		"missing target":   `{"type":"edge_added","data":{"sourceId":"a"}}`,
		"label too long":   `{"type":"node_added","data":{"label":"` + longLabel + `"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := protocol.DecodeIntent([]byte(raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, protocol.ErrDecode)
		})
	}
}

func TestDecodeIntent_LabelLimitCountsCharacters(t *testing.T) {
	wide := strings.Repeat("思", protocol.MaxLabelLength)
	in, err := protocol.DecodeIntent([]byte(`{"type":"node_added","data":{"label":"` + wide + `"}}`))
	require.NoError(t, err)
	assert.Equal(t, wide, in.Payload.(*protocol.CreateNode).Label)

	_, err = protocol.DecodeIntent([]byte(`{"type":"node_added","data":{"label":"` + wide + `思"}}`))
	assert.ErrorIs(t, err, protocol.ErrDecode)
}

func TestEncodeIntent_WireShape(t *testing.T) {
	raw, err := protocol.EncodeIntent(protocol.Intent{
		RoomID:  "r1",
		Ref:     "p-9",
		Payload: &protocol.UpdateNode{NodeID: "n1", Label: domain.LabelPtr("X")},
	})
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "node_updated", wire["type"])
	assert.Equal(t, "r1", wire["roomId"])
	assert.Equal(t, "p-9", wire["ref"])
	data := wire["data"].(map[string]any)
	assert.Equal(t, "n1", data["nodeId"])
	assert.Equal(t, "X", data["label"])
	assert.NotContains(t, data, "position")
}

func TestEventRoundTrip_NodeCreatedIsFlat(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	node := domain.Node{ID: "n1", RoomID: "r1", Label: "Idea", Position: domain.Position{X: 1, Y: 2}, CreatedAt: now, UpdatedAt: now}

	raw, err := protocol.EncodeEvent(protocol.Event{RoomID: "r1", Ref: "p-1", Seq: 3, Actor: "alice", Payload: &protocol.NodeCreated{Node: node}})
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "Idea", wire["data"].(map[string]any)["label"], "node fields are not nested")

	evt, err := protocol.DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventNodeCreated, evt.Type())
	assert.Equal(t, uint64(3), evt.Seq)
	assert.Equal(t, "alice", evt.Actor)
	assert.Equal(t, node, evt.Payload.(*protocol.NodeCreated).Node)
}

func TestDecodeEvent_Unknown(t *testing.T) {
	_, err := protocol.DecodeEvent([]byte(`{"type":"node_added"}`))
	assert.ErrorIs(t, err, protocol.ErrDecode)
}

func TestSnapshotEvent_NeverNilSlices(t *testing.T) {
	raw, err := protocol.EncodeEvent(protocol.SnapshotEvent(domain.Snapshot{RoomID: "r1", Version: 4}))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"nodes":[]`)
	assert.Contains(t, string(raw), `"edges":[]`)
	assert.Contains(t, string(raw), `"participants":[]`)

	evt, err := protocol.DecodeEvent(raw)
	require.NoError(t, err)
	snap := evt.Payload.(*protocol.StateSnapshot).ToDomain("r1")
	assert.Equal(t, uint64(4), snap.Version)
	assert.Empty(t, snap.Nodes)
}

func TestEncode_NilPayload(t *testing.T) {
	_, err := protocol.EncodeEvent(protocol.Event{RoomID: "r1"})
	assert.ErrorIs(t, err, protocol.ErrEncode)
	_, err = protocol.EncodeIntent(protocol.Intent{RoomID: "r1"})
	assert.ErrorIs(t, err, protocol.ErrEncode)
}

func TestDecodeIntent_ErrorKeepsRef(t *testing.T) {
	raw := `{"type":"node_added","roomId":"r1","ref":"p-9","data":{"label":"` + strings.Repeat("x", protocol.MaxLabelLength+1) + `"}}`
	in, err := protocol.DecodeIntent([]byte(raw))
	require.ErrorIs(t, err, protocol.ErrDecode)
	assert.Equal(t, "p-9", in.Ref)
	assert.Equal(t, "r1", in.RoomID)
	assert.Nil(t, in.Payload)
}
