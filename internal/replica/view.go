package replica

import (
	"sort"

	"collaborative-mindmap/internal/domain"
)

// EntityState says how far the server has caught up with an entity.
type EntityState int

const (
	// StateConfirmed: what is shown is what the server last sent.
	StateConfirmed EntityState = iota
	// StatePendingEdit: a local edit to a known entity awaits its echo.
	StatePendingEdit
	// StatePendingCreate: a local creation has no server id yet.
	StatePendingCreate
)

func (s EntityState) String() string {
	switch s {
	case StateConfirmed:
		return "confirmed"
	case StatePendingEdit:
		return "pending_edit"
	case StatePendingCreate:
		return "pending_create"
	}
	return "unknown"
}

// NodeView is a node as it should be rendered.
type NodeView struct {
	domain.Node
	Ref   Ref
	State EntityState
}

// EdgeView is an edge as it should be rendered. Source and Target address
// the endpoint nodes, which may themselves be pending.
type EdgeView struct {
	ID     string
	Ref    Ref
	Source Ref
	Target Ref
	State  EntityState
}

// View is the render projection of the replica.
type View struct {
	Version      uint64
	Synced       bool
	Nodes        []NodeView
	Edges        []EdgeView
	Participants []string
}

// Node finds a node of the view by ref.
func (v View) Node(ref Ref) (NodeView, bool) {
	for _, n := range v.Nodes {
		if n.Ref == ref || (!ref.IsPending() && n.ID == ref.ID && ref.ID != "") {
			return n, true
		}
	}
	return NodeView{}, false
}

// View projects confirmed state plus optimistic edits. Deleted entities are
// hidden, and so is every edge whose endpoint is not shown.
func (e *Engine) View() View {
	v := View{
		Version: e.version,
		Synced:  e.synced,
		Nodes:   make([]NodeView, 0, len(e.nodes)+len(e.pendingNodes)),
		Edges:   make([]EdgeView, 0, len(e.edges)+len(e.pendingEdges)),
	}

	// Visible nodes keyed by the ref a pending edge would use.
	shown := make(map[Ref]string)
	for id, n := range e.nodes {
		if _, gone := e.deleted[id]; gone {
			continue
		}
		nv := NodeView{Node: n, Ref: ByID(id), State: StateConfirmed}
		if ov := e.overlays[id]; ov != nil {
			nv.Node = ov.patch.ApplyTo(n)
			nv.State = StatePendingEdit
		}
		v.Nodes = append(v.Nodes, nv)
		shown[ByID(id)] = id
	}
	for pid, id := range e.resolved {
		if _, ok := shown[ByID(id)]; ok {
			shown[ByPending(pid)] = id
		}
	}
	for pid, pn := range e.pendingNodes {
		if pn.deleted {
			continue
		}
		n := domain.Node{RoomID: e.roomID, Label: pn.label, Position: pn.position}
		v.Nodes = append(v.Nodes, NodeView{Node: pn.patch.ApplyTo(n), Ref: ByPending(pid), State: StatePendingCreate})
		shown[ByPending(pid)] = ""
	}

	for id, ed := range e.edges {
		if _, gone := e.deleted[id]; gone {
			continue
		}
		_, srcOK := shown[ByID(ed.SourceID)]
		_, tgtOK := shown[ByID(ed.TargetID)]
		if !srcOK || !tgtOK {
			continue
		}
		v.Edges = append(v.Edges, EdgeView{
			ID:     id,
			Ref:    ByID(id),
			Source: ByID(ed.SourceID),
			Target: ByID(ed.TargetID),
			State:  StateConfirmed,
		})
	}
	for pid, pe := range e.pendingEdges {
		if pe.deleted {
			continue
		}
		_, srcOK := shown[pe.source]
		_, tgtOK := shown[pe.target]
		if !srcOK || !tgtOK {
			continue
		}
		v.Edges = append(v.Edges, EdgeView{
			Ref:    ByPending(pid),
			Source: e.canonical(pe.source),
			Target: e.canonical(pe.target),
			State:  StatePendingCreate,
		})
	}

	for p := range e.participants {
		v.Participants = append(v.Participants, p)
	}
	sort.Strings(v.Participants)
	sort.Slice(v.Nodes, func(i, j int) bool { return v.Nodes[i].Ref.String() < v.Nodes[j].Ref.String() })
	sort.Slice(v.Edges, func(i, j int) bool { return v.Edges[i].Ref.String() < v.Edges[j].Ref.String() })
	return v
}

// canonical prefers the server id once a pending ref has one.
func (e *Engine) canonical(ref Ref) Ref {
	if id, ok := e.resolve(ref); ok && ref.IsPending() {
		return ByID(id)
	}
	return ref
}
