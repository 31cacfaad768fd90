package engine

import (
	"maps"
	"slices"

	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/wire"
)

// NodeInfo is what we know about a discovered node.
type NodeInfo struct {
	Kind wire.NodeKind
	// ServerType is only set for servers which answered AskType.
	ServerType message.ServerType
}

// Topology is the view of the network built from flood responses.
type Topology struct {
	nodes map[wire.NodeID]NodeInfo
	edges map[wire.NodeID]map[wire.NodeID]struct{}
}

func NewTopology() *Topology {
	return &Topology{
		nodes: make(map[wire.NodeID]NodeInfo),
		edges: make(map[wire.NodeID]map[wire.NodeID]struct{}),
	}
}

// RecordTrace adds every hop of a path trace and the links between
// consecutive hops. A known server subtype is kept.
func (t *Topology) RecordTrace(trace wire.PathTrace) {
	for i, hop := range trace {
		info := t.nodes[hop.ID]
		info.Kind = hop.Kind
		t.nodes[hop.ID] = info

		if i > 0 {
			t.addEdge(trace[i-1].ID, hop.ID)
		}
	}
}

func (t *Topology) addEdge(a, b wire.NodeID) {
	for _, pair := range [][2]wire.NodeID{{a, b}, {b, a}} {
		set, ok := t.edges[pair[0]]
		if !ok {
			set = make(map[wire.NodeID]struct{})
			t.edges[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

// SetServerType records the subtype of a server. Unknown nodes are
// added as servers.
func (t *Topology) SetServerType(id wire.NodeID, st message.ServerType) {
	t.nodes[id] = NodeInfo{Kind: wire.KindServer, ServerType: st}
}

func (t *Topology) Get(id wire.NodeID) (NodeInfo, bool) {
	info, ok := t.nodes[id]
	return info, ok
}

// Neighbors returns the discovered neighbours of a node, sorted.
func (t *Topology) Neighbors(id wire.NodeID) []wire.NodeID {
	return slices.Sorted(maps.Keys(t.edges[id]))
}

// OfKind returns the sorted ids of every known node of the given kind.
func (t *Topology) OfKind(kind wire.NodeKind) []wire.NodeID {
	var ids []wire.NodeID
	for id, info := range t.nodes {
		if info.Kind == kind {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (t *Topology) Len() int {
	return len(t.nodes)
}

func (t *Topology) Clear() {
	clear(t.nodes)
	clear(t.edges)
}

func (t *Topology) Snapshot() map[wire.NodeID]NodeInfo {
	return maps.Clone(t.nodes)
}

// RouteTable caches, per destination, the hops to traverse after the
// local node. Entries are replaced wholesale.
type RouteTable struct {
	routes map[wire.NodeID][]wire.NodeID
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[wire.NodeID][]wire.NodeID)}
}

func (rt *RouteTable) Get(dst wire.NodeID) ([]wire.NodeID, bool) {
	route, ok := rt.routes[dst]
	return slices.Clone(route), ok
}

// Set replaces the route to dst and reports whether one existed.
func (rt *RouteTable) Set(dst wire.NodeID, route []wire.NodeID) bool {
	_, existed := rt.routes[dst]
	rt.routes[dst] = slices.Clone(route)
	return existed
}

func (rt *RouteTable) Delete(dst wire.NodeID) {
	delete(rt.routes, dst)
}

func (rt *RouteTable) Len() int {
	return len(rt.routes)
}

func (rt *RouteTable) Clear() {
	clear(rt.routes)
}

func (rt *RouteTable) Snapshot() map[wire.NodeID][]wire.NodeID {
	out := make(map[wire.NodeID][]wire.NodeID, len(rt.routes))
	for dst, route := range rt.routes {
		out[dst] = slices.Clone(route)
	}
	return out
}
