package dronenet

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/role"
	"github.com/raskyld/dronenet/pkg/wire"
)

// Config describes the nodes of a network and the links between them.
// Every link must be declared on both of its ends.
type Config struct {
	Drones  []DroneConfig  `toml:"drone"`
	Clients []ClientConfig `toml:"client"`
	Servers []ServerConfig `toml:"server"`
}

type DroneConfig struct {
	ID               wire.NodeID   `toml:"id"`
	ConnectedNodeIDs []wire.NodeID `toml:"connected_node_ids"`
	PDR              float64       `toml:"pdr"`
}

type ClientConfig struct {
	ID                wire.NodeID   `toml:"id"`
	ConnectedDroneIDs []wire.NodeID `toml:"connected_drone_ids"`
}

type ServerConfig struct {
	ID                wire.NodeID        `toml:"id"`
	ConnectedDroneIDs []wire.NodeID      `toml:"connected_drone_ids"`
	Type              message.ServerType `toml:"type"`

	// Files of a text server, Media of a media server.
	Files []role.Document  `toml:"files"`
	Media map[string]string `toml:"media"`
}

// LoadConfig reads and validates a TOML topology.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTopo, err)
	}
	if err := cfg.check(md); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig is [LoadConfig] for an in-memory document.
func ParseConfig(doc string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.Decode(doc, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTopo, err)
	}
	if err := cfg.check(md); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) check(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("%w: unknown keys %s", ErrInvalidTopo, strings.Join(keys, ", "))
	}
	return c.Validate()
}

// Kinds maps every declared node to its kind.
func (c *Config) Kinds() map[wire.NodeID]wire.NodeKind {
	kinds := make(map[wire.NodeID]wire.NodeKind)
	for _, d := range c.Drones {
		kinds[d.ID] = wire.KindRelay
	}
	for _, cl := range c.Clients {
		kinds[cl.ID] = wire.KindClient
	}
	for _, s := range c.Servers {
		kinds[s.ID] = wire.KindServer
	}
	return kinds
}

// Edge is an undirected link, From is always the lowest id.
type Edge struct {
	From, To wire.NodeID
}

func newEdge(a, b wire.NodeID) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{From: a, To: b}
}

func (c *Config) neighbours() map[wire.NodeID][]wire.NodeID {
	out := make(map[wire.NodeID][]wire.NodeID)
	for _, d := range c.Drones {
		out[d.ID] = d.ConnectedNodeIDs
	}
	for _, cl := range c.Clients {
		out[cl.ID] = cl.ConnectedDroneIDs
	}
	for _, s := range c.Servers {
		out[s.ID] = s.ConnectedDroneIDs
	}
	return out
}

// Edges returns every link once, sorted.
func (c *Config) Edges() []Edge {
	seen := make(map[Edge]struct{})
	for id, ns := range c.neighbours() {
		for _, n := range ns {
			seen[newEdge(id, n)] = struct{}{}
		}
	}
	return sortedEdges(seen)
}

func sortedEdges(set map[Edge]struct{}) []Edge {
	edges := slices.Collect(maps.Keys(set))
	slices.SortFunc(edges, func(a, b Edge) int {
		if a.From != b.From {
			return int(a.From) - int(b.From)
		}
		return int(a.To) - int(b.To)
	})
	return edges
}

// Validate reports every problem of the topology at once.
func (c *Config) Validate() error {
	var errs []error
	kinds := make(map[wire.NodeID]wire.NodeKind)
	declare := func(id wire.NodeID, kind wire.NodeKind) {
		if prev, ok := kinds[id]; ok {
			errs = append(errs, fmt.Errorf("node %d declared twice, as %s and %s", id, prev, kind))
			return
		}
		kinds[id] = kind
	}
	for _, d := range c.Drones {
		declare(d.ID, wire.KindRelay)
		if d.PDR < 0 || d.PDR > 1 {
			errs = append(errs, fmt.Errorf("drone %d: pdr %v is not within [0, 1]", d.ID, d.PDR))
		}
	}
	for _, cl := range c.Clients {
		declare(cl.ID, wire.KindClient)
	}
	for _, s := range c.Servers {
		declare(s.ID, wire.KindServer)
		if !s.Type.Valid() {
			errs = append(errs, fmt.Errorf("server %d: unknown type %q", s.ID, s.Type))
		}
	}

	neighbours := c.neighbours()
	for id, ns := range neighbours {
		for i, n := range ns {
			switch {
			case n == id:
				errs = append(errs, fmt.Errorf("node %d is linked to itself", id))
			case slices.Contains(ns[:i], n):
				errs = append(errs, fmt.Errorf("node %d lists %d twice", id, n))
			case kinds[n] == wire.KindUnknown:
				errs = append(errs, fmt.Errorf("node %d is linked to undeclared node %d", id, n))
			case kinds[id].IsEndpoint() && kinds[n] != wire.KindRelay:
				errs = append(errs, fmt.Errorf("%s %d can only be linked to drones, not %s %d", kinds[id], id, kinds[n], n))
			case !slices.Contains(neighbours[n], id):
				errs = append(errs, fmt.Errorf("link %d-%d is only declared by %d", id, n, id))
			}
		}
	}

	if len(errs) > 0 {
		slices.SortFunc(errs, func(a, b error) int { return strings.Compare(a.Error(), b.Error()) })
		return fmt.Errorf("%w: %w", ErrInvalidTopo, errors.Join(errs...))
	}
	return nil
}
