package dronenet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/raskyld/dronenet/pkg/role"
	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

// Network runs every node of a topology in the current process.
type Network struct {
	config config
	logger *slog.Logger

	nodes   map[wire.NodeID]*Node
	clients map[wire.NodeID]*role.Client
	servers map[wire.NodeID]*role.Server
	edges   map[Edge]struct{}

	lk       sync.Mutex
	shutdown bool
}

// NewNetwork starts a node per declared drone, client and server and
// links them as the topology says. With [WithQUIC], links are QUIC
// connections between the transports of the nodes.
func NewNetwork(topo *Config, opts ...Option) (_ *Network, err error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	nw := &Network{
		config:  cfg,
		nodes:   make(map[wire.NodeID]*Node),
		clients: make(map[wire.NodeID]*role.Client),
		servers: make(map[wire.NodeID]*role.Server),
		edges:   make(map[Edge]struct{}),
	}
	if cfg.logHandler == nil {
		nw.logger = slog.Default()
	} else {
		nw.logger = slog.New(cfg.logHandler)
	}

	defer func() {
		if err != nil {
			nw.Shutdown()
		}
	}()

	for _, d := range topo.Drones {
		n, err := NewRelay(d.ID, d.PDR, opts...)
		if err != nil {
			return nil, err
		}
		nw.nodes[d.ID] = n
	}

	for _, c := range topo.Clients {
		app := role.NewClient(nw.nodeHandler(c.ID))
		n, err := NewEndpoint(c.ID, wire.KindClient, app, opts...)
		if err != nil {
			return nil, err
		}
		nw.nodes[c.ID] = n
		nw.clients[c.ID] = app
	}

	for _, s := range topo.Servers {
		app, err := role.NewServer(role.ServerConfig{
			Type:       s.Type,
			Files:      s.Files,
			Media:      s.Media,
			LogHandler: nw.nodeHandler(s.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTopo, err)
		}
		n, err := NewEndpoint(s.ID, wire.KindServer, app, opts...)
		if err != nil {
			return nil, err
		}
		nw.nodes[s.ID] = n
		nw.servers[s.ID] = app
	}

	for _, e := range topo.Edges() {
		if err := nw.Connect(context.Background(), e.From, e.To); err != nil {
			return nil, err
		}
	}

	nw.logger.Info(
		"network started",
		slog.Int("nodes", len(nw.nodes)),
		slog.Int("links", len(nw.edges)),
	)
	return nw, nil
}

func (nw *Network) nodeHandler(id wire.NodeID) slog.Handler {
	return nw.logger.With(telemetry.LabelNodeID.L(id)).Handler()
}

// Nodes lists the ids of running nodes, sorted.
func (nw *Network) Nodes() []wire.NodeID {
	nw.lk.Lock()
	defer nw.lk.Unlock()
	return slices.Sorted(maps.Keys(nw.nodes))
}

func (nw *Network) Node(id wire.NodeID) (*Node, error) {
	nw.lk.Lock()
	defer nw.lk.Unlock()
	n, ok := nw.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return n, nil
}

// Client returns the application of a client, holding its inbox.
func (nw *Network) Client(id wire.NodeID) (*role.Client, error) {
	nw.lk.Lock()
	defer nw.lk.Unlock()
	c, ok := nw.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: no client %d", ErrUnknownNode, id)
	}
	return c, nil
}

// Server returns the application of a server. It must only be read
// while the network is idle, since its node goroutine owns it.
func (nw *Network) Server(id wire.NodeID) (*role.Server, error) {
	nw.lk.Lock()
	defer nw.lk.Unlock()
	s, ok := nw.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: no server %d", ErrUnknownNode, id)
	}
	return s, nil
}

func (nw *Network) pair(a, b wire.NodeID) (*Node, *Node, error) {
	nw.lk.Lock()
	defer nw.lk.Unlock()
	if nw.shutdown {
		return nil, nil, ErrNetworkClosed
	}
	na, ok := nw.nodes[a]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownNode, a)
	}
	nb, ok := nw.nodes[b]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownNode, b)
	}
	return na, nb, nil
}

// Connect links a and b in both directions.
func (nw *Network) Connect(ctx context.Context, a, b wire.NodeID) error {
	na, nb, err := nw.pair(a, b)
	if err != nil {
		return err
	}

	if nw.config.tlsConf != nil {
		if err := na.Dial(ctx, b, nb.Addr()); err != nil {
			return err
		}
		if err := nb.Dial(ctx, a, na.Addr()); err != nil {
			return err
		}
	} else {
		if err := na.ConnectLocal(nb); err != nil {
			return err
		}
		if err := nb.ConnectLocal(na); err != nil {
			return err
		}
	}

	nw.lk.Lock()
	nw.edges[newEdge(a, b)] = struct{}{}
	nw.lk.Unlock()
	return nil
}

// Disconnect removes the links between a and b.
func (nw *Network) Disconnect(a, b wire.NodeID) error {
	na, nb, err := nw.pair(a, b)
	if err != nil {
		return err
	}
	if err := na.RemoveLink(b); err != nil {
		return err
	}
	if err := nb.RemoveLink(a); err != nil {
		return err
	}

	nw.lk.Lock()
	delete(nw.edges, newEdge(a, b))
	nw.lk.Unlock()
	return nil
}

// Edges returns the current links, sorted.
func (nw *Network) Edges() []Edge {
	nw.lk.Lock()
	defer nw.lk.Unlock()
	return sortedEdges(nw.edges)
}

// Crash stops a node after its neighbours dropped their links to it.
// Packets already queued towards it are lost.
func (nw *Network) Crash(id wire.NodeID) error {
	nw.lk.Lock()
	if nw.shutdown {
		nw.lk.Unlock()
		return ErrNetworkClosed
	}
	n, ok := nw.nodes[id]
	if !ok {
		nw.lk.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	var neighbours []*Node
	for e := range nw.edges {
		switch id {
		case e.From:
			neighbours = append(neighbours, nw.nodes[e.To])
		case e.To:
			neighbours = append(neighbours, nw.nodes[e.From])
		default:
			continue
		}
		delete(nw.edges, e)
	}
	delete(nw.nodes, id)
	delete(nw.clients, id)
	delete(nw.servers, id)
	nw.lk.Unlock()

	var errs []error
	for _, peer := range neighbours {
		if err := peer.RemoveLink(id); err != nil && !errors.Is(err, ErrNodeClosed) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, n.Shutdown())

	nw.logger.Info("node crashed", telemetry.LabelNodeID.L(id))
	return errors.Join(errs...)
}

// Shutdown stops every node concurrently. Each node stops its goroutine
// and closes its links before releasing its transport.
func (nw *Network) Shutdown() error {
	nw.lk.Lock()
	if nw.shutdown {
		nw.lk.Unlock()
		return nil
	}
	nw.shutdown = true
	nodes := slices.Collect(maps.Values(nw.nodes))
	nw.lk.Unlock()

	start := time.Now()
	nw.logger.Info("shutting down...")

	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for i, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = n.Shutdown()
		}()
	}
	wg.Wait()

	nw.logger.Info("shutdown: completed", telemetry.LabelDuration.L(time.Since(start)))
	return errors.Join(errs...)
}
