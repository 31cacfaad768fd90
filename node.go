package dronenet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dronenet/pkg/engine"
	"github.com/raskyld/dronenet/pkg/link"
	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/relay"
	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

// Node is one client, server or relay of the network. Its state is only
// touched by its own goroutine: every method sends a command to it and
// waits for the outcome.
type Node struct {
	id     wire.NodeID
	kind   wire.NodeKind
	config config
	logger *slog.Logger
	labels []metrics.Label

	inbound chan wire.Packet
	cmdCh   chan command

	// owned by the node goroutine
	links  *link.Table
	engine *engine.Engine
	relay  *relay.Relay

	tr *link.QUICTransport

	lk         sync.Mutex
	closed     bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

type command struct {
	fn   func()
	done chan struct{}
}

// Snapshot is a read-only copy of the state of a node. PDR is only set
// for relays, and relays only fill the identity and neighbours of the
// embedded engine snapshot.
type Snapshot struct {
	engine.Snapshot
	PDR float64
}

// NewEndpoint starts a client or a server. Completed messages are handed
// to app from the node goroutine.
func NewEndpoint(id wire.NodeID, kind wire.NodeKind, app engine.Application, opts ...Option) (*Node, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	n := newNode(id, kind, cfg)
	n.engine, err = engine.New(engine.Config{
		ID:           id,
		Kind:         kind,
		FragmentSize: cfg.fragmentSize,
		MetricLabels: cfg.metricLabels,
		MetricSink:   cfg.msink,
		LogHandler:   cfg.logHandler,
	}, n.links, app)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	if err := n.start(); err != nil {
		return nil, err
	}
	return n, nil
}

// NewRelay starts a drone dropping fragments with probability pdr.
func NewRelay(id wire.NodeID, pdr float64, opts ...Option) (*Node, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	n := newNode(id, wire.KindRelay, cfg)
	n.relay, err = relay.New(relay.Config{
		ID:           id,
		PDR:          pdr,
		Seed:         cfg.seed,
		MetricLabels: cfg.metricLabels,
		MetricSink:   cfg.msink,
		LogHandler:   cfg.logHandler,
	}, n.links)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	if err := n.start(); err != nil {
		return nil, err
	}
	return n, nil
}

func newNode(id wire.NodeID, kind wire.NodeKind, cfg config) *Node {
	n := &Node{
		id:         id,
		kind:       kind,
		config:     cfg,
		inbound:    make(chan wire.Packet, cfg.inboundBuffer),
		cmdCh:      make(chan command),
		links:      link.NewTable(),
		shutdownCh: make(chan struct{}),
	}

	if cfg.logHandler == nil {
		n.logger = slog.Default()
	} else {
		n.logger = slog.New(cfg.logHandler)
	}
	n.logger = n.logger.With(
		telemetry.LabelNodeID.L(id),
		telemetry.LabelNodeKind.L(kind.String()),
	)

	n.labels = append(slices.Clone(cfg.metricLabels),
		telemetry.LabelNodeID.M(fmt.Sprint(id)),
		telemetry.LabelNodeKind.M(kind.String()),
	)
	return n
}

func (n *Node) start() error {
	if n.config.tlsConf != nil {
		tr, err := link.NewQUICTransport(&link.QUICConfig{
			TlsConfig:    n.config.tlsConf,
			BindAddr:     n.config.bindAddr,
			DialTimeout:  n.config.dialTimeout,
			MetricLabels: n.labels,
			MetricSink:   n.config.msink,
			LogHandler:   n.logger.Handler(),
		}, n.inbound)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.tr = tr
	}

	n.wg.Add(1)
	go n.run()
	return nil
}

func (n *Node) ID() wire.NodeID {
	return n.id
}

func (n *Node) Kind() wire.NodeKind {
	return n.kind
}

// Inbound is where neighbours in the same process push packets.
func (n *Node) Inbound() chan<- wire.Packet {
	return n.inbound
}

// Addr is the address neighbours must dial, empty without QUIC.
func (n *Node) Addr() string {
	if n.tr == nil {
		return ""
	}
	return n.tr.Addr()
}

func (n *Node) run() {
	defer n.wg.Done()
	defer func() {
		if err := n.links.Close(); err != nil {
			n.logger.Warn("error closing links", telemetry.LabelError.L(err))
		}
	}()

	for {
		// commands first
		select {
		case cmd := <-n.cmdCh:
			n.exec(cmd)
			continue
		case <-n.shutdownCh:
			return
		default:
		}

		select {
		case cmd := <-n.cmdCh:
			n.exec(cmd)
		case pkt := <-n.inbound:
			n.handle(pkt)
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) exec(cmd command) {
	defer close(cmd.done)
	cmd.fn()
}

func (n *Node) handle(pkt wire.Packet) {
	var err error
	if n.engine != nil {
		err = n.engine.OnPacket(pkt)
	} else {
		err = n.relay.OnPacket(pkt)
	}
	if err == nil {
		return
	}

	n.config.msink.IncrCounterWithLabels(
		telemetry.MetricNodeErrorCount, 1,
		append(slices.Clone(n.labels), telemetry.LabelPacketType.M(pkt.Type.String())),
	)

	level := slog.LevelWarn
	if errors.Is(err, engine.ErrMalformedMessage) || errors.Is(err, wire.ErrUnknownPacket) {
		level = slog.LevelError
	}
	n.logger.Log(
		context.Background(), level,
		"could not handle packet",
		telemetry.LabelPacket.L(pkt),
		telemetry.LabelError.L(err),
	)
}

// do runs fn on the node goroutine and waits for it to complete.
func (n *Node) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case n.cmdCh <- command{fn: fn, done: done}:
	case <-n.shutdownCh:
		return ErrNodeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// AddLink installs an outbound link, replacing any previous link to the
// same peer. The link is closed if the node is.
func (n *Node) AddLink(l link.Link) error {
	err := n.do(context.Background(), func() {
		n.links.Add(l)
		n.logger.Debug("link added", telemetry.LabelPeer.L(l.Peer()))
	})
	if err != nil {
		_ = l.Close()
	}
	return err
}

// ConnectLocal links n to a neighbour living in the same process.
func (n *Node) ConnectLocal(peer *Node) error {
	return n.AddLink(link.NewLocal(peer.ID(), peer.Inbound()))
}

// Dial opens a QUIC link towards the neighbour listening on addr.
func (n *Node) Dial(ctx context.Context, peer wire.NodeID, addr string) error {
	if n.tr == nil {
		return ErrNoTransport
	}
	l, err := n.tr.Dial(ctx, peer, addr)
	if err != nil {
		return err
	}
	return n.AddLink(l)
}

func (n *Node) RemoveLink(peer wire.NodeID) error {
	return n.do(context.Background(), func() {
		n.links.Remove(peer)
		n.logger.Debug("link removed", telemetry.LabelPeer.L(peer))
	})
}

// StartFlood discards the routes of an endpoint and discovers the
// network again.
func (n *Node) StartFlood() error {
	if n.engine == nil {
		return fmt.Errorf("%w: %s cannot flood", ErrWrongKind, n.kind)
	}
	return n.do(context.Background(), func() {
		n.engine.StartFlood()
	})
}

// Submit sends msg to dst. It fails with [engine.ErrNoRoute] until a
// flood has found a route.
func (n *Node) Submit(ctx context.Context, msg message.Message, dst wire.NodeID) (session wire.SessionID, err error) {
	if n.engine == nil {
		return 0, fmt.Errorf("%w: %s cannot submit", ErrWrongKind, n.kind)
	}
	doErr := n.do(ctx, func() {
		session, err = n.engine.Submit(msg, dst)
	})
	if doErr != nil {
		return 0, doErr
	}
	return session, err
}

// SetPDR changes the drop rate of a relay.
func (n *Node) SetPDR(pdr float64) (err error) {
	if n.relay == nil {
		return fmt.Errorf("%w: %s has no drop rate", ErrWrongKind, n.kind)
	}
	doErr := n.do(context.Background(), func() {
		err = n.relay.SetPDR(pdr)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (n *Node) Inspect(ctx context.Context) (snap Snapshot, err error) {
	err = n.do(ctx, func() {
		if n.engine != nil {
			snap.Snapshot = n.engine.Snapshot()
			return
		}
		snap.ID = n.id
		snap.Kind = n.kind
		snap.Neighbors = n.links.Neighbors()
		snap.PDR = n.relay.PDR()
	})
	return
}

// Shutdown stops the node goroutine, closing its links, then releases
// the QUIC transport.
func (n *Node) Shutdown() error {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return nil
	}
	n.closed = true
	close(n.shutdownCh)
	n.lk.Unlock()

	n.wg.Wait()

	if n.tr != nil {
		return n.tr.Shutdown()
	}
	n.logger.Debug("node stopped")
	return nil
}
