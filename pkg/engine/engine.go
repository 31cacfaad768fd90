// Package engine implements the protocol run by clients and servers:
// topology discovery by flooding, fragmentation and reassembly of
// messages and delivery tracking driven by acks and nacks.
//
// An [Engine] is owned by a single goroutine. None of its methods are
// safe for concurrent use.
package engine

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

type Engine struct {
	id       wire.NodeID
	kind     wire.NodeKind
	fragSize int

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	links Links
	app   Application

	floodID   wire.FloodID
	sessionID wire.SessionID

	topology   *Topology
	routes     *RouteTable
	output     *OutputBuffer
	reassembly *Reassembler
}

func New(cfg Config, links Links, app Application) (*Engine, error) {
	if !cfg.Kind.IsEndpoint() {
		return nil, fmt.Errorf("%w: got %s", ErrNotEndpoint, cfg.Kind)
	}

	e := &Engine{
		id:         cfg.ID,
		kind:       cfg.Kind,
		fragSize:   cfg.FragmentSize,
		links:      links,
		app:        app,
		topology:   NewTopology(),
		routes:     NewRouteTable(),
		output:     NewOutputBuffer(),
		reassembly: NewReassembler(),
	}

	if e.fragSize <= 0 {
		e.fragSize = wire.FragmentSize
	}

	if cfg.LogHandler == nil {
		e.logger = slog.Default()
	} else {
		e.logger = slog.New(cfg.LogHandler)
	}
	e.logger = e.logger.With(
		telemetry.LabelNodeID.L(cfg.ID),
		telemetry.LabelNodeKind.L(cfg.Kind.String()),
	)

	if cfg.MetricSink == nil {
		e.msink = metrics.Default()
	} else {
		e.msink = cfg.MetricSink
	}
	e.labels = append(slices.Clone(cfg.MetricLabels),
		telemetry.LabelNodeID.M(fmt.Sprint(cfg.ID)),
		telemetry.LabelNodeKind.M(cfg.Kind.String()),
	)

	if e.app == nil {
		e.app = ApplicationFunc(func(*Engine, wire.NodeID, message.Message) {})
	}
	return e, nil
}

func (e *Engine) ID() wire.NodeID { return e.id }

func (e *Engine) Kind() wire.NodeKind { return e.kind }

// FloodID returns the id of the latest flood started by this node.
func (e *Engine) FloodID() wire.FloodID { return e.floodID }

func (e *Engine) Topology() *Topology { return e.topology }

func (e *Engine) Routes() *RouteTable { return e.routes }

func (e *Engine) Output() *OutputBuffer { return e.output }

func (e *Engine) Reassembly() *Reassembler { return e.reassembly }

// OnPacket is the single inbound entry point.
func (e *Engine) OnPacket(pkt wire.Packet) error {
	if err := pkt.Validate(); err != nil {
		return err
	}

	e.logger.Debug("packet received", telemetry.LabelPacket.L(pkt))

	switch pkt.Type {
	case wire.TypeFragment:
		return e.onFragment(pkt)
	case wire.TypeAck:
		e.onAck(pkt)
	case wire.TypeNack:
		return e.onNack(pkt)
	case wire.TypeFloodRequest:
		e.onFloodRequest(pkt)
	case wire.TypeFloodResponse:
		return e.onFloodResponse(pkt)
	}
	return nil
}

// Submit fragments msg and sends it to dst along the cached route. It
// fails with [ErrNoRoute] when discovery has not produced one yet.
func (e *Engine) Submit(msg message.Message, dst wire.NodeID) (wire.SessionID, error) {
	route, ok := e.routes.Get(dst)
	if !ok || len(route) == 0 {
		return 0, fmt.Errorf("%w: %d", ErrNoRoute, dst)
	}

	payload, err := message.Encode(msg)
	if err != nil {
		return 0, err
	}

	session := e.nextSession()
	hdr := wire.NewRoutingHeader(e.id, route)
	frags := Split(payload, e.fragSize)

	allSent := true
	for _, frag := range frags {
		if !e.send(wire.NewFragment(session, hdr.Clone(), frag)) {
			allSent = false
		}
	}

	e.logger.Debug(
		"message submitted",
		telemetry.LabelDest.L(dst),
		telemetry.LabelSessionID.L(session),
		telemetry.LabelMessage.L(msg),
		slog.Int("fragments", len(frags)),
	)

	if !allSent {
		e.StartFlood()
	}
	return session, nil
}

// StartFlood discards the known topology and routes and starts a new
// discovery round towards every neighbour.
func (e *Engine) StartFlood() {
	e.floodID++
	session := e.nextSession()
	e.topology.Clear()
	e.routes.Clear()

	req := wire.NewFloodRequest(session, wire.FloodRequest{
		FloodID:   e.floodID,
		Initiator: e.id,
		Trace:     wire.PathTrace{{ID: e.id, Kind: e.kind}},
	})

	neighbours := e.links.Neighbors()
	for _, n := range neighbours {
		if err := e.links.Send(n, req); err != nil {
			e.logger.Warn(
				"could not send flood request",
				telemetry.LabelPeer.L(n),
				telemetry.LabelError.L(err),
			)
		}
	}

	e.msink.IncrCounterWithLabels(telemetry.MetricFloodStartedCount, 1, e.labels)
	e.logger.Info(
		"flood started",
		telemetry.LabelFloodID.L(e.floodID),
		slog.Int("neighbours", len(neighbours)),
	)
}

func (e *Engine) nextSession() wire.SessionID {
	e.sessionID++
	return e.sessionID
}

// reply sends a packet which is not tracked for delivery: acks, nacks
// and flood responses.
func (e *Engine) reply(pkt wire.Packet) {
	next, ok := pkt.Header.Current()
	if !ok {
		e.logger.Warn("cannot reply on an empty route", telemetry.LabelPacket.L(pkt))
		return
	}
	if err := e.links.Send(next, pkt); err != nil {
		e.logger.Warn(
			"could not reply",
			telemetry.LabelPeer.L(next),
			telemetry.LabelPacket.L(pkt),
			telemetry.LabelError.L(err),
		)
	}
}

// Snapshot is a read-only copy of the engine state.
type Snapshot struct {
	ID           wire.NodeID
	Kind         wire.NodeKind
	FloodID      wire.FloodID
	Neighbors    []wire.NodeID
	Topology     map[wire.NodeID]NodeInfo
	Routes       map[wire.NodeID][]wire.NodeID
	Pending      map[wire.SessionID][]uint64
	Reassembling int
}

func (e *Engine) Snapshot() Snapshot {
	pending := make(map[wire.SessionID][]uint64)
	for _, session := range e.output.Sessions() {
		pending[session] = e.output.Pending(session)
	}

	neighbours := e.links.Neighbors()
	slices.Sort(neighbours)

	return Snapshot{
		ID:           e.id,
		Kind:         e.kind,
		FloodID:      e.floodID,
		Neighbors:    neighbours,
		Topology:     e.topology.Snapshot(),
		Routes:       e.routes.Snapshot(),
		Pending:      pending,
		Reassembling: e.reassembly.Pending(),
	}
}
