package engine

import (
	"errors"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/wire"
)

var (
	ErrNoRoute          = errors.New("engine: no route to destination")
	ErrMalformedMessage = errors.New("engine: reassembled message could not be decoded")
	ErrInvalidFragment  = errors.New("engine: invalid fragment")
	ErrUnexpectedPacket = errors.New("engine: unexpected packet")
	ErrNotEndpoint      = errors.New("engine: only clients and servers run the engine")
)

// Config of an [Engine].
type Config struct {
	// ID and Kind of the local node. Kind must be a client or a server.
	ID   wire.NodeID
	Kind wire.NodeKind

	// FragmentSize is the maximum payload of one fragment. Defaults to
	// [wire.FragmentSize].
	FragmentSize int

	// MetricLabels to add to every metric emitted by the engine.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Links is the outbound side of the local node.
type Links interface {
	// Send hands a packet to the link towards a neighbour. It fails
	// when no such link exists. The receiver must not share memory
	// with pkt.
	Send(to wire.NodeID, pkt wire.Packet) error
	// Neighbors lists the nodes we currently have a link to.
	Neighbors() []wire.NodeID
	// Remove drops the link to a neighbour, if any.
	Remove(id wire.NodeID)
}

// Application receives every message that completed reassembly.
type Application interface {
	OnMessageReady(e *Engine, src wire.NodeID, msg message.Message)
}

// RouteObserver can be implemented by an [Application] which wants to
// be told when a flood response installs a route.
type RouteObserver interface {
	OnRouteLearned(e *Engine, dst wire.NodeID)
}

// ApplicationFunc adapts a function to the [Application] interface.
type ApplicationFunc func(e *Engine, src wire.NodeID, msg message.Message)

func (f ApplicationFunc) OnMessageReady(e *Engine, src wire.NodeID, msg message.Message) {
	f(e, src, msg)
}
