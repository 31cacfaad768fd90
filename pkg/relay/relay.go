// Package relay implements the forwarding rules of the drones sitting
// between clients and servers. A relay has no route table: it follows
// the source route carried by each packet, drops fragments at random and
// takes part in floods.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

var (
	ErrInvalidPDR  = errors.New("relay: drop rate must be within [0, 1]")
	ErrUnroutable  = errors.New("relay: packet cannot be routed")
	ErrEmptyTrace  = errors.New("relay: flood request without trace")
	ErrNotRelayHop = errors.New("relay: not the expected hop")
)

// Links is the sending side of a relay.
type Links interface {
	Send(to wire.NodeID, pkt wire.Packet) error
	Neighbors() []wire.NodeID
}

type Config struct {
	ID wire.NodeID

	// PDR is the probability of dropping a fragment.
	PDR float64

	// Seed of the generator used to decide drops.
	Seed uint64

	// MetricsLabels to add to every metrics emitted by the relay.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

type floodKey struct {
	id        wire.FloodID
	initiator wire.NodeID
}

// Relay is owned by a single goroutine.
type Relay struct {
	id     wire.NodeID
	pdr    float64
	rng    *rand.Rand
	links  Links
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	seen map[floodKey]struct{}
}

func New(cfg Config, links Links) (*Relay, error) {
	if cfg.PDR < 0 || cfg.PDR > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidPDR, cfg.PDR)
	}

	r := &Relay{
		id:    cfg.ID,
		pdr:   cfg.PDR,
		rng:   rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.ID))),
		links: links,
		seen:  make(map[floodKey]struct{}),
	}

	if cfg.LogHandler == nil {
		r.logger = slog.Default()
	} else {
		r.logger = slog.New(cfg.LogHandler)
	}
	r.logger = r.logger.With(
		telemetry.LabelNodeID.L(cfg.ID),
		telemetry.LabelNodeKind.L(wire.KindRelay.String()),
	)

	if cfg.MetricSink == nil {
		r.msink = metrics.Default()
	} else {
		r.msink = cfg.MetricSink
	}
	r.labels = append(slices.Clone(cfg.MetricLabels),
		telemetry.LabelNodeID.M(fmt.Sprint(cfg.ID)),
		telemetry.LabelNodeKind.M(wire.KindRelay.String()),
	)
	return r, nil
}

func (r *Relay) ID() wire.NodeID {
	return r.id
}

func (r *Relay) PDR() float64 {
	return r.pdr
}

// SetPDR changes the drop rate of subsequent fragments.
func (r *Relay) SetPDR(pdr float64) error {
	if pdr < 0 || pdr > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidPDR, pdr)
	}
	r.pdr = pdr
	return nil
}

// OnPacket forwards, answers or drops pkt. Errors are reported for
// packets that were neither forwarded nor answered.
func (r *Relay) OnPacket(pkt wire.Packet) error {
	if err := pkt.Validate(); err != nil {
		return err
	}

	if pkt.Type == wire.TypeFloodRequest {
		return r.onFloodRequest(pkt)
	}

	cur, ok := pkt.Header.Current()
	if !ok || cur != r.id {
		if pkt.Type == wire.TypeFragment {
			r.nack(pkt, pkt.Header.ReplyFrom(r.id), wire.ReasonWrongRecipient, r.id)
			return nil
		}
		return fmt.Errorf("%w: %w: expected %d", ErrUnroutable, ErrNotRelayHop, cur)
	}

	hdr := pkt.Header.Advance()
	next, ok := hdr.Current()
	if !ok {
		if pkt.Type == wire.TypeFragment {
			r.nack(pkt, pkt.Header.Reverse(), wire.ReasonDestinationIsDrone, r.id)
			return nil
		}
		return fmt.Errorf("%w: %s ends at relay %d", ErrUnroutable, pkt.Type, r.id)
	}

	if pkt.Type == wire.TypeFragment && r.pdr > 0 && r.rng.Float64() < r.pdr {
		r.msink.IncrCounterWithLabels(telemetry.MetricRelayDroppedCount, 1, r.labels)
		r.logger.Debug("fragment dropped", telemetry.LabelPacket.L(pkt))
		r.nack(pkt, pkt.Header.Reverse(), wire.ReasonDropped, r.id)
		return nil
	}

	out := pkt
	out.Header = hdr
	if err := r.links.Send(next, out); err != nil {
		if pkt.Type == wire.TypeFragment {
			r.logger.Debug(
				"no link to next hop",
				telemetry.LabelPeer.L(next),
				telemetry.LabelError.L(err),
			)
			r.nack(pkt, pkt.Header.Reverse(), wire.ReasonRoutingError, next)
			return nil
		}
		return fmt.Errorf("%w: %w", ErrUnroutable, err)
	}

	r.msink.IncrCounterWithLabels(
		telemetry.MetricRelayForwardedCount, 1,
		append(slices.Clone(r.labels), telemetry.LabelPacketType.M(pkt.Type.String())),
	)
	r.logger.Debug("packet forwarded", telemetry.LabelPeer.L(next), telemetry.LabelPacket.L(out))
	return nil
}

// nack answers a fragment that could not progress. hdr leaves from the
// relay back to the source of the fragment.
func (r *Relay) nack(pkt wire.Packet, hdr wire.RoutingHeader, reason wire.NackReason, node wire.NodeID) {
	r.msink.IncrCounterWithLabels(
		telemetry.MetricRelayNackCount, 1,
		append(slices.Clone(r.labels), telemetry.LabelReason.M(reason.String())),
	)

	nack := wire.NewNack(pkt.SessionID, hdr, wire.Nack{
		Index:  pkt.Fragment.Index,
		Reason: reason,
		Node:   node,
	})

	next, ok := hdr.Current()
	if !ok {
		r.logger.Warn("cannot send nack on an empty route", telemetry.LabelPacket.L(nack))
		return
	}
	if err := r.links.Send(next, nack); err != nil {
		r.logger.Warn(
			"could not send nack",
			telemetry.LabelPeer.L(next),
			telemetry.LabelPacket.L(nack),
			telemetry.LabelError.L(err),
		)
	}
}

func (r *Relay) onFloodRequest(pkt wire.Packet) error {
	req := pkt.FloodRequest
	if len(req.Trace) == 0 {
		return ErrEmptyTrace
	}
	sender := req.Trace[len(req.Trace)-1].ID
	trace := append(slices.Clone(req.Trace), wire.Hop{ID: r.id, Kind: wire.KindRelay})

	key := floodKey{id: req.FloodID, initiator: req.Initiator}
	_, seen := r.seen[key]
	r.seen[key] = struct{}{}

	targets := slices.DeleteFunc(r.links.Neighbors(), func(id wire.NodeID) bool {
		return id == sender
	})

	if seen || len(targets) == 0 {
		hops := trace.IDs()
		slices.Reverse(hops)
		resp := wire.NewFloodResponse(
			pkt.SessionID,
			wire.RoutingHeader{HopIndex: 1, Hops: hops},
			wire.FloodResponse{FloodID: req.FloodID, Trace: trace},
		)
		r.logger.Debug(
			"answering flood",
			telemetry.LabelFloodID.L(req.FloodID),
			telemetry.LabelSource.L(req.Initiator),
			slog.Bool("seen", seen),
		)
		if err := r.links.Send(sender, resp); err != nil {
			return fmt.Errorf("%w: %w", ErrUnroutable, err)
		}
		return nil
	}

	fwd := wire.NewFloodRequest(pkt.SessionID, wire.FloodRequest{
		FloodID:   req.FloodID,
		Initiator: req.Initiator,
		Trace:     trace,
	})
	for _, n := range targets {
		if err := r.links.Send(n, fwd); err != nil {
			r.logger.Warn(
				"could not forward flood request",
				telemetry.LabelPeer.L(n),
				telemetry.LabelError.L(err),
			)
		}
	}
	r.msink.IncrCounterWithLabels(
		telemetry.MetricRelayForwardedCount, float32(len(targets)),
		append(slices.Clone(r.labels), telemetry.LabelPacketType.M(pkt.Type.String())),
	)
	return nil
}
