package engine

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

// onFloodRequest answers immediately: clients and servers never forward
// a flood.
func (e *Engine) onFloodRequest(pkt wire.Packet) {
	req := pkt.FloodRequest
	if req.Initiator == e.id {
		e.logger.Debug("own flood request came back", telemetry.LabelFloodID.L(req.FloodID))
		return
	}

	trace := append(slices.Clone(req.Trace), wire.Hop{ID: e.id, Kind: e.kind})
	hops := trace.IDs()
	slices.Reverse(hops)

	e.reply(wire.NewFloodResponse(
		pkt.SessionID,
		wire.RoutingHeader{HopIndex: 1, Hops: hops},
		wire.FloodResponse{FloodID: req.FloodID, Trace: trace},
	))
}

func (e *Engine) onFloodResponse(pkt wire.Packet) error {
	resp := pkt.FloodResponse
	if dst, ok := pkt.Header.Destination(); ok && dst != e.id {
		return fmt.Errorf("%w: flood response for %d", ErrUnexpectedPacket, dst)
	}
	if len(resp.Trace) == 0 || resp.Trace[0].ID != e.id {
		return fmt.Errorf("%w: flood response of another initiator", ErrUnexpectedPacket)
	}
	if resp.FloodID != e.floodID {
		e.logger.Debug(
			"ignoring response of a superseded flood",
			telemetry.LabelFloodID.L(resp.FloodID),
			slog.Uint64("current_flood_id", uint64(e.floodID)),
		)
		return nil
	}

	e.msink.IncrCounterWithLabels(telemetry.MetricFloodResponseCount, 1, e.labels)
	e.topology.RecordTrace(resp.Trace)

	origin, _ := resp.Trace.Origin()
	if origin.ID == e.id || !origin.Kind.IsEndpoint() {
		return nil
	}

	route := resp.Trace.IDs()[1:]
	existed := e.routes.Set(origin.ID, route)
	e.logger.Debug(
		"route learned",
		telemetry.LabelDest.L(origin.ID),
		telemetry.LabelRoute.L(route),
	)

	e.flushWaiting(origin.ID)

	if !existed && e.kind == wire.KindClient && origin.Kind == wire.KindServer {
		if _, err := e.Submit(message.NewQuery(message.Query{Kind: message.AskType}), origin.ID); err != nil {
			e.logger.Warn(
				"could not ask server type",
				telemetry.LabelDest.L(origin.ID),
				telemetry.LabelError.L(err),
			)
		}
	}

	if obs, ok := e.app.(RouteObserver); ok {
		obs.OnRouteLearned(e, origin.ID)
	}
	return nil
}

// flushWaiting resends the fragments towards dst that were held back
// because their route broke.
func (e *Engine) flushWaiting(dst wire.NodeID) {
	route, ok := e.routes.Get(dst)
	if !ok || len(route) == 0 {
		return
	}

	for _, pkt := range e.output.Waiting(dst, wire.ReasonRoutingError, wire.ReasonWrongRecipient) {
		pkt.Header = wire.NewRoutingHeader(e.id, route)
		e.resend(pkt)
	}
}
