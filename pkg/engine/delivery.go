package engine

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

type StatusKind uint8

const (
	StatusUnsent StatusKind = iota
	StatusSent
	StatusNotSent
	StatusAcked
)

// Status of one outbound fragment. Reason is only meaningful for
// StatusNotSent.
type Status struct {
	Kind   StatusKind
	Reason wire.NackReason
}

func (s Status) String() string {
	switch s.Kind {
	case StatusSent:
		return "sent"
	case StatusNotSent:
		return fmt.Sprintf("not_sent(%s)", s.Reason)
	case StatusAcked:
		return "acked"
	default:
		return "unsent"
	}
}

// OutputBuffer holds every fragment awaiting an acknowledgement along
// with the last known status of each fragment.
type OutputBuffer struct {
	packets  map[wire.SessionID]map[uint64]wire.Packet
	statuses map[wire.SessionID]map[uint64]Status

	// discarded sessions whose statuses are still kept, oldest first
	abandoned []wire.SessionID
}

// MaxAbandoned bounds how many discarded sessions keep their statuses.
const MaxAbandoned = 64

func NewOutputBuffer() *OutputBuffer {
	return &OutputBuffer{
		packets:  make(map[wire.SessionID]map[uint64]wire.Packet),
		statuses: make(map[wire.SessionID]map[uint64]Status),
	}
}

// Store records the last sent version of a fragment.
func (ob *OutputBuffer) Store(pkt wire.Packet) {
	frags, ok := ob.packets[pkt.SessionID]
	if !ok {
		frags = make(map[uint64]wire.Packet)
		ob.packets[pkt.SessionID] = frags
	}
	frags[pkt.Fragment.Index] = pkt
}

func (ob *OutputBuffer) Get(session wire.SessionID, index uint64) (wire.Packet, bool) {
	pkt, ok := ob.packets[session][index]
	return pkt, ok
}

// Ack removes an acknowledged fragment and reports whether it was
// pending. The session is pruned once its last fragment is gone.
func (ob *OutputBuffer) Ack(session wire.SessionID, index uint64) (found, sessionDone bool) {
	frags, ok := ob.packets[session]
	if !ok {
		ob.forget(session)
		return false, false
	}
	if _, found = frags[index]; !found {
		return false, false
	}

	delete(frags, index)
	if len(frags) > 0 {
		ob.SetStatus(session, index, Status{Kind: StatusAcked})
		return true, false
	}

	delete(ob.packets, session)
	delete(ob.statuses, session)
	return true, true
}

// Discard drops every pending fragment of a session. Statuses are kept
// so the reason of the abandon stays visible, until a late Ack or Nack
// of the session arrives or [MaxAbandoned] newer sessions are discarded.
func (ob *OutputBuffer) Discard(session wire.SessionID) int {
	n := len(ob.packets[session])
	delete(ob.packets, session)

	if !slices.Contains(ob.abandoned, session) {
		ob.abandoned = append(ob.abandoned, session)
	}
	if len(ob.abandoned) > MaxAbandoned {
		delete(ob.statuses, ob.abandoned[0])
		ob.abandoned = slices.Delete(ob.abandoned, 0, 1)
	}
	return n
}

// forget drops the statuses of a session with no pending fragment.
func (ob *OutputBuffer) forget(session wire.SessionID) {
	if _, pending := ob.packets[session]; pending {
		return
	}
	delete(ob.statuses, session)
	if i := slices.Index(ob.abandoned, session); i >= 0 {
		ob.abandoned = slices.Delete(ob.abandoned, i, i+1)
	}
}

// Tracked returns the number of sessions with known statuses.
func (ob *OutputBuffer) Tracked() int {
	return len(ob.statuses)
}

func (ob *OutputBuffer) SetStatus(session wire.SessionID, index uint64, st Status) {
	statuses, ok := ob.statuses[session]
	if !ok {
		statuses = make(map[uint64]Status)
		ob.statuses[session] = statuses
	}
	statuses[index] = st
}

func (ob *OutputBuffer) Status(session wire.SessionID, index uint64) Status {
	return ob.statuses[session][index]
}

// Pending returns the indices still awaiting an ack for a session.
func (ob *OutputBuffer) Pending(session wire.SessionID) []uint64 {
	return slices.Sorted(maps.Keys(ob.packets[session]))
}

// Sessions returns the sessions with at least one pending fragment.
func (ob *OutputBuffer) Sessions() []wire.SessionID {
	return slices.Sorted(maps.Keys(ob.packets))
}

// Len returns the number of pending fragments across sessions.
func (ob *OutputBuffer) Len() int {
	n := 0
	for _, frags := range ob.packets {
		n += len(frags)
	}
	return n
}

// Waiting returns, in session then index order, the pending fragments
// towards dst whose last status is NotSent for one of the reasons.
func (ob *OutputBuffer) Waiting(dst wire.NodeID, reasons ...wire.NackReason) []wire.Packet {
	var out []wire.Packet
	for _, session := range ob.Sessions() {
		for _, index := range ob.Pending(session) {
			pkt := ob.packets[session][index]
			if d, ok := pkt.Header.Destination(); !ok || d != dst {
				continue
			}
			st := ob.Status(session, index)
			if st.Kind == StatusNotSent && slices.Contains(reasons, st.Reason) {
				out = append(out, pkt)
			}
		}
	}
	return out
}

// send records pkt as pending and hands it to the hop under the cursor.
// A missing link leaves the fragment NotSent(RoutingError).
func (e *Engine) send(pkt wire.Packet) bool {
	e.output.Store(pkt)
	index := pkt.Fragment.Index

	next, ok := pkt.Header.Current()
	var err error
	if !ok {
		err = ErrNoRoute
	} else {
		err = e.links.Send(next, pkt)
	}
	if err != nil {
		e.output.SetStatus(pkt.SessionID, index, Status{Kind: StatusNotSent, Reason: wire.ReasonRoutingError})
		e.logger.Warn(
			"could not send fragment",
			telemetry.LabelPeer.L(next),
			telemetry.LabelPacket.L(pkt),
			telemetry.LabelError.L(err),
		)
		return false
	}

	e.output.SetStatus(pkt.SessionID, index, Status{Kind: StatusSent})
	e.msink.IncrCounterWithLabels(telemetry.MetricFragmentSentCount, 1, e.labels)
	return true
}

func (e *Engine) resend(pkt wire.Packet) bool {
	e.msink.IncrCounterWithLabels(telemetry.MetricFragmentResentCount, 1, e.labels)
	return e.send(pkt)
}

func (e *Engine) onAck(pkt wire.Packet) {
	e.msink.IncrCounterWithLabels(telemetry.MetricAckCount, 1, e.labels)

	found, done := e.output.Ack(pkt.SessionID, pkt.Ack.Index)
	if !found {
		e.logger.Debug(
			"ack for a fragment not pending",
			telemetry.LabelSessionID.L(pkt.SessionID),
			slog.Uint64("index", pkt.Ack.Index),
		)
		return
	}
	if done {
		e.logger.Debug("session fully acknowledged", telemetry.LabelSessionID.L(pkt.SessionID))
	}
}

func (e *Engine) onNack(pkt wire.Packet) error {
	nack := pkt.Nack
	e.msink.IncrCounterWithLabels(
		telemetry.MetricNackCount, 1,
		append(slices.Clone(e.labels), telemetry.LabelReason.M(nack.Reason.String())),
	)

	if nack.Reason == wire.ReasonRoutingError {
		e.links.Remove(nack.Node)
	}

	pending, ok := e.output.Get(pkt.SessionID, nack.Index)
	if !ok {
		e.output.forget(pkt.SessionID)
		e.logger.Debug(
			"nack for a fragment not pending",
			telemetry.LabelSessionID.L(pkt.SessionID),
			slog.Uint64("index", nack.Index),
			telemetry.LabelReason.L(nack.Reason.String()),
		)
		return nil
	}
	e.output.SetStatus(pkt.SessionID, nack.Index, Status{Kind: StatusNotSent, Reason: nack.Reason})

	switch nack.Reason {
	case wire.ReasonDropped:
		if !e.resend(pending) {
			e.StartFlood()
		}
	case wire.ReasonDestinationIsDrone:
		n := e.output.Discard(pkt.SessionID)
		e.msink.IncrCounterWithLabels(telemetry.MetricMessageAbandonedCount, 1, e.labels)
		e.logger.Warn(
			"destination is a relay, message abandoned",
			telemetry.LabelSessionID.L(pkt.SessionID),
			slog.Int("fragments", n),
		)
	case wire.ReasonRoutingError, wire.ReasonWrongRecipient:
		e.reroute(pending, nack)
	default:
		return fmt.Errorf("%w: nack reason %s", ErrUnexpectedPacket, nack.Reason)
	}
	return nil
}

// reroute reacts to a broken route. When the cached route is the one
// that failed, discovery starts over and the fragment waits for it.
func (e *Engine) reroute(pending wire.Packet, nack *wire.Nack) {
	dst, _ := pending.Header.Destination()
	route, ok := e.routes.Get(dst)

	switch {
	case !ok || len(route) == 0:
		e.logger.Debug(
			"no route cached, waiting for a flood",
			telemetry.LabelDest.L(dst),
			telemetry.LabelSessionID.L(pending.SessionID),
		)
	case slices.Equal(route, pending.Header.Route()):
		e.logger.Warn(
			"cached route is broken, flooding",
			telemetry.LabelDest.L(dst),
			telemetry.LabelRoute.L(route),
			telemetry.LabelReason.L(nack.Reason.String()),
			telemetry.LabelPeer.L(nack.Node),
		)
		e.StartFlood()
	default:
		e.logger.Warn(
			"switching to another cached route",
			telemetry.LabelDest.L(dst),
			telemetry.LabelRoute.L(route),
			telemetry.LabelReason.L(nack.Reason.String()),
		)
		pending.Header = wire.NewRoutingHeader(e.id, route)
		if !e.resend(pending) {
			e.StartFlood()
		}
	}
}
