package wire

import (
	"fmt"
	"log/slog"
	"slices"
)

// FragmentSize is the maximum number of payload bytes carried by a
// single MsgFragment.
const FragmentSize = 128

// NodeID identifies any node of a running network.
type NodeID uint8

// SessionID groups all the fragments of one message.
type SessionID uint64

// FloodID identifies one discovery round of an initiator.
type FloodID uint64

// NodeKind is the role of a node in the network.
type NodeKind uint8

const (
	KindUnknown NodeKind = iota
	KindRelay
	KindClient
	KindServer
)

func (k NodeKind) String() string {
	switch k {
	case KindRelay:
		return "relay"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// IsEndpoint reports whether nodes of this kind terminate floods
// instead of forwarding them.
func (k NodeKind) IsEndpoint() bool {
	return k == KindClient || k == KindServer
}

// PacketType is the discriminant of the [Packet] union.
type PacketType uint8

const (
	TypeUnknown PacketType = iota
	TypeFragment
	TypeAck
	TypeNack
	TypeFloodRequest
	TypeFloodResponse
)

func (t PacketType) String() string {
	switch t {
	case TypeFragment:
		return "fragment"
	case TypeAck:
		return "ack"
	case TypeNack:
		return "nack"
	case TypeFloodRequest:
		return "flood_request"
	case TypeFloodResponse:
		return "flood_response"
	default:
		return "unknown"
	}
}

// NackReason classifies why a fragment did not progress.
type NackReason uint8

const (
	ReasonUnknown NackReason = iota
	ReasonRoutingError
	ReasonDestinationIsDrone
	ReasonDropped
	ReasonWrongRecipient
)

func (r NackReason) String() string {
	switch r {
	case ReasonRoutingError:
		return "routing_error"
	case ReasonDestinationIsDrone:
		return "destination_is_drone"
	case ReasonDropped:
		return "dropped"
	case ReasonWrongRecipient:
		return "wrong_recipient"
	default:
		return "unknown"
	}
}

// RoutingHeader is a source route. Hops[0] is the sender and the last
// hop is the destination. HopIndex points at the hop expected to
// process the packet next.
type RoutingHeader struct {
	HopIndex int
	Hops     []NodeID
}

// NewRoutingHeader builds a header leaving src towards the last element
// of route. The cursor points at the first hop after src.
func NewRoutingHeader(src NodeID, route []NodeID) RoutingHeader {
	hops := make([]NodeID, 0, len(route)+1)
	hops = append(hops, src)
	hops = append(hops, route...)
	return RoutingHeader{HopIndex: 1, Hops: hops}
}

// IsEmpty reports whether the header carries no hop at all, which is
// the case of flood requests.
func (h RoutingHeader) IsEmpty() bool {
	return len(h.Hops) == 0
}

// Source returns the first hop.
func (h RoutingHeader) Source() (NodeID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[0], true
}

// Destination returns the last hop.
func (h RoutingHeader) Destination() (NodeID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[len(h.Hops)-1], true
}

// Current returns the hop the cursor points at.
func (h RoutingHeader) Current() (NodeID, bool) {
	if h.HopIndex < 0 || h.HopIndex >= len(h.Hops) {
		return 0, false
	}
	return h.Hops[h.HopIndex], true
}

// Route returns the hops after the source, which is the shape stored
// in route tables.
func (h RoutingHeader) Route() []NodeID {
	if len(h.Hops) == 0 {
		return nil
	}
	return slices.Clone(h.Hops[1:])
}

// Advance returns a copy of the header with the cursor moved by one.
func (h RoutingHeader) Advance() RoutingHeader {
	return RoutingHeader{HopIndex: h.HopIndex + 1, Hops: slices.Clone(h.Hops)}
}

// Reverse returns a header going from the current hop back to the
// source, following the hops already traversed.
func (h RoutingHeader) Reverse() RoutingHeader {
	end := h.HopIndex
	if end >= len(h.Hops) {
		end = len(h.Hops) - 1
	}
	if end < 0 {
		return RoutingHeader{}
	}
	hops := slices.Clone(h.Hops[:end+1])
	slices.Reverse(hops)
	return RoutingHeader{HopIndex: 1, Hops: hops}
}

// ReplyFrom returns a header going from self back to the source through
// the hops preceding the cursor. It matches Reverse when self is the
// current hop, and still works for a node that was not expected.
func (h RoutingHeader) ReplyFrom(self NodeID) RoutingHeader {
	end := min(max(h.HopIndex, 0), len(h.Hops))
	hops := make([]NodeID, 0, end+1)
	hops = append(hops, self)
	for i := end - 1; i >= 0; i-- {
		hops = append(hops, h.Hops[i])
	}
	return RoutingHeader{HopIndex: 1, Hops: hops}
}

// Clone returns a deep copy.
func (h RoutingHeader) Clone() RoutingHeader {
	return RoutingHeader{HopIndex: h.HopIndex, Hops: slices.Clone(h.Hops)}
}

func (h RoutingHeader) String() string {
	return fmt.Sprintf("%v@%d", h.Hops, h.HopIndex)
}

// Hop is one entry of a flood path trace.
type Hop struct {
	ID   NodeID
	Kind NodeKind
}

// PathTrace records every node a flood packet visited, in order.
type PathTrace []Hop

// Origin returns the last visited node.
func (pt PathTrace) Origin() (Hop, bool) {
	if len(pt) == 0 {
		return Hop{}, false
	}
	return pt[len(pt)-1], true
}

// IDs returns the node ids of the trace.
func (pt PathTrace) IDs() []NodeID {
	ids := make([]NodeID, len(pt))
	for i, hop := range pt {
		ids[i] = hop.ID
	}
	return ids
}

// Fragment is one slice of a serialized message.
type Fragment struct {
	Index uint64
	Total uint64
	Data  []byte
}

type Ack struct {
	Index uint64
}

// Nack reports a fragment that could not progress. Node is the node
// involved for RoutingError and WrongRecipient.
type Nack struct {
	Index  uint64
	Reason NackReason
	Node   NodeID
}

type FloodRequest struct {
	FloodID   FloodID
	Initiator NodeID
	Trace     PathTrace
}

type FloodResponse struct {
	FloodID FloodID
	Trace   PathTrace
}

// Packet is the only cross-node contract. Exactly one of the variant
// pointers is set, matching Type.
type Packet struct {
	Type      PacketType
	SessionID SessionID
	Header    RoutingHeader

	Fragment      *Fragment
	Ack           *Ack
	Nack          *Nack
	FloodRequest  *FloodRequest
	FloodResponse *FloodResponse
}

func NewFragment(session SessionID, header RoutingHeader, frag Fragment) Packet {
	return Packet{Type: TypeFragment, SessionID: session, Header: header, Fragment: &frag}
}

func NewAck(session SessionID, header RoutingHeader, index uint64) Packet {
	return Packet{Type: TypeAck, SessionID: session, Header: header, Ack: &Ack{Index: index}}
}

func NewNack(session SessionID, header RoutingHeader, nack Nack) Packet {
	return Packet{Type: TypeNack, SessionID: session, Header: header, Nack: &nack}
}

func NewFloodRequest(session SessionID, req FloodRequest) Packet {
	return Packet{Type: TypeFloodRequest, SessionID: session, FloodRequest: &req}
}

func NewFloodResponse(session SessionID, header RoutingHeader, resp FloodResponse) Packet {
	return Packet{Type: TypeFloodResponse, SessionID: session, Header: header, FloodResponse: &resp}
}

// Clone returns a deep copy so that a packet handed to another node
// shares no memory with the sender.
func (p Packet) Clone() Packet {
	out := Packet{Type: p.Type, SessionID: p.SessionID, Header: p.Header.Clone()}
	switch {
	case p.Fragment != nil:
		frag := *p.Fragment
		frag.Data = slices.Clone(p.Fragment.Data)
		out.Fragment = &frag
	case p.Ack != nil:
		ack := *p.Ack
		out.Ack = &ack
	case p.Nack != nil:
		nack := *p.Nack
		out.Nack = &nack
	case p.FloodRequest != nil:
		req := *p.FloodRequest
		req.Trace = slices.Clone(p.FloodRequest.Trace)
		out.FloodRequest = &req
	case p.FloodResponse != nil:
		resp := *p.FloodResponse
		resp.Trace = slices.Clone(p.FloodResponse.Trace)
		out.FloodResponse = &resp
	}
	return out
}

// Validate checks that the variant matches the type.
func (p Packet) Validate() error {
	var ok bool
	switch p.Type {
	case TypeFragment:
		ok = p.Fragment != nil
	case TypeAck:
		ok = p.Ack != nil
	case TypeNack:
		ok = p.Nack != nil
	case TypeFloodRequest:
		ok = p.FloodRequest != nil
	case TypeFloodResponse:
		ok = p.FloodResponse != nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPacket, p.Type)
	}
	return nil
}

func (p Packet) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("type", p.Type.String()),
		slog.Uint64("session_id", uint64(p.SessionID)),
		slog.String("header", p.Header.String()),
	}
	switch {
	case p.Fragment != nil:
		attrs = append(attrs,
			slog.Uint64("index", p.Fragment.Index),
			slog.Uint64("total", p.Fragment.Total),
		)
	case p.Ack != nil:
		attrs = append(attrs, slog.Uint64("index", p.Ack.Index))
	case p.Nack != nil:
		attrs = append(attrs,
			slog.Uint64("index", p.Nack.Index),
			slog.String("reason", p.Nack.Reason.String()),
		)
	case p.FloodRequest != nil:
		attrs = append(attrs, slog.Uint64("flood_id", uint64(p.FloodRequest.FloodID)))
	case p.FloodResponse != nil:
		attrs = append(attrs, slog.Uint64("flood_id", uint64(p.FloodResponse.FloodID)))
	}
	return slog.GroupValue(attrs...)
}
