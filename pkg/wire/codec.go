package wire

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrTruncated     = errors.New("wire: truncated or malformed packet")
	ErrUnknownPacket = errors.New("wire: unknown packet type")
)

// Field numbers of the binary encoding. The layout follows the protobuf
// wire format so that packets stay forward compatible: unknown fields
// are skipped on decode.
const (
	fieldType    protowire.Number = 1
	fieldSession protowire.Number = 2
	fieldHeader  protowire.Number = 3
	fieldBody    protowire.Number = 4

	fieldHopIndex protowire.Number = 1
	fieldHops     protowire.Number = 2

	fieldIndex protowire.Number = 1
	fieldTotal protowire.Number = 2
	fieldData  protowire.Number = 3

	fieldReason protowire.Number = 2
	fieldNode   protowire.Number = 3

	fieldFloodID   protowire.Number = 1
	fieldInitiator protowire.Number = 2
	fieldTrace     protowire.Number = 3

	fieldHopID   protowire.Number = 1
	fieldHopKind protowire.Number = 2
)

// Marshal encodes a packet.
func Marshal(p Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var b []byte
	b = appendVarintField(b, fieldType, uint64(p.Type))
	b = appendVarintField(b, fieldSession, uint64(p.SessionID))

	var hdr []byte
	hdr = appendVarintField(hdr, fieldHopIndex, uint64(p.Header.HopIndex))
	hops := make([]byte, len(p.Header.Hops))
	for i, hop := range p.Header.Hops {
		hops[i] = byte(hop)
	}
	hdr = appendBytesField(hdr, fieldHops, hops)
	b = appendBytesField(b, fieldHeader, hdr)

	var body []byte
	switch p.Type {
	case TypeFragment:
		body = appendVarintField(body, fieldIndex, p.Fragment.Index)
		body = appendVarintField(body, fieldTotal, p.Fragment.Total)
		body = appendBytesField(body, fieldData, p.Fragment.Data)
	case TypeAck:
		body = appendVarintField(body, fieldIndex, p.Ack.Index)
	case TypeNack:
		body = appendVarintField(body, fieldIndex, p.Nack.Index)
		body = appendVarintField(body, fieldReason, uint64(p.Nack.Reason))
		body = appendVarintField(body, fieldNode, uint64(p.Nack.Node))
	case TypeFloodRequest:
		body = appendVarintField(body, fieldFloodID, uint64(p.FloodRequest.FloodID))
		body = appendVarintField(body, fieldInitiator, uint64(p.FloodRequest.Initiator))
		body = appendTrace(body, p.FloodRequest.Trace)
	case TypeFloodResponse:
		body = appendVarintField(body, fieldFloodID, uint64(p.FloodResponse.FloodID))
		body = appendTrace(body, p.FloodResponse.Trace)
	}
	b = appendBytesField(b, fieldBody, body)
	return b, nil
}

// Unmarshal decodes a packet encoded by [Marshal].
func Unmarshal(b []byte) (Packet, error) {
	var (
		p    Packet
		body []byte
	)
	err := consumeFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldType:
			p.Type = PacketType(v)
		case fieldSession:
			p.SessionID = SessionID(v)
		case fieldHeader:
			return consumeFields(raw, func(num protowire.Number, v uint64, raw []byte) error {
				switch num {
				case fieldHopIndex:
					p.Header.HopIndex = int(v)
				case fieldHops:
					for _, hop := range raw {
						p.Header.Hops = append(p.Header.Hops, NodeID(hop))
					}
				}
				return nil
			})
		case fieldBody:
			body = raw
		}
		return nil
	})
	if err != nil {
		return Packet{}, err
	}

	switch p.Type {
	case TypeFragment:
		frag := &Fragment{}
		err = consumeFields(body, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case fieldIndex:
				frag.Index = v
			case fieldTotal:
				frag.Total = v
			case fieldData:
				if len(raw) > 0 {
					frag.Data = slices.Clone(raw)
				}
			}
			return nil
		})
		p.Fragment = frag
	case TypeAck:
		ack := &Ack{}
		err = consumeFields(body, func(num protowire.Number, v uint64, _ []byte) error {
			if num == fieldIndex {
				ack.Index = v
			}
			return nil
		})
		p.Ack = ack
	case TypeNack:
		nack := &Nack{}
		err = consumeFields(body, func(num protowire.Number, v uint64, _ []byte) error {
			switch num {
			case fieldIndex:
				nack.Index = v
			case fieldReason:
				nack.Reason = NackReason(v)
			case fieldNode:
				nack.Node = NodeID(v)
			}
			return nil
		})
		p.Nack = nack
	case TypeFloodRequest:
		req := &FloodRequest{}
		err = consumeFields(body, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case fieldFloodID:
				req.FloodID = FloodID(v)
			case fieldInitiator:
				req.Initiator = NodeID(v)
			case fieldTrace:
				hop, err := consumeHop(raw)
				if err != nil {
					return err
				}
				req.Trace = append(req.Trace, hop)
			}
			return nil
		})
		p.FloodRequest = req
	case TypeFloodResponse:
		resp := &FloodResponse{}
		err = consumeFields(body, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case fieldFloodID:
				resp.FloodID = FloodID(v)
			case fieldTrace:
				hop, err := consumeHop(raw)
				if err != nil {
					return err
				}
				resp.Trace = append(resp.Trace, hop)
			}
			return nil
		})
		p.FloodResponse = resp
	default:
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownPacket, p.Type)
	}
	if err != nil {
		return Packet{}, err
	}
	return p, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendTrace(b []byte, trace PathTrace) []byte {
	for _, hop := range trace {
		var entry []byte
		entry = appendVarintField(entry, fieldHopID, uint64(hop.ID))
		entry = appendVarintField(entry, fieldHopKind, uint64(hop.Kind))
		b = appendBytesField(b, fieldTrace, entry)
	}
	return b
}

func consumeHop(b []byte) (hop Hop, err error) {
	err = consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case fieldHopID:
			hop.ID = NodeID(v)
		case fieldHopKind:
			hop.Kind = NodeKind(v)
		}
		return nil
	})
	return
}

// consumeFields walks every field of b. Varint fields are handed as v,
// length-delimited ones as raw. Other wire types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrTruncated, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrTruncated, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrTruncated, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
