package engine

import (
	"fmt"
	"slices"

	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

// MaxFragments bounds the total count a fragment may announce, which is
// the size of the buffer allocated for its message.
const MaxFragments = 1 << 16

// Split cuts b into fragments of at most size bytes. An empty payload
// still yields a single, empty fragment.
func Split(b []byte, size int) []wire.Fragment {
	if size <= 0 {
		size = wire.FragmentSize
	}

	total := max(1, (len(b)+size-1)/size)
	frags := make([]wire.Fragment, total)
	for i := range frags {
		start := i * size
		end := min(start+size, len(b))
		frags[i] = wire.Fragment{
			Index: uint64(i),
			Total: uint64(total),
			Data:  slices.Clone(b[start:end]),
		}
	}
	return frags
}

type reassemblyKey struct {
	src     wire.NodeID
	session wire.SessionID
}

type partial struct {
	total    uint64
	received uint64
	chunks   [][]byte
	have     []bool
}

// Reassembler buffers incoming fragments per (source, session) until
// every index of a message has been seen.
type Reassembler struct {
	pending map[reassemblyKey]*partial
}

func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[reassemblyKey]*partial)}
}

// Add stores a fragment. Once the message is complete, the payload is
// returned with done set and the buffer entry is released. Duplicates
// are accepted and ignored.
func (r *Reassembler) Add(src wire.NodeID, session wire.SessionID, frag wire.Fragment) (payload []byte, done bool, err error) {
	if frag.Total == 0 || frag.Total > MaxFragments || frag.Index >= frag.Total {
		return nil, false, fmt.Errorf("%w: index %d of %d", ErrInvalidFragment, frag.Index, frag.Total)
	}

	key := reassemblyKey{src: src, session: session}
	p, ok := r.pending[key]
	if !ok {
		p = &partial{
			total:  frag.Total,
			chunks: make([][]byte, frag.Total),
			have:   make([]bool, frag.Total),
		}
		r.pending[key] = p
	} else if p.total != frag.Total {
		return nil, false, fmt.Errorf("%w: total changed from %d to %d", ErrInvalidFragment, p.total, frag.Total)
	}

	if !p.have[frag.Index] {
		p.chunks[frag.Index] = slices.Clone(frag.Data)
		p.have[frag.Index] = true
		p.received++
	}

	if p.received < p.total {
		return nil, false, nil
	}

	delete(r.pending, key)

	size := 0
	for _, chunk := range p.chunks {
		size += len(chunk)
	}
	payload = make([]byte, 0, size)
	for _, chunk := range p.chunks {
		payload = append(payload, chunk...)
	}
	return payload, true, nil
}

// Pending returns the number of messages being reassembled.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

func (e *Engine) onFragment(pkt wire.Packet) error {
	frag := pkt.Fragment
	cur, okCur := pkt.Header.Current()
	dst, okDst := pkt.Header.Destination()
	if !okCur || !okDst || cur != e.id || dst != e.id {
		e.reply(wire.NewNack(pkt.SessionID, pkt.Header.ReplyFrom(e.id), wire.Nack{
			Index:  frag.Index,
			Reason: wire.ReasonWrongRecipient,
			Node:   e.id,
		}))
		return fmt.Errorf("%w: fragment routed %s", ErrUnexpectedPacket, pkt.Header)
	}

	src, _ := pkt.Header.Source()
	e.msink.IncrCounterWithLabels(telemetry.MetricFragmentReceivedCount, 1, e.labels)

	payload, done, err := e.reassembly.Add(src, pkt.SessionID, *frag)
	if err != nil {
		return err
	}

	e.reply(wire.NewAck(pkt.SessionID, pkt.Header.Reverse(), frag.Index))
	if !done {
		return nil
	}

	msg, err := message.Decode(payload)
	if err != nil {
		e.msink.IncrCounterWithLabels(telemetry.MetricMessageErrorCount, 1, e.labels)
		return fmt.Errorf("%w: from %d session %d: %w", ErrMalformedMessage, src, pkt.SessionID, err)
	}

	if msg.Response != nil && msg.Response.Kind == message.ServerTypeKind {
		e.topology.SetServerType(src, msg.Response.ServerType)
	}

	e.msink.IncrCounterWithLabels(telemetry.MetricMessageDeliveredCount, 1, e.labels)
	e.logger.Info(
		"message received",
		telemetry.LabelSource.L(src),
		telemetry.LabelSessionID.L(pkt.SessionID),
		telemetry.LabelMessage.L(msg),
	)
	e.app.OnMessageReady(e, src, msg)
	return nil
}
