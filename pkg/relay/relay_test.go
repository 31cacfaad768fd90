package relay

import (
	"errors"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dronenet/pkg/wire"
	"github.com/stretchr/testify/require"
)

var errNoLink = errors.New("no link")

type sentPacket struct {
	to  wire.NodeID
	pkt wire.Packet
}

type fakeLinks struct {
	neighbours map[wire.NodeID]bool
	sent       []sentPacket
}

func newFakeLinks(neighbours ...wire.NodeID) *fakeLinks {
	l := &fakeLinks{neighbours: make(map[wire.NodeID]bool)}
	for _, n := range neighbours {
		l.neighbours[n] = true
	}
	return l
}

func (l *fakeLinks) Send(to wire.NodeID, pkt wire.Packet) error {
	if !l.neighbours[to] {
		return errNoLink
	}
	l.sent = append(l.sent, sentPacket{to: to, pkt: pkt.Clone()})
	return nil
}

func (l *fakeLinks) Neighbors() []wire.NodeID {
	return slices.Sorted(maps.Keys(l.neighbours))
}

func (l *fakeLinks) take() []sentPacket {
	sent := l.sent
	l.sent = nil
	return sent
}

type countingSink struct {
	metrics.BlackholeSink
	counts map[string]float32
}

func (s *countingSink) IncrCounterWithLabels(key []string, val float32, labels []metrics.Label) {
	if s.counts == nil {
		s.counts = make(map[string]float32)
	}
	name := strings.Join(key, ".")
	for _, l := range labels {
		if l.Name == "reason" {
			name += "." + l.Value
		}
	}
	s.counts[name] += val
}

func newTestRelay(t *testing.T, id wire.NodeID, pdr float64, neighbours ...wire.NodeID) (*Relay, *fakeLinks, *countingSink) {
	t.Helper()
	links := newFakeLinks(neighbours...)
	sink := &countingSink{}
	r, err := New(Config{
		ID:   id,
		PDR:  pdr,
		Seed: 42,
		LogHandler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}),
		MetricSink: sink,
	}, links)
	require.NoError(t, err)
	return r, links, sink
}

func fragment(hdr wire.RoutingHeader, index uint64) wire.Packet {
	return wire.NewFragment(7, hdr, wire.Fragment{Index: index, Total: 3, Data: []byte("payload")})
}

// header returns the header of a packet as received by the hop at
// position at.
func header(at int, hops ...wire.NodeID) wire.RoutingHeader {
	return wire.RoutingHeader{HopIndex: at, Hops: hops}
}

func TestNew_InvalidPDR(t *testing.T) {
	for _, pdr := range []float64{-0.1, 1.01} {
		_, err := New(Config{ID: 1, PDR: pdr}, newFakeLinks())
		require.ErrorIs(t, err, ErrInvalidPDR)
	}

	r, _, _ := newTestRelay(t, 2, 0)
	require.ErrorIs(t, r.SetPDR(2), ErrInvalidPDR)
	require.NoError(t, r.SetPDR(0.5))
	require.Equal(t, 0.5, r.PDR())
}

func TestRelay_ForwardsFragment(t *testing.T) {
	r, links, sink := newTestRelay(t, 2, 0, 1, 3)

	require.NoError(t, r.OnPacket(fragment(header(1, 1, 2, 3), 0)))

	sent := links.take()
	require.Len(t, sent, 1)
	require.Equal(t, wire.NodeID(3), sent[0].to)
	require.Equal(t, wire.TypeFragment, sent[0].pkt.Type)
	require.Equal(t, 2, sent[0].pkt.Header.HopIndex)
	require.Equal(t, []wire.NodeID{1, 2, 3}, sent[0].pkt.Header.Hops)
	require.Equal(t, float32(1), sink.counts["dronenet.relay.forwarded.count"])
}

func TestRelay_ForwardsControlPackets(t *testing.T) {
	r, links, _ := newTestRelay(t, 2, 1, 1, 3)

	// a drop rate of one must not affect acks, nacks and flood responses
	packets := []wire.Packet{
		wire.NewAck(7, header(1, 3, 2, 1), 0),
		wire.NewNack(7, header(1, 3, 2, 1), wire.Nack{Index: 1, Reason: wire.ReasonDropped, Node: 4}),
		wire.NewFloodResponse(8, header(1, 3, 2, 1), wire.FloodResponse{
			FloodID: 1,
			Trace:   wire.PathTrace{{ID: 1, Kind: wire.KindClient}, {ID: 2, Kind: wire.KindRelay}, {ID: 3, Kind: wire.KindServer}},
		}),
	}
	for _, pkt := range packets {
		require.NoError(t, r.OnPacket(pkt))
		sent := links.take()
		require.Len(t, sent, 1, pkt.Type.String())
		require.Equal(t, wire.NodeID(1), sent[0].to)
		require.Equal(t, pkt.Type, sent[0].pkt.Type)
	}
}

func TestRelay_Nacks(t *testing.T) {
	tests := map[string]struct {
		pkt        wire.Packet
		neighbours []wire.NodeID
		pdr        float64
		reason     wire.NackReason
		node       wire.NodeID
		to         wire.NodeID
		hops       []wire.NodeID
	}{
		"wrong recipient": {
			pkt:        fragment(header(2, 1, 4, 5, 3), 1),
			neighbours: []wire.NodeID{4},
			reason:     wire.ReasonWrongRecipient,
			node:       2,
			to:         4,
			hops:       []wire.NodeID{2, 4, 1},
		},
		"destination is drone": {
			pkt:        fragment(header(2, 1, 4, 2), 0),
			neighbours: []wire.NodeID{4},
			reason:     wire.ReasonDestinationIsDrone,
			node:       2,
			to:         4,
			hops:       []wire.NodeID{2, 4, 1},
		},
		"routing error": {
			pkt:        fragment(header(1, 1, 2, 9, 3), 2),
			neighbours: []wire.NodeID{1},
			reason:     wire.ReasonRoutingError,
			node:       9,
			to:         1,
			hops:       []wire.NodeID{2, 1},
		},
		"dropped": {
			pkt:        fragment(header(1, 1, 2, 3), 0),
			neighbours: []wire.NodeID{1, 3},
			pdr:        1,
			reason:     wire.ReasonDropped,
			node:       2,
			to:         1,
			hops:       []wire.NodeID{2, 1},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			r, links, sink := newTestRelay(t, 2, tt.pdr, tt.neighbours...)
			require.NoError(t, r.OnPacket(tt.pkt))

			sent := links.take()
			require.Len(t, sent, 1)
			require.Equal(t, tt.to, sent[0].to)

			nack := sent[0].pkt
			require.Equal(t, wire.TypeNack, nack.Type)
			require.Equal(t, tt.pkt.SessionID, nack.SessionID)
			require.Equal(t, tt.pkt.Fragment.Index, nack.Nack.Index)
			require.Equal(t, tt.reason, nack.Nack.Reason)
			require.Equal(t, tt.node, nack.Nack.Node)
			require.Equal(t, tt.hops, nack.Header.Hops)
			require.Equal(t, 1, nack.Header.HopIndex)
			require.Equal(t, float32(1), sink.counts["dronenet.relay.nack.count."+tt.reason.String()])
		})
	}
}

func TestRelay_UnroutableControlPacket(t *testing.T) {
	r, links, _ := newTestRelay(t, 2, 0, 1)

	err := r.OnPacket(wire.NewAck(7, header(1, 3, 2, 9), 0))
	require.ErrorIs(t, err, ErrUnroutable)

	err = r.OnPacket(wire.NewAck(7, header(1, 3, 5, 1), 0))
	require.ErrorIs(t, err, ErrNotRelayHop)

	err = r.OnPacket(wire.NewAck(7, header(1, 3, 2), 0))
	require.ErrorIs(t, err, ErrUnroutable)

	require.Empty(t, links.take())
}

func TestRelay_DropRateIsDeterministic(t *testing.T) {
	run := func() []wire.PacketType {
		r, links, _ := newTestRelay(t, 2, 0.5, 1, 3)
		var out []wire.PacketType
		for i := range 64 {
			require.NoError(t, r.OnPacket(fragment(header(1, 1, 2, 3), uint64(i%3))))
			for _, s := range links.take() {
				out = append(out, s.pkt.Type)
			}
		}
		return out
	}

	first := run()
	require.Equal(t, first, run())
	require.Contains(t, first, wire.TypeNack)
	require.Contains(t, first, wire.TypeFragment)
}

func floodRequest(flood wire.FloodID, trace ...wire.Hop) wire.Packet {
	return wire.NewFloodRequest(11, wire.FloodRequest{
		FloodID:   flood,
		Initiator: trace[0].ID,
		Trace:     trace,
	})
}

var (
	client = wire.Hop{ID: 1, Kind: wire.KindClient}
	other  = wire.Hop{ID: 4, Kind: wire.KindRelay}
)

func TestRelay_Flood(t *testing.T) {
	t.Run("forwards to every neighbour but the sender", func(t *testing.T) {
		r, links, _ := newTestRelay(t, 2, 0, 1, 3, 4)
		require.NoError(t, r.OnPacket(floodRequest(1, client)))

		sent := links.take()
		require.Len(t, sent, 2)
		for i, to := range []wire.NodeID{3, 4} {
			require.Equal(t, to, sent[i].to)
			req := sent[i].pkt.FloodRequest
			require.Equal(t, wire.FloodID(1), req.FloodID)
			require.Equal(t, wire.NodeID(1), req.Initiator)
			require.Equal(t, []wire.NodeID{1, 2}, req.Trace.IDs())
			require.Equal(t, wire.KindRelay, req.Trace[1].Kind)
			require.Equal(t, wire.SessionID(11), sent[i].pkt.SessionID)
		}
	})

	t.Run("answers a request already seen", func(t *testing.T) {
		r, links, _ := newTestRelay(t, 2, 0, 1, 3, 4)
		require.NoError(t, r.OnPacket(floodRequest(1, client)))
		links.take()

		require.NoError(t, r.OnPacket(floodRequest(1, client, other)))
		sent := links.take()
		require.Len(t, sent, 1)
		require.Equal(t, wire.NodeID(4), sent[0].to)

		resp := sent[0].pkt
		require.Equal(t, wire.TypeFloodResponse, resp.Type)
		require.Equal(t, wire.SessionID(11), resp.SessionID)
		require.Equal(t, []wire.NodeID{2, 4, 1}, resp.Header.Hops)
		require.Equal(t, 1, resp.Header.HopIndex)
		require.Equal(t, []wire.NodeID{1, 4, 2}, resp.FloodResponse.Trace.IDs())
	})

	t.Run("a new flood id is forwarded again", func(t *testing.T) {
		r, links, _ := newTestRelay(t, 2, 0, 1, 3)
		require.NoError(t, r.OnPacket(floodRequest(1, client)))
		require.NoError(t, r.OnPacket(floodRequest(2, client)))

		sent := links.take()
		require.Len(t, sent, 2)
		for _, s := range sent {
			require.Equal(t, wire.TypeFloodRequest, s.pkt.Type)
		}
	})

	t.Run("same flood id of another initiator is forwarded", func(t *testing.T) {
		r, links, _ := newTestRelay(t, 2, 0, 1, 3)
		require.NoError(t, r.OnPacket(floodRequest(1, client)))
		require.NoError(t, r.OnPacket(floodRequest(1, wire.Hop{ID: 3, Kind: wire.KindServer})))

		sent := links.take()
		require.Len(t, sent, 2)
		require.Equal(t, wire.NodeID(3), sent[0].to)
		require.Equal(t, wire.NodeID(1), sent[1].to)
	})

	t.Run("dead end answers", func(t *testing.T) {
		r, links, _ := newTestRelay(t, 2, 0, 1)
		require.NoError(t, r.OnPacket(floodRequest(1, client)))

		sent := links.take()
		require.Len(t, sent, 1)
		require.Equal(t, wire.NodeID(1), sent[0].to)
		require.Equal(t, wire.TypeFloodResponse, sent[0].pkt.Type)
		require.Equal(t, []wire.NodeID{2, 1}, sent[0].pkt.Header.Hops)
	})

	t.Run("empty trace", func(t *testing.T) {
		r, _, _ := newTestRelay(t, 2, 0, 1)
		err := r.OnPacket(wire.NewFloodRequest(1, wire.FloodRequest{FloodID: 1, Initiator: 1}))
		require.ErrorIs(t, err, ErrEmptyTrace)
	})
}
