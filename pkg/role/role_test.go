package role

import (
	"errors"
	"log/slog"
	"maps"
	"os"
	"slices"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dronenet/pkg/engine"
	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/wire"
	"github.com/stretchr/testify/require"
)

type fakeLinks struct {
	neighbours map[wire.NodeID]bool
	sent       []wire.Packet
}

func (l *fakeLinks) Send(to wire.NodeID, pkt wire.Packet) error {
	if !l.neighbours[to] {
		return errors.New("no link")
	}
	l.sent = append(l.sent, pkt.Clone())
	return nil
}

func (l *fakeLinks) Neighbors() []wire.NodeID {
	return slices.Sorted(maps.Keys(l.neighbours))
}

func (l *fakeLinks) Remove(id wire.NodeID) {
	delete(l.neighbours, id)
}

func (l *fakeLinks) take() []wire.Packet {
	sent := l.sent
	l.sent = nil
	return sent
}

// The server under test is node 3, reached by clients 1 and 5 through
// relay 2.
const (
	serverID wire.NodeID = 3
	relayID  wire.NodeID = 2
	alice    wire.NodeID = 1
	bob      wire.NodeID = 5
)

func testHandler() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func newServerEngine(t *testing.T, cfg ServerConfig) (*engine.Engine, *Server, *fakeLinks) {
	t.Helper()
	cfg.LogHandler = testHandler()
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	links := &fakeLinks{neighbours: map[wire.NodeID]bool{relayID: true}}
	e, err := engine.New(engine.Config{
		ID:         serverID,
		Kind:       wire.KindServer,
		LogHandler: testHandler(),
		MetricSink: &metrics.BlackholeSink{},
	}, links, srv)
	require.NoError(t, err)
	return e, srv, links
}

// learnRoutes floods and answers with a path to every client.
func learnRoutes(t *testing.T, e *engine.Engine, links *fakeLinks, clients ...wire.NodeID) {
	t.Helper()
	e.StartFlood()
	for _, c := range clients {
		learnRoute(t, e, c)
	}
	links.take()
}

func learnRoute(t *testing.T, e *engine.Engine, client wire.NodeID) {
	t.Helper()
	require.NoError(t, e.OnPacket(wire.NewFloodResponse(
		100,
		wire.RoutingHeader{HopIndex: 2, Hops: []wire.NodeID{client, relayID, serverID}},
		wire.FloodResponse{
			FloodID: e.FloodID(),
			Trace: wire.PathTrace{
				{ID: serverID, Kind: wire.KindServer},
				{ID: relayID, Kind: wire.KindRelay},
				{ID: client, Kind: wire.KindClient},
			},
		},
	)))
}

var session wire.SessionID

// deliver hands the fragments of msg to e as if client sent them.
func deliver(t *testing.T, e *engine.Engine, client wire.NodeID, msg message.Message) {
	t.Helper()
	payload, err := message.Encode(msg)
	require.NoError(t, err)

	session++
	hdr := wire.RoutingHeader{HopIndex: 2, Hops: []wire.NodeID{client, relayID, serverID}}
	for _, frag := range engine.Split(payload, wire.FragmentSize) {
		require.NoError(t, e.OnPacket(wire.NewFragment(session, hdr.Clone(), frag)))
	}
}

type answer struct {
	to  wire.NodeID
	msg message.Message
}

// answers reassembles every message sent by the server.
func answers(t *testing.T, sent []wire.Packet) []answer {
	t.Helper()
	r := engine.NewReassembler()
	var out []answer
	for _, pkt := range sent {
		if pkt.Type != wire.TypeFragment {
			continue
		}
		dst, _ := pkt.Header.Destination()
		payload, done, err := r.Add(serverID, pkt.SessionID, *pkt.Fragment)
		require.NoError(t, err)
		if done {
			msg, err := message.Decode(payload)
			require.NoError(t, err)
			out = append(out, answer{to: dst, msg: msg})
		}
	}
	return out
}

func single(t *testing.T, links *fakeLinks) answer {
	t.Helper()
	out := answers(t, links.take())
	require.Len(t, out, 1)
	require.NotNil(t, out[0].msg.Response)
	return out[0]
}

func query(q message.Query) message.Message {
	return message.NewQuery(q)
}

func TestNewServer_InvalidType(t *testing.T) {
	_, err := NewServer(ServerConfig{Type: "video"})
	require.ErrorIs(t, err, ErrInvalidServerType)
}

func TestServer_AskType(t *testing.T) {
	for _, typ := range []message.ServerType{message.ServerText, message.ServerMedia, message.ServerCommunication} {
		t.Run(string(typ), func(t *testing.T) {
			e, _, links := newServerEngine(t, ServerConfig{Type: typ})
			learnRoutes(t, e, links, alice)

			deliver(t, e, alice, query(message.Query{Kind: message.AskType}))
			got := single(t, links)
			require.Equal(t, alice, got.to)
			require.Equal(t, message.ServerTypeKind, got.msg.Response.Kind)
			require.Equal(t, typ, got.msg.Response.ServerType)
		})
	}
}

func TestTextServer(t *testing.T) {
	e, _, links := newServerEngine(t, ServerConfig{
		Type: message.ServerText,
		Files: []Document{
			{Name: "readme.txt", Content: "hello"},
			{Name: "long.txt", Content: string(make([]byte, 600))},
		},
	})
	learnRoutes(t, e, links, alice)

	deliver(t, e, alice, query(message.Query{Kind: message.AskListFiles}))
	got := single(t, links)
	require.Equal(t, message.ListFiles, got.msg.Response.Kind)
	require.Equal(t, []string{"readme.txt", "long.txt"}, got.msg.Response.Names)

	deliver(t, e, alice, query(message.Query{Kind: message.AskFile, FileID: 1}))
	got = single(t, links)
	require.Equal(t, message.File, got.msg.Response.Kind)
	require.Len(t, got.msg.Response.Content, 600)

	deliver(t, e, alice, query(message.Query{Kind: message.AskFile, FileID: 2}))
	got = single(t, links)
	require.Equal(t, message.Err, got.msg.Response.Kind)
	require.Equal(t, ReasonFileNotFound, got.msg.Response.Reason)

	deliver(t, e, alice, query(message.Query{Kind: message.AskMedia, Reference: "cat.png"}))
	got = single(t, links)
	require.Equal(t, ReasonUnsupported, got.msg.Response.Reason)
}

func TestMediaServer(t *testing.T) {
	e, _, links := newServerEngine(t, ServerConfig{
		Type:  message.ServerMedia,
		Media: map[string]string{"cat.png": "meow"},
	})
	learnRoutes(t, e, links, alice)

	deliver(t, e, alice, query(message.Query{Kind: message.AskMedia, Reference: "cat.png"}))
	got := single(t, links)
	require.Equal(t, message.Media, got.msg.Response.Kind)
	require.Equal(t, "meow", got.msg.Response.Content)

	deliver(t, e, alice, query(message.Query{Kind: message.AskMedia, Reference: "dog.png"}))
	got = single(t, links)
	require.Equal(t, ReasonMediaNotFound, got.msg.Response.Reason)
}

func TestCommunicationServer(t *testing.T) {
	e, srv, links := newServerEngine(t, ServerConfig{Type: message.ServerCommunication})
	learnRoutes(t, e, links, alice, bob)

	t.Run("messages need a registered sender", func(t *testing.T) {
		deliver(t, e, alice, query(message.Query{Kind: message.SendMessageTo, Name: "bob", Message: &message.Text{Text: "hi"}}))
		got := single(t, links)
		require.Equal(t, alice, got.to)
		require.Equal(t, ReasonNotRegistered, got.msg.Response.Reason)
	})

	t.Run("register", func(t *testing.T) {
		deliver(t, e, alice, query(message.Query{Kind: message.AddClient, Name: "alice", Client: alice}))
		got := single(t, links)
		require.Equal(t, []string{"alice"}, got.msg.Response.Names)

		deliver(t, e, bob, query(message.Query{Kind: message.AddClient, Name: "bob"}))
		got = single(t, links)
		require.Equal(t, bob, got.to)
		require.Equal(t, []string{"alice", "bob"}, got.msg.Response.Names)

		deliver(t, e, bob, query(message.Query{Kind: message.AddClient, Name: "alice"}))
		got = single(t, links)
		require.Equal(t, ReasonNameTaken, got.msg.Response.Reason)
		require.Equal(t, []string{"alice", "bob"}, srv.Users())
	})

	t.Run("list clients", func(t *testing.T) {
		deliver(t, e, bob, query(message.Query{Kind: message.AskListClients}))
		got := single(t, links)
		require.Equal(t, message.ListUsers, got.msg.Response.Kind)
		require.Equal(t, []string{"alice", "bob"}, got.msg.Response.Names)
	})

	t.Run("message reaches the recipient", func(t *testing.T) {
		deliver(t, e, alice, query(message.Query{Kind: message.SendMessageTo, Name: "bob", Message: &message.Text{Text: "hi"}}))
		got := single(t, links)
		require.Equal(t, bob, got.to)
		require.Equal(t, message.MessageFrom, got.msg.Response.Kind)
		require.Equal(t, "alice", got.msg.Response.From)
		require.Equal(t, "hi", got.msg.Response.Message.Text)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		deliver(t, e, alice, query(message.Query{Kind: message.SendMessageTo, Name: "carol", Message: &message.Text{Text: "hi"}}))
		got := single(t, links)
		require.Equal(t, alice, got.to)
		require.Equal(t, ReasonUnknownClient, got.msg.Response.Reason)
	})
}

func TestServer_DefersWithoutRoute(t *testing.T) {
	e, srv, links := newServerEngine(t, ServerConfig{Type: message.ServerText})

	deliver(t, e, alice, query(message.Query{Kind: message.AskType}))
	deliver(t, e, alice, query(message.Query{Kind: message.AskListFiles}))
	require.Equal(t, 2, srv.Backlog())

	sent := links.take()
	require.Equal(t, 1, floods(sent), "one flood is enough for the whole backlog")
	require.Empty(t, answers(t, sent))

	learnRoute(t, e, alice)
	require.Zero(t, srv.Backlog())

	out := answers(t, links.take())
	require.Len(t, out, 2)
	require.Equal(t, message.ServerTypeKind, out[0].msg.Response.Kind)
	require.Equal(t, message.ListFiles, out[1].msg.Response.Kind)
}

func TestClient_Inbox(t *testing.T) {
	c := NewClient(testHandler())
	var seen []Received
	c.OnResponse = func(r Received) { seen = append(seen, r) }

	links := &fakeLinks{neighbours: map[wire.NodeID]bool{relayID: true}}
	e, err := engine.New(engine.Config{
		ID:         alice,
		Kind:       wire.KindClient,
		LogHandler: testHandler(),
		MetricSink: &metrics.BlackholeSink{},
	}, links, c)
	require.NoError(t, err)

	c.OnMessageReady(e, serverID, message.NewResponse(message.Response{Kind: message.ListUsers, Names: []string{"bob"}}))
	c.OnMessageReady(e, serverID, message.NewError("nope"))
	c.OnMessageReady(e, bob, query(message.Query{Kind: message.AskType}))

	inbox := c.Inbox()
	require.Len(t, inbox, 2)
	require.Equal(t, serverID, inbox[0].From)
	require.Equal(t, []string{"bob"}, inbox[0].Response.Names)
	require.Equal(t, "nope", inbox[1].Response.Reason)
	require.Equal(t, inbox, seen)
	require.Empty(t, links.take())
}

func floods(sent []wire.Packet) int {
	var n int
	for _, pkt := range sent {
		if pkt.Type == wire.TypeFloodRequest {
			n++
		}
	}
	return n
}

func TestServer_BacklogOutlivesFlood(t *testing.T) {
	const carol wire.NodeID = 7
	e, srv, links := newServerEngine(t, ServerConfig{Type: message.ServerText})

	deliver(t, e, alice, query(message.Query{Kind: message.AskType}))
	require.Equal(t, 1, floods(links.take()))
	first := e.FloodID()

	// The flood only reaches bob, alice stays unreachable.
	learnRoute(t, e, bob)
	require.Equal(t, 1, srv.Backlog())

	deliver(t, e, carol, query(message.Query{Kind: message.AskListFiles}))
	require.Equal(t, 2, srv.Backlog())
	require.Equal(t, 1, floods(links.take()), "an answered flood must not hold the backlog")
	require.Greater(t, e.FloodID(), first)

	// Still waiting on the new flood.
	deliver(t, e, carol, query(message.Query{Kind: message.AskType}))
	require.Zero(t, floods(links.take()))

	learnRoute(t, e, alice)
	learnRoute(t, e, carol)
	require.Zero(t, srv.Backlog())

	out := answers(t, links.take())
	require.Len(t, out, 3)
	require.Equal(t, alice, out[0].to)
	require.Equal(t, message.ServerTypeKind, out[0].msg.Response.Kind)
	require.Equal(t, carol, out[1].to)
	require.Equal(t, message.ListFiles, out[1].msg.Response.Kind)
	require.Equal(t, carol, out[2].to)
}
