package dronenet

import (
	"context"
	"testing"
	"time"

	"github.com/raskyld/dronenet/pkg/link"
	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/role"
	"github.com/raskyld/dronenet/pkg/wire"
	"github.com/stretchr/testify/require"
)

func startNetwork(t *testing.T, doc string, opts ...Option) *Network {
	t.Helper()
	cfg, err := ParseConfig(doc)
	require.NoError(t, err)

	nw, err := NewNetwork(cfg, append(testOptions("network"), opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, nw.Shutdown())
	})
	return nw
}

func waitResponse(t *testing.T, c *role.Client, kind message.ResponseKind) role.Received {
	t.Helper()
	var got role.Received
	require.Eventually(t, func() bool {
		for _, rcv := range c.Inbox() {
			if rcv.Response.Kind == kind {
				got = rcv
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond, "no %s response", kind)
	return got
}

const chainTopology = `
[[drone]]
id = 2
connected_node_ids = [1, 3]

[[client]]
id = 1
connected_drone_ids = [2]

[[server]]
id = 3
connected_drone_ids = [2]
type = "media"

[server.media]
"cat.png" = "meow"
`

func TestNetwork_Chain(t *testing.T) {
	nw := startNetwork(t, chainTopology)
	require.Equal(t, []wire.NodeID{1, 2, 3}, nw.Nodes())
	require.Equal(t, []Edge{{From: 1, To: 2}, {From: 2, To: 3}}, nw.Edges())

	client, err := nw.Node(1)
	require.NoError(t, err)
	inbox, err := nw.Client(1)
	require.NoError(t, err)

	require.NoError(t, client.StartFlood())
	got := waitResponse(t, inbox, message.ServerTypeKind)
	require.Equal(t, wire.NodeID(3), got.From)
	require.Equal(t, message.ServerMedia, got.Response.ServerType)

	_, err = client.Submit(context.Background(), message.NewQuery(message.Query{Kind: message.AskMedia, Reference: "cat.png"}), 3)
	require.NoError(t, err)
	got = waitResponse(t, inbox, message.Media)
	require.Equal(t, "meow", got.Response.Content)

	_, err = nw.Node(9)
	require.ErrorIs(t, err, ErrUnknownNode)
	_, err = nw.Client(3)
	require.ErrorIs(t, err, ErrUnknownNode)
	_, err = nw.Server(3)
	require.NoError(t, err)
}

func TestNetwork_LossyPath(t *testing.T) {
	nw := startNetwork(t, `
[[drone]]
id = 2
connected_node_ids = [1, 4]
pdr = 0.5

[[drone]]
id = 4
connected_node_ids = [2, 3]
pdr = 0.5

[[client]]
id = 1
connected_drone_ids = [2]

[[server]]
id = 3
connected_drone_ids = [4]
type = "text"

[[server.files]]
name = "big.txt"
content = """
Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod
tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam,
quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo
consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse
cillum dolore eu fugiat nulla pariatur."""
`)

	client, err := nw.Node(1)
	require.NoError(t, err)
	inbox, err := nw.Client(1)
	require.NoError(t, err)

	require.NoError(t, client.StartFlood())
	waitResponse(t, inbox, message.ServerTypeKind)

	_, err = client.Submit(context.Background(), message.NewQuery(message.Query{Kind: message.AskFile, FileID: 0}), 3)
	require.NoError(t, err)
	got := waitResponse(t, inbox, message.File)
	require.Contains(t, got.Response.Content, "Lorem ipsum")
	require.Contains(t, got.Response.Content, "pariatur.")
}

const diamondTopology = `
[[drone]]
id = 2
connected_node_ids = [1, 3]

[[drone]]
id = 4
connected_node_ids = [1, 3]

[[client]]
id = 1
connected_drone_ids = [2, 4]

[[server]]
id = 3
connected_drone_ids = [2, 4]
type = "communication"
`

func TestNetwork_CrashReroutes(t *testing.T) {
	nw := startNetwork(t, diamondTopology)
	client, err := nw.Node(1)
	require.NoError(t, err)
	inbox, err := nw.Client(1)
	require.NoError(t, err)

	require.NoError(t, client.StartFlood())
	waitResponse(t, inbox, message.ServerTypeKind)

	snap, err := client.Inspect(context.Background())
	require.NoError(t, err)
	route := snap.Routes[3]
	require.Len(t, route, 2)

	// take down the drone the client currently goes through
	require.NoError(t, nw.Crash(route[0]))
	require.NotContains(t, nw.Nodes(), route[0])
	require.Len(t, nw.Edges(), 2)

	_, err = client.Submit(context.Background(), message.NewQuery(message.Query{Kind: message.AddClient, Name: "alice"}), 3)
	require.NoError(t, err)
	got := waitResponse(t, inbox, message.ListUsers)
	require.Equal(t, []string{"alice"}, got.Response.Names)

	snap, err = client.Inspect(context.Background())
	require.NoError(t, err)
	require.NotContains(t, snap.Neighbors, route[0])
	require.NotEqual(t, route, snap.Routes[3])
}

func TestNetwork_Disconnect(t *testing.T) {
	nw := startNetwork(t, chainTopology)
	require.NoError(t, nw.Disconnect(1, 2))
	require.Equal(t, []Edge{{From: 2, To: 3}}, nw.Edges())

	client, err := nw.Node(1)
	require.NoError(t, err)
	snap, err := client.Inspect(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Neighbors)

	require.NoError(t, nw.Connect(context.Background(), 1, 2))
	snap, err = client.Inspect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []wire.NodeID{2}, snap.Neighbors)

	require.ErrorIs(t, nw.Disconnect(1, 9), ErrUnknownNode)
}

func TestNetwork_Shutdown(t *testing.T) {
	cfg, err := ParseConfig(chainTopology)
	require.NoError(t, err)
	nw, err := NewNetwork(cfg, testOptions("network")...)
	require.NoError(t, err)

	client, err := nw.Node(1)
	require.NoError(t, err)

	require.NoError(t, nw.Shutdown())
	require.NoError(t, nw.Shutdown())
	require.ErrorIs(t, client.StartFlood(), ErrNodeClosed)
	require.ErrorIs(t, nw.Connect(context.Background(), 1, 2), ErrNetworkClosed)
	require.ErrorIs(t, nw.Crash(1), ErrNetworkClosed)
}

func TestNetwork_QUIC(t *testing.T) {
	tc, err := link.DevTLSConfig()
	require.NoError(t, err)

	nw := startNetwork(t, chainTopology, WithQUIC(tc), WithListenOn("127.0.0.1"))

	client, err := nw.Node(1)
	require.NoError(t, err)
	require.NotEmpty(t, client.Addr())
	inbox, err := nw.Client(1)
	require.NoError(t, err)

	require.NoError(t, client.StartFlood())
	got := waitResponse(t, inbox, message.ServerTypeKind)
	require.Equal(t, message.ServerMedia, got.Response.ServerType)

	_, err = client.Submit(context.Background(), message.NewQuery(message.Query{Kind: message.AskMedia, Reference: "dog.png"}), 3)
	require.NoError(t, err)
	got = waitResponse(t, inbox, message.Err)
	require.Equal(t, role.ReasonMediaNotFound, got.Response.Reason)
}
