// Package dronenet simulates an overlay network of drones relaying the
// traffic of clients and servers.
//
// Every [Node] runs in its own goroutine and owns its state: clients and
// servers run the protocol engine of [engine.Engine], relays the
// forwarding rules of [relay.Relay]. Nodes only share the packets they
// exchange, either through in-memory links or QUIC connections.
//
// A [Network] brings a whole topology up from a [Config], usually loaded
// from a TOML file:
//
//	cfg, err := dronenet.LoadConfig("topology.toml")
//	if err != nil {
//		return err
//	}
//	nw, err := dronenet.NewNetwork(cfg, dronenet.WithLog(handler))
//	if err != nil {
//		return err
//	}
//	defer nw.Shutdown()
//
//	client, _ := nw.Node(1)
//	client.StartFlood()
//
// Clients discover routes by flooding, then submit queries to servers
// which answer along the reverse path.
package dronenet
