package role

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/raskyld/dronenet/pkg/engine"
	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

// Received is a response delivered to a client.
type Received struct {
	From     wire.NodeID
	Response message.Response
}

// Client keeps every response it receives. OnResponse, when set, is
// called from the node goroutine for each of them.
type Client struct {
	OnResponse func(Received)

	logger *slog.Logger

	lk    sync.Mutex
	inbox []Received
}

var _ engine.Application = (*Client)(nil)

func NewClient(handler slog.Handler) *Client {
	c := &Client{}
	if handler == nil {
		c.logger = slog.Default()
	} else {
		c.logger = slog.New(handler)
	}
	return c
}

func (c *Client) OnMessageReady(_ *engine.Engine, src wire.NodeID, msg message.Message) {
	if msg.Response == nil {
		c.logger.Warn("client received a query", telemetry.LabelSource.L(src), telemetry.LabelMessage.L(msg))
		return
	}

	rcv := Received{From: src, Response: *msg.Response}
	switch msg.Response.Kind {
	case message.Err:
		c.logger.Warn("server answered with an error", telemetry.LabelSource.L(src), slog.String("reason", msg.Response.Reason))
	case message.MessageFrom:
		c.logger.Info("chat message", telemetry.LabelSource.L(src), slog.String("from", msg.Response.From))
	default:
		c.logger.Info("response received", telemetry.LabelSource.L(src), telemetry.LabelMessage.L(msg))
	}

	c.lk.Lock()
	c.inbox = append(c.inbox, rcv)
	c.lk.Unlock()

	if c.OnResponse != nil {
		c.OnResponse(rcv)
	}
}

// Inbox returns a copy of the responses received so far.
func (c *Client) Inbox() []Received {
	c.lk.Lock()
	defer c.lk.Unlock()
	return slices.Clone(c.inbox)
}
