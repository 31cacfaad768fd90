// Package link carries packets between neighbouring nodes.
//
// Every directed link owns an unbounded queue drained by its own
// goroutine, so that a node handing a packet to a link never blocks on
// the neighbour. Links do not share memory with the sender: packets are
// cloned when queued.
package link

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/raskyld/dronenet/pkg/wire"
)

var (
	ErrLinkClosed    = errors.New("link: closed")
	ErrNoLink        = errors.New("link: no link to neighbour")
	ErrTooLargeFrame = errors.New("link: frame was too large")
	ErrNoTLSConfig   = errors.New("link: TlsConfig is required")
	ErrShutdown      = errors.New("link: shutting down")
)

// Link is the sending half of a connection to one neighbour.
type Link interface {
	Peer() wire.NodeID
	Send(pkt wire.Packet) error
	Close() error
}

// Table holds the outbound links of a node. It is meant to be owned by
// the node goroutine and is not safe for concurrent use.
type Table struct {
	links map[wire.NodeID]Link
}

func NewTable() *Table {
	return &Table{links: make(map[wire.NodeID]Link)}
}

// Add installs l, closing any previous link to the same peer.
func (t *Table) Add(l Link) {
	if old, ok := t.links[l.Peer()]; ok && old != l {
		_ = old.Close()
	}
	t.links[l.Peer()] = l
}

func (t *Table) Send(to wire.NodeID, pkt wire.Packet) error {
	l, ok := t.links[to]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoLink, to)
	}
	return l.Send(pkt)
}

func (t *Table) Neighbors() []wire.NodeID {
	return slices.Sorted(maps.Keys(t.links))
}

func (t *Table) Has(id wire.NodeID) bool {
	_, ok := t.links[id]
	return ok
}

func (t *Table) Remove(id wire.NodeID) {
	if l, ok := t.links[id]; ok {
		_ = l.Close()
		delete(t.links, id)
	}
}

// Close closes every link.
func (t *Table) Close() error {
	var errs []error
	for id, l := range t.links {
		errs = append(errs, l.Close())
		delete(t.links, id)
	}
	return errors.Join(errs...)
}

// pump is an unbounded FIFO drained by one goroutine calling deliver.
// Packets still queued on Close are lost, as they would be on a real
// link going down.
type pump struct {
	deliver func(pkt wire.Packet, closeCh <-chan struct{}) error
	onError func(error)

	lk      sync.Mutex
	queue   []wire.Packet
	closed  bool
	notify  chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func newPump(deliver func(wire.Packet, <-chan struct{}) error, onError func(error)) *pump {
	p := &pump{
		deliver: deliver,
		onError: onError,
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.run()
	return p
}

func (p *pump) push(pkt wire.Packet) error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return ErrLinkClosed
	}
	p.queue = append(p.queue, pkt.Clone())
	p.lk.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *pump) len() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.queue)
}

func (p *pump) close() {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return
	}
	p.closed = true
	close(p.closeCh)
	p.lk.Unlock()
	p.wg.Wait()
}

func (p *pump) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case <-p.notify:
		}

		for {
			p.lk.Lock()
			if len(p.queue) == 0 || p.closed {
				p.lk.Unlock()
				break
			}
			pkt := p.queue[0]
			p.queue[0] = wire.Packet{}
			p.queue = p.queue[1:]
			p.lk.Unlock()

			if err := p.deliver(pkt, p.closeCh); err != nil {
				if errors.Is(err, ErrLinkClosed) {
					return
				}
				if p.onError != nil {
					p.onError(err)
				}
			}
		}
	}
}

// Local delivers packets to the inbound channel of a node living in the
// same process.
type Local struct {
	peer wire.NodeID
	p    *pump
}

var _ Link = (*Local)(nil)

func NewLocal(peer wire.NodeID, inbound chan<- wire.Packet) *Local {
	return &Local{
		peer: peer,
		p: newPump(func(pkt wire.Packet, closeCh <-chan struct{}) error {
			select {
			case inbound <- pkt:
				return nil
			case <-closeCh:
				return ErrLinkClosed
			}
		}, nil),
	}
}

func (l *Local) Peer() wire.NodeID {
	return l.peer
}

func (l *Local) Send(pkt wire.Packet) error {
	return l.p.push(pkt)
}

// Queued returns the number of packets not yet handed to the peer.
func (l *Local) Queued() int {
	return l.p.len()
}

func (l *Local) Close() error {
	l.p.close()
	return nil
}
