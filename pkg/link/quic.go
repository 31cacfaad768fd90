package link

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

// ALPN negotiated by every QUIC link.
const ALPN = "dronenet"

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamCancelled         = quic.StreamErrorCode(0xC)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrLinkClosed = QuicApplicationError{
		Code:   0x4,
		Prefix: "link closed",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// QUICConfig configures a [QUICTransport].
type QUICConfig struct {
	// TlsConfig is used both to accept and to dial links. Its NextProtos
	// is overridden with [ALPN].
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the transport listens. A zero port
	// picks a free one.
	BindAddr string
	BindPort int

	// DialTimeout controls how much time we wait for a link to be
	// established.
	DialTimeout time.Duration

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// QUICTransport connects a node to neighbours living in other processes.
// Every outbound link is one QUIC connection carrying a single
// unidirectional stream of frames. Packets read from accepted streams
// are pushed to the inbound channel of the local node.
type QUICTransport struct {
	cfg     *QUICConfig
	tlsConf *tls.Config
	logger  *slog.Logger
	msink   metrics.MetricSink
	inbound chan<- wire.Packet

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	connsLk sync.Mutex
	conns   map[quic.Connection]struct{}

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

func NewQUICTransport(cfg *QUICConfig, inbound chan<- wire.Packet) (t *QUICTransport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &QUICTransport{
		cfg:        cfg,
		inbound:    inbound,
		shutdownCh: make(chan struct{}),
		conns:      make(map[quic.Connection]struct{}),
	}

	t.tlsConf = cfg.TlsConfig.Clone()
	t.tlsConf.NextProtos = []string{ALPN}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4(127, 0, 0, 1)
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("link: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.tlsConf, &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingUniStreams: 16,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("link: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return
}

// Addr is the UDP address remote nodes must dial.
func (t *QUICTransport) Addr() string {
	return t.udpLn.LocalAddr().String()
}

// Dial opens a link towards the node listening on addr.
func (t *QUICTransport) Dial(ctx context.Context, peer wire.NodeID, addr string) (*QUICLink, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("link: invalid address %q: %w", addr, err)
	}

	timeout := t.cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.tr.Dial(ctx, udpAddr, t.tlsConf, &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "could not open stream")
		return nil, err
	}

	mLabels := append(slices.Clone(t.cfg.MetricLabels),
		telemetry.LabelPeer.M(fmt.Sprint(peer)),
		telemetry.LabelPeerAddr.M(addr),
	)
	logger := t.logger.With(telemetry.LabelPeer.L(peer), telemetry.LabelPeerAddr.L(addr))

	l := &QUICLink{peer: peer, conn: conn}
	l.p = newPump(func(pkt wire.Packet, _ <-chan struct{}) error {
		n, err := WriteFrame(stream, pkt)
		if err != nil {
			t.msink.IncrCounterWithLabels(
				telemetry.MetricLinkErrorCount, 1,
				append(slices.Clone(mLabels), telemetry.LabelError.M("write")),
			)
			return err
		}
		t.msink.IncrCounterWithLabels(telemetry.MetricLinkOutBytes, float32(n), mLabels)
		return nil
	}, func(err error) {
		logger.Warn("could not write packet", telemetry.LabelError.L(err))
	})
	l.stream = stream

	logger.Debug("link established")
	return l, nil
}

// Shutdown closes the listener and every accepted connection.
func (t *QUICTransport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	close(t.shutdownCh)

	t.connsLk.Lock()
	for conn := range t.conns {
		QErrShutdown.Close(conn, "node is shutting down")
	}
	t.connsLk.Unlock()

	var errs []error
	if t.ln != nil {
		errs = append(errs, t.ln.Close())
	}
	if t.tr != nil {
		// closing the transport also closes the UDP socket
		errs = append(errs, t.tr.Close())
	} else if t.udpLn != nil {
		errs = append(errs, t.udpLn.Close())
	}
	t.wg.Wait()
	return errors.Join(errs...)
}

func (t *QUICTransport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		t.connsLk.Lock()
		t.conns[conn] = struct{}{}
		t.connsLk.Unlock()

		t.wg.Add(1)
		go t.handleStreams(conn)
	}
}

func (t *QUICTransport) handleStreams(conn quic.Connection) {
	defer t.wg.Done()
	defer func() {
		t.connsLk.Lock()
		delete(t.conns, conn)
		t.connsLk.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	logger := t.logger.With(telemetry.LabelPeerAddr.L(remote))
	mLabels := append(slices.Clone(t.cfg.MetricLabels), telemetry.LabelPeerAddr.M(remote))

	for {
		stream, err := conn.AcceptUniStream(conn.Context())
		if err != nil {
			if !t.gracefulTerm.Load() && conn.Context().Err() == nil {
				logger.Warn("error accepting stream", telemetry.LabelError.L(err))
			}
			return
		}

		t.wg.Add(1)
		go t.readFrames(stream, logger, mLabels)
	}
}

func (t *QUICTransport) readFrames(stream quic.ReceiveStream, logger *slog.Logger, mLabels []metrics.Label) {
	defer t.wg.Done()
	for {
		pkt, n, err := ReadFrame(stream)
		if err != nil {
			if errors.Is(err, wire.ErrTruncated) || errors.Is(err, wire.ErrUnknownPacket) || errors.Is(err, ErrTooLargeFrame) {
				t.msink.IncrCounterWithLabels(
					telemetry.MetricLinkErrorCount, 1,
					append(slices.Clone(mLabels), telemetry.LabelError.M("protocol_violation")),
				)
				logger.Error("invalid frame received", telemetry.LabelError.L(err))
				stream.CancelRead(QErrStreamProtocolViolation)
				return
			}
			if !errors.Is(err, io.EOF) && !t.gracefulTerm.Load() {
				logger.Debug("stream closed", telemetry.LabelError.L(err))
			}
			return
		}

		t.msink.IncrCounterWithLabels(telemetry.MetricLinkInBytes, float32(n), mLabels)
		select {
		case t.inbound <- pkt:
		case <-t.shutdownCh:
			stream.CancelRead(QErrStreamCancelled)
			return
		}
	}
}

// QUICLink is an outbound link to a node of another process.
type QUICLink struct {
	peer   wire.NodeID
	conn   quic.Connection
	stream quic.SendStream
	p      *pump
}

var _ Link = (*QUICLink)(nil)

func (l *QUICLink) Peer() wire.NodeID {
	return l.peer
}

func (l *QUICLink) Send(pkt wire.Packet) error {
	return l.p.push(pkt)
}

func (l *QUICLink) Close() error {
	l.p.close()
	_ = l.stream.Close()
	return QErrLinkClosed.Close(l.conn, "bye")
}
