package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/feellmoose/gridswarm/internal/utils/logging"
)

// MaxFrameSize bounds a single frame so a corrupt length prefix cannot force a huge allocation.
const MaxFrameSize = 10 * 1024 * 1024

// ErrEmptyFrame is returned when a peer sends a zero-length frame.
var ErrEmptyFrame = errors.New("zero-length frame")

var lengthPrefixPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 4)
	},
}

// writeFrame writes a 4-byte big-endian length prefix followed by data in one writev.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(data), MaxFrameSize)
	}
	prefix := lengthPrefixPool.Get().([]byte)
	defer lengthPrefixPool.Put(prefix)

	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	buffers := net.Buffers{prefix, data}
	_, err := buffers.WriteTo(w)
	return err
}

// readFrame reads one length-prefixed frame into a freshly allocated slice.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", n, MaxFrameSize)
	}
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return data, nil
}

func tuneTCPConn(conn *net.TCPConn) {
	if err := conn.SetNoDelay(true); err != nil {
		logging.Warn("Failed to set TCP_NODELAY", "err", err)
	}
	if err := conn.SetKeepAlive(true); err != nil {
		logging.Warn("Failed to set TCP keepalive", "err", err)
	}
	if err := conn.SetKeepAlivePeriod(30 * time.Second); err != nil {
		logging.Warn("Failed to set TCP keepalive period", "err", err)
	}
}

// TCPTransportConn implements TransportConn over a TCP stream with length-prefixed frames.
type TCPTransportConn struct {
	conn   *net.TCPConn
	reader *bufio.Reader
}

// NewTCPTransportConn wraps an established TCP connection.
func NewTCPTransportConn(conn *net.TCPConn) *TCPTransportConn {
	return &TCPTransportConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 16384),
	}
}

// WriteDataWithContext writes one frame, honouring the ctx deadline if set.
func (t *TCPTransportConn) WriteDataWithContext(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return writeFrame(t.conn, data)
}

// ReadDataWithContext reads one frame, honouring the ctx deadline if set.
func (t *TCPTransportConn) ReadDataWithContext(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer t.conn.SetReadDeadline(time.Time{})
	}
	return readFrame(t.reader)
}

func (t *TCPTransportConn) Close() error {
	return t.conn.Close()
}

func (t *TCPTransportConn) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *TCPTransportConn) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// HealthCheck detects a peer that closed an idle pooled connection.
func (t *TCPTransportConn) HealthCheck() error {
	if t.reader.Buffered() > 0 {
		// Unsolicited bytes on an idle request/response connection mean the
		// stream is out of sync.
		return errors.New("unexpected buffered data on idle connection")
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer t.conn.SetReadDeadline(time.Time{})

	if _, err := t.reader.Peek(1); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	}
	return errors.New("unexpected data on idle connection")
}

// TCPTransport implements Transport over plain TCP.
type TCPTransport struct {
	dialer net.Dialer
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{dialer: net.Dialer{Timeout: 5 * time.Second}}
}

func (t *TCPTransport) Dial(ctx context.Context, address string) (TransportConn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tcpConn := conn.(*net.TCPConn)
	tuneTCPConn(tcpConn)
	return NewTCPTransportConn(tcpConn), nil
}

func (t *TCPTransport) Listen(address string) (TransportListener, error) {
	return NewTCPTransportListener(address)
}

// TCPTransportListener accepts TCP connections and feeds every frame to the handler.
type TCPTransportListener struct {
	listener *net.TCPListener
	handler  func(message []byte) error

	mu      sync.Mutex
	conns   map[*net.TCPConn]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewTCPTransportListener binds addr. Accepting starts with Start.
func NewTCPTransportListener(addr string) (*TCPTransportListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return &TCPTransportListener{
		listener: listener,
		conns:    make(map[*net.TCPConn]struct{}),
	}, nil
}

func (l *TCPTransportListener) Start() error {
	if l.listener == nil {
		return errors.New("listener not initialized")
	}
	logging.Debug("listener[net] start", "listen_addr", l.listener.Addr().String())

	l.wg.Add(1)
	go l.acceptConnections()
	return nil
}

// Stop closes the listening socket and every open connection, then waits for the
// connection goroutines to return.
func (l *TCPTransportListener) Stop() error {
	err := l.listener.Close()

	l.mu.Lock()
	l.stopped = true
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()

	if err != nil && !isClosed(err) {
		return fmt.Errorf("failed to stop listener: %w", err)
	}
	logging.Debug("listener[net] stopped", "listen_addr", l.listener.Addr().String())
	return nil
}

func (l *TCPTransportListener) Addr() net.Addr {
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

// HandleMessage registers the frame handler. It must be set before Start.
func (l *TCPTransportListener) HandleMessage(handler func(message []byte) error) TransportListener {
	l.handler = handler
	return l
}

func (l *TCPTransportListener) acceptConnections() {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Error(fmt.Errorf("recovered from panic: %v", r), "listener[net], accepting connections")
		}
	}()

	for {
		conn, err := l.listener.AcceptTCP()
		if err != nil {
			if isTemporary(err) {
				continue
			}
			if isClosed(err) {
				return
			}
			logging.Error(err, "listener[net], error accepting connection")
			return
		}

		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *TCPTransportListener) handleConnection(conn *net.TCPConn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		_ = conn.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			logging.Error(fmt.Errorf("recovered from panic: %v", r), "listener[net], handling connection")
		}
	}()

	tuneTCPConn(conn)
	reader := bufio.NewReaderSize(conn, 16384)

	for {
		data, err := readFrame(reader)
		switch {
		case err == nil:
		case errors.Is(err, ErrEmptyFrame):
			logging.Warn("Zero-length frame received", "remote_addr", conn.RemoteAddr().String())
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isClosed(err):
			return
		default:
			logging.Error(err, "connect[net], error reading frame", "remote_addr", conn.RemoteAddr().String())
			return
		}

		if l.handler != nil {
			if err := l.handler(data); err != nil {
				logging.Error(err, "connect[net], error handling message", "remote_addr", conn.RemoteAddr().String())
			}
		}
	}
}

func isTemporary(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary()
	}
	return false
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
