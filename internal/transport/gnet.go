package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feellmoose/gridswarm/internal/utils/logging"
	"github.com/panjf2000/gnet/v2"
)

// GnetTransport receives frames on a gnet event loop. Outbound connections are
// plain TCP with the same framing, so either side can talk to a tcp listener.
type GnetTransport struct {
	tcp *TCPTransport
}

func NewGnetTransport() *GnetTransport {
	return &GnetTransport{tcp: NewTCPTransport()}
}

func (t *GnetTransport) Dial(ctx context.Context, address string) (TransportConn, error) {
	return t.tcp.Dial(ctx, address)
}

func (t *GnetTransport) Listen(address string) (TransportListener, error) {
	return NewGnetTransportListener(address)
}

// GnetTransportListener runs a gnet engine and hands each complete frame to the handler.
type GnetTransportListener struct {
	address *net.TCPAddr
	engine  gnet.Engine
	handler func(message []byte) error
	metrics *Metrics

	running atomic.Bool
	booted  chan struct{}
	done    chan error
	started sync.Once
	stopped sync.Once
}

// NewGnetTransportListener prepares a listener for address. gnet cannot report an
// ephemeral port back, so the port must be explicit.
func NewGnetTransportListener(address string) (*GnetTransportListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s failed: %w", address, err)
	}
	if addr.Port == 0 {
		return nil, fmt.Errorf("gnet listener needs an explicit port, got %q", address)
	}
	return &GnetTransportListener{
		address: addr,
		metrics: NewMetrics(),
		booted:  make(chan struct{}),
		done:    make(chan error, 1),
	}, nil
}

// GetMetrics returns current metrics snapshot
func (l *GnetTransportListener) GetMetrics() MetricsSnapshot {
	return l.metrics.Snapshot()
}

// Start launches the engine and returns once it is accepting or has failed to bind.
func (l *GnetTransportListener) Start() error {
	var startErr error
	l.started.Do(func() {
		logging.Debug("listener[gnet] starting", "listen_addr", l.address)
		events := &gnetEventEngine{listener: l}

		go func() {
			l.done <- gnet.Run(events, "tcp://"+l.address.String(),
				gnet.WithMulticore(true),
				gnet.WithTCPKeepAlive(30*time.Second),
				gnet.WithTCPNoDelay(gnet.TCPNoDelay),
				gnet.WithLoadBalancing(gnet.RoundRobin),
			)
		}()

		select {
		case <-l.booted:
		case err := <-l.done:
			if err == nil {
				err = errors.New("gnet engine exited before boot")
			}
			startErr = fmt.Errorf("listener[gnet] start %s: %w", l.address, err)
		}
	})
	return startErr
}

func (l *GnetTransportListener) Stop() error {
	var stopErr error
	l.stopped.Do(func() {
		if !l.running.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stopErr = l.engine.Stop(ctx)
		if stopErr == nil {
			<-l.done
			logging.Debug("listener[gnet] stopped", "listen_addr", l.address)
		}
	})
	return stopErr
}

func (l *GnetTransportListener) HandleMessage(handler func(message []byte) error) TransportListener {
	l.handler = handler
	return l
}

func (l *GnetTransportListener) Addr() net.Addr { return l.address }

type gnetEventEngine struct {
	gnet.BuiltinEventEngine
	listener *GnetTransportListener
}

func (es *gnetEventEngine) OnBoot(engine gnet.Engine) (action gnet.Action) {
	es.listener.engine = engine
	es.listener.running.Store(true)
	close(es.listener.booted)
	logging.Debug("listener[gnet] booted", "listen_addr", es.listener.address)
	return gnet.None
}

func (es *gnetEventEngine) OnShutdown(engine gnet.Engine) {
	es.listener.running.Store(false)
	logging.Debug("listener[gnet] shutdown", "listen_addr", es.listener.address)
}

func (es *gnetEventEngine) OnOpen(conn gnet.Conn) (out []byte, action gnet.Action) {
	es.listener.metrics.RecordAccept()
	return nil, gnet.None
}

func (es *gnetEventEngine) OnClose(conn gnet.Conn, err error) (action gnet.Action) {
	es.listener.metrics.RecordClose()
	if err != nil {
		logging.Debug("gnet connection closed with error", "err", err, "remote_addr", conn.RemoteAddr().String())
	}
	return gnet.None
}

func (es *gnetEventEngine) OnTraffic(conn gnet.Conn) (action gnet.Action) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(fmt.Errorf("recovered from panic: %v", r), "listener[gnet], handling traffic")
			action = gnet.Close
		}
	}()

	handler := es.listener.handler
	metrics := es.listener.metrics
	for {
		if conn.InboundBuffered() < 4 {
			return gnet.None
		}
		prefix, _ := conn.Peek(4)
		msgLen := int(binary.BigEndian.Uint32(prefix))
		if msgLen <= 0 || msgLen > MaxFrameSize {
			logging.Error(fmt.Errorf("invalid frame length %d", msgLen), "listener[gnet], closing connection",
				"remote_addr", conn.RemoteAddr().String())
			metrics.RecordError("read")
			return gnet.Close
		}
		if conn.InboundBuffered() < 4+msgLen {
			return gnet.None
		}

		_, _ = conn.Discard(4)
		message, _ := conn.Peek(msgLen)
		metrics.RecordRead(msgLen)

		if handler != nil {
			if err := handler(message); err != nil {
				logging.Error(err, "listener[gnet], handling message failed", "remote_addr", conn.RemoteAddr().String())
				metrics.RecordError("service")
				return gnet.Close
			}
		}
		_, _ = conn.Discard(msgLen)
	}
}
