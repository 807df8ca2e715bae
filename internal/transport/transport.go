package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrPoolClosed is returned by ConnPool.Get after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// TransportConn is a framed, message-oriented connection.
type TransportConn interface {
	WriteDataWithContext(ctx context.Context, data []byte) error
	ReadDataWithContext(ctx context.Context) ([]byte, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// HealthCheckable is an optional interface for connections that support health checking
type HealthCheckable interface {
	HealthCheck() error
}

// Transport dials and listens for framed connections. Implementations register
// themselves by name in the registry.
type Transport interface {
	Dial(ctx context.Context, address string) (TransportConn, error)
	Listen(address string) (TransportListener, error)
}

// TransportListener delivers each inbound frame to a handler.
//
// The slice passed to the handler is only valid for the duration of the call.
type TransportListener interface {
	Start() error
	HandleMessage(handler func(message []byte) error) TransportListener
	Stop() error
	Addr() net.Addr
}

type pooledTransportConn struct {
	conn     TransportConn
	lastUsed time.Time
}

// ConnPool keeps reusable connections to a single address.
type ConnPool struct {
	transport   Transport
	address     string
	maxIdle     int
	maxConns    int
	idleTimeout time.Duration

	mu        sync.Mutex
	cond      *sync.Cond // wakes Get callers waiting for a free slot
	idleConns []pooledTransportConn
	total     int // idle plus checked out
	closed    bool
	done      chan struct{}
}

// NewConnPool creates a pool for address. maxConns bounds idle plus in-use
// connections; Get blocks when the bound is reached.
func NewConnPool(transport Transport, address string, maxIdle, maxConns int, idleTimeout time.Duration) *ConnPool {
	if maxConns <= 0 {
		maxConns = 1
	}
	if maxIdle > maxConns {
		maxIdle = maxConns
	}
	if idleTimeout <= 0 {
		idleTimeout = time.Minute
	}
	pool := &ConnPool{
		transport:   transport,
		address:     address,
		maxIdle:     maxIdle,
		maxConns:    maxConns,
		idleTimeout: idleTimeout,
		idleConns:   make([]pooledTransportConn, 0, maxIdle),
		done:        make(chan struct{}),
	}
	pool.cond = sync.NewCond(&pool.mu)

	go pool.cleanupLoop()
	return pool
}

// Address returns the remote address this pool dials.
func (p *ConnPool) Address() string {
	return p.address
}

// cleanupLoop closes idle connections older than idleTimeout.
func (p *ConnPool) cleanupLoop() {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		now := time.Now()
		active := p.idleConns[:0]
		for _, pc := range p.idleConns {
			if now.Sub(pc.lastUsed) < p.idleTimeout {
				active = append(active, pc)
				continue
			}
			_ = pc.conn.Close()
			p.total--
		}
		p.idleConns = active
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// Get returns a healthy idle connection, dials a new one while under maxConns, or
// waits for one to be returned. It gives up when ctx is done.
func (p *ConnPool) Get(ctx context.Context) (TransportConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}

		now := time.Now()
		for len(p.idleConns) > 0 {
			pc := p.idleConns[len(p.idleConns)-1]
			p.idleConns = p.idleConns[:len(p.idleConns)-1]

			if now.Sub(pc.lastUsed) > p.idleTimeout {
				_ = pc.conn.Close()
				p.total--
				continue
			}
			if hc, ok := pc.conn.(HealthCheckable); ok {
				if err := hc.HealthCheck(); err != nil {
					_ = pc.conn.Close()
					p.total--
					continue
				}
			}
			return pc.conn, nil
		}

		if p.total < p.maxConns {
			// Reserve the slot, then dial without holding the lock.
			p.total++
			p.mu.Unlock()
			conn, err := p.transport.Dial(ctx, p.address)
			p.mu.Lock()
			if err != nil {
				p.total--
				p.cond.Signal()
				return nil, err
			}
			if p.closed {
				_ = conn.Close()
				p.total--
				return nil, ErrPoolClosed
			}
			return conn, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Wake this waiter when ctx ends so it can observe the cancellation.
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		stop()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Put returns a connection obtained from Get.
func (p *ConnPool) Put(conn TransportConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idleConns) >= p.maxIdle {
		_ = conn.Close()
		if p.total > 0 {
			p.total--
		}
		p.cond.Signal()
		return
	}

	p.idleConns = append(p.idleConns, pooledTransportConn{
		conn:     conn,
		lastUsed: time.Now(),
	})
	p.cond.Signal()
}

// Invalidate closes a broken connection obtained from Get and frees its slot.
func (p *ConnPool) Invalidate(conn TransportConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = conn.Close()
	if p.total > 0 {
		p.total--
		p.cond.Signal()
	}
}

// Close closes idle connections and fails pending and future Get calls.
// Checked-out connections are closed when they are returned.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	p.cond.Broadcast()

	for _, pc := range p.idleConns {
		_ = pc.conn.Close()
	}
	p.total -= len(p.idleConns)
	p.idleConns = nil
	return nil
}
