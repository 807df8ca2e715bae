package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

// Response status bytes, the first byte of every RPC response frame.
const (
	statusOK           byte = 0
	statusServiceError byte = 1
	statusRejected     byte = 2
)

var errClientClosed = errors.New("rpc client closed")

func encodeResponse(status byte, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = status
	copy(out[1:], body)
	return out
}

func decodeResponse(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty response frame")
	}
	switch frame[0] {
	case statusOK:
		return frame[1:], nil
	case statusServiceError:
		return nil, &ServiceError{Message: string(frame[1:])}
	case statusRejected:
		return nil, ErrTransportRejected
	default:
		return nil, fmt.Errorf("unknown response status %d", frame[0])
	}
}

// RoundTrip sends one request on conn and waits for its response.
//
// A *ServiceError or ErrTransportRejected is returned as the error when the server
// reports one. Any other error leaves conn in an unknown state.
func RoundTrip(ctx context.Context, conn TransportConn, req []byte) ([]byte, error) {
	if err := conn.WriteDataWithContext(ctx, req); err != nil {
		// The server may have rejected us and half-closed before reading.
		if resp, rerr := conn.ReadDataWithContext(ctx); rerr == nil {
			return decodeResponse(resp)
		}
		return nil, fmt.Errorf("write request: %w", err)
	}
	resp, err := conn.ReadDataWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return decodeResponse(resp)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Transport   string        // registered transport name, default "tcp"
	MaxIdle     int           // idle connections kept per address, default 4
	MaxConns    int           // connections per address, default 16
	IdleTimeout time.Duration // default 60s
	Timeout     time.Duration // per call when ctx has no deadline, default 5s
}

// Client issues requests to WorkerPoolServers, pooling connections per address.
type Client struct {
	opts      ClientOptions
	transport Transport
	pools     sync.Map // address -> *ConnPool
	closed    atomic.Bool
}

// NewClient creates a client over the named transport.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Transport == "" {
		opts.Transport = "tcp"
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 4
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 16
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	tr, err := NewTransport(opts.Transport)
	if err != nil {
		return nil, err
	}
	return &Client{opts: opts, transport: tr}, nil
}

func (c *Client) pool(address string) *ConnPool {
	if v, ok := c.pools.Load(address); ok {
		return v.(*ConnPool)
	}
	p := NewConnPool(c.transport, address, c.opts.MaxIdle, c.opts.MaxConns, c.opts.IdleTimeout)
	v, loaded := c.pools.LoadOrStore(address, p)
	if loaded {
		_ = p.Close()
	}
	return v.(*ConnPool)
}

// Call sends req to the server at address and returns the response payload.
func (c *Client) Call(ctx context.Context, address string, req []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, errClientClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	pool := c.pool(address)
	conn, err := pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	resp, err := RoundTrip(ctx, conn, req)
	var svcErr *ServiceError
	switch {
	case err == nil, errors.As(err, &svcErr):
		pool.Put(conn)
	default:
		pool.Invalidate(conn)
	}
	return resp, err
}

// Close closes every per-address pool.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	c.pools.Range(func(key, value interface{}) bool {
		err = multierr.Append(err, value.(*ConnPool).Close())
		c.pools.Delete(key)
		return true
	})
	return err
}
