package gossip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/feellmoose/gridswarm/internal/transport"
	"github.com/feellmoose/gridswarm/internal/utils/logging"
)

var errNoReply = errors.New("no reply")

// NetworkOptions configures the gossip listener and its outbound connection pools.
type NetworkOptions struct {
	Transport string // registered transport name, "tcp" or "gnet"
	BindAddr  string // local address to bind for listening (e.g. "0.0.0.0:7946")
	// Connection pool options, per remote address
	MaxIdle     int
	MaxConns    int
	IdleTimeout time.Duration
}

// TransportProtocol is the low-level connection and pooling layer.
type TransportProtocol struct {
	opts      NetworkOptions
	transport transport.Transport
	listener  transport.TransportListener
	pools     sync.Map // map[string]*transport.ConnPool
	stopOnce  sync.Once
}

// NewTransportProtocol binds the listener. Frames are not delivered until Listen.
func NewTransportProtocol(opts NetworkOptions) (*TransportProtocol, error) {
	if opts.Transport == "" {
		opts.Transport = "tcp"
	}
	tr, err := transport.NewTransport(opts.Transport)
	if err != nil {
		return nil, err
	}
	listener, err := tr.Listen(opts.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("bind gossip listener %s: %w", opts.BindAddr, err)
	}
	return &TransportProtocol{
		opts:      opts,
		transport: tr,
		listener:  listener,
	}, nil
}

func (p *TransportProtocol) getPool(address string) *transport.ConnPool {
	if v, ok := p.pools.Load(address); ok {
		return v.(*transport.ConnPool)
	}
	pool := transport.NewConnPool(p.transport, address, p.opts.MaxIdle, p.opts.MaxConns, p.opts.IdleTimeout)
	v, loaded := p.pools.LoadOrStore(address, pool)
	if loaded {
		_ = pool.Close()
	}
	return v.(*transport.ConnPool)
}

// Send writes one frame to address over a pooled connection.
func (p *TransportProtocol) Send(ctx context.Context, address string, data []byte) error {
	pool := p.getPool(address)
	conn, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteDataWithContext(ctx, data); err != nil {
		pool.Invalidate(conn)
		return fmt.Errorf("transport send failed: %w", err)
	}
	pool.Put(conn)
	return nil
}

// Listen registers a frame handler and starts the listener.
func (p *TransportProtocol) Listen(handler func(message []byte) error) error {
	return p.listener.HandleMessage(handler).Start()
}

func (p *TransportProtocol) Addr() net.Addr {
	return p.listener.Addr()
}

// Stop stops the listener and closes all pools.
func (p *TransportProtocol) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		err = p.listener.Stop()
		p.pools.Range(func(k, v any) bool {
			err = multierr.Append(err, v.(*transport.ConnPool).Close())
			p.pools.Delete(k)
			return true
		})
	})
	return err
}

// Network is the message-aware layer over TransportProtocol. Besides one-way
// sends it correlates request/reply exchanges (JOIN and JOIN_ACK) by RequestID:
//
//  1. Request registers a reply channel under the message's RequestID
//  2. the message is sent over the transport layer
//  3. the caller blocks until the reply or ctx
//  4. the receive path hands replies to Deliver, which wakes the waiter
type Network struct {
	protocol *TransportProtocol
	pending  sync.Map // map[string]chan *Message
}

// NewNetwork binds the gossip listener described by opts.
func NewNetwork(opts NetworkOptions) (*Network, error) {
	protocol, err := NewTransportProtocol(opts)
	if err != nil {
		return nil, err
	}
	return &Network{protocol: protocol}, nil
}

// Send encodes msg and writes it to addr.
func (n *Network) Send(ctx context.Context, addr string, msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	return n.protocol.Send(ctx, addr, frame)
}

// SendFrame writes an already encoded message, so one snapshot can go to many peers.
func (n *Network) SendFrame(ctx context.Context, addr string, frame []byte) error {
	return n.protocol.Send(ctx, addr, frame)
}

// Request sends msg and waits for the message answering its RequestID.
func (n *Network) Request(ctx context.Context, addr string, msg *Message) (*Message, error) {
	if msg.RequestID == "" {
		return nil, errors.New("request without request id")
	}
	replies := make(chan *Message, 1)
	n.pending.Store(msg.RequestID, replies)
	defer n.pending.Delete(msg.RequestID)

	if err := n.Send(ctx, addr, msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w from %s: %v", errNoReply, addr, ctx.Err())
	}
}

// Deliver hands a reply to the Request waiting for it. It reports false when no
// one is waiting, e.g. the request already timed out.
func (n *Network) Deliver(reply *Message) bool {
	v, ok := n.pending.LoadAndDelete(reply.RequestID)
	if !ok {
		return false
	}
	select {
	case v.(chan *Message) <- reply:
	default:
	}
	return true
}

// Listen decodes inbound frames and passes them to receiver.
func (n *Network) Listen(receiver func(msg *Message)) error {
	return n.protocol.Listen(func(data []byte) error {
		msg, err := Decode(data)
		if err != nil {
			logging.Warn("Dropping undecodable gossip frame", "size", len(data), "err", err)
			return err
		}
		receiver(msg)
		return nil
	})
}

// Addr is the bound gossip address.
func (n *Network) Addr() net.Addr {
	return n.protocol.Addr()
}

func (n *Network) Stop() error {
	return n.protocol.Stop()
}
