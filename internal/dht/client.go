package dht

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/feellmoose/gridswarm/internal/ring"
	"github.com/feellmoose/gridswarm/internal/transport"
)

// Client issues typed queries to a DHT service over the RPC transport.
type Client struct {
	rpc *transport.Client
}

// NewClient wraps an RPC client. The caller keeps ownership of rpc.
func NewClient(rpc *transport.Client) *Client {
	return &Client{rpc: rpc}
}

func (c *Client) call(ctx context.Context, addr string, req Request) (*Response, error) {
	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, err
	}
	raw, err := c.rpc.Call(ctx, addr, payload)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Op, err)
	}
	return &resp, nil
}

// Get returns the metadata of member id as seen by the node at addr.
func (c *Client) Get(ctx context.Context, addr string, id ring.NodeID) (map[string]string, bool, error) {
	resp, err := c.call(ctx, addr, Request{Op: OpGet, NodeID: id})
	if err != nil {
		return nil, false, err
	}
	return resp.Metadata, resp.Found, nil
}

// Lookup returns the owner of token and its metadata.
func (c *Client) Lookup(ctx context.Context, addr string, token ring.Token) (ring.NodeID, map[string]string, bool, error) {
	resp, err := c.call(ctx, addr, Request{Op: OpLookup, Token: token})
	if err != nil {
		return 0, nil, false, err
	}
	return resp.NodeID, resp.Metadata, resp.Found, nil
}

// LookupKey returns the owner of key after hashing it onto the ring.
func (c *Client) LookupKey(ctx context.Context, addr, key string) (ring.NodeID, map[string]string, bool, error) {
	resp, err := c.call(ctx, addr, Request{Op: OpLookup, Key: key})
	if err != nil {
		return 0, nil, false, err
	}
	return resp.NodeID, resp.Metadata, resp.Found, nil
}

// Nodes returns the ring members known to the node at addr.
func (c *Client) Nodes(ctx context.Context, addr string) ([]NodeInfo, error) {
	resp, err := c.call(ctx, addr, Request{Op: OpNodes})
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Tokens returns the ring of the node at addr.
func (c *Client) Tokens(ctx context.Context, addr string) ([]TokenEntry, error) {
	resp, err := c.call(ctx, addr, Request{Op: OpTokens})
	if err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}
