// Package dht is a reference Service answering ownership queries against the
// local node table over the RPC transport.
package dht

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/feellmoose/gridswarm/internal/membership"
	"github.com/feellmoose/gridswarm/internal/ring"
)

// Op names a query.
type Op string

const (
	OpGet    Op = "get"    // metadata of one member
	OpLookup Op = "lookup" // owner of a token or key
	OpNodes  Op = "nodes"  // every ring member with its metadata
	OpTokens Op = "tokens" // the ring, in token order
)

// Request is the msgpack payload of a query.
type Request struct {
	Op     Op          `msgpack:"op"`
	NodeID ring.NodeID `msgpack:"node_id,omitempty"`
	Token  ring.Token  `msgpack:"token,omitempty"`
	// Key, when set, is hashed onto the ring in place of Token.
	Key string `msgpack:"key,omitempty"`
}

// NodeInfo is one member in a nodes response.
type NodeInfo struct {
	ID       ring.NodeID       `msgpack:"id"`
	Metadata map[string]string `msgpack:"metadata"`
}

// TokenEntry is one ring position in a tokens response.
type TokenEntry struct {
	Token  ring.Token  `msgpack:"token"`
	NodeID ring.NodeID `msgpack:"node_id"`
}

// Response is the msgpack payload of an answer. Found is false when a get or
// lookup has no result.
type Response struct {
	Found    bool              `msgpack:"found"`
	NodeID   ring.NodeID       `msgpack:"node_id,omitempty"`
	Metadata map[string]string `msgpack:"metadata,omitempty"`
	Nodes    []NodeInfo        `msgpack:"nodes,omitempty"`
	Tokens   []TokenEntry      `msgpack:"tokens,omitempty"`
}

// Directory is the read side of the node table the service answers from.
type Directory interface {
	Get(id ring.NodeID) (membership.Node, bool)
	Lookup(token ring.Token) (ring.NodeID, bool)
	Members() []membership.Node
	Entries() []ring.Entry
}

// Service answers Requests from a Directory. It holds no state of its own, so
// any number of transport workers may share it.
type Service struct {
	dir Directory
}

func NewService(dir Directory) *Service {
	return &Service{dir: dir}
}

// Handle implements transport.Service.
func (s *Service) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	var req Request
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	resp, err := s.Query(req)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(resp)
}

// Query answers req without any encoding.
func (s *Service) Query(req Request) (*Response, error) {
	switch req.Op {
	case OpGet:
		return s.get(req.NodeID), nil
	case OpLookup:
		token := req.Token
		if req.Key != "" {
			token = ring.HashString(req.Key)
		}
		return s.lookup(token), nil
	case OpNodes:
		return s.nodes(), nil
	case OpTokens:
		return s.tokens(), nil
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Op)
	}
}

// get returns metadata of a member currently on the ring. Departed and dead
// entries are kept only as tombstones and are not reported.
func (s *Service) get(id ring.NodeID) *Response {
	n, ok := s.dir.Get(id)
	if !ok || !n.Health.InRing() {
		return &Response{}
	}
	return &Response{Found: true, NodeID: n.ID, Metadata: n.Metadata}
}

func (s *Service) lookup(token ring.Token) *Response {
	id, ok := s.dir.Lookup(token)
	if !ok {
		return &Response{}
	}
	resp := &Response{Found: true, NodeID: id}
	if n, ok := s.dir.Get(id); ok {
		resp.Metadata = n.Metadata
	}
	return resp
}

func (s *Service) nodes() *Response {
	members := s.dir.Members()
	resp := &Response{Found: len(members) > 0, Nodes: make([]NodeInfo, 0, len(members))}
	for _, n := range members {
		resp.Nodes = append(resp.Nodes, NodeInfo{ID: n.ID, Metadata: n.Metadata})
	}
	return resp
}

func (s *Service) tokens() *Response {
	entries := s.dir.Entries()
	resp := &Response{Found: len(entries) > 0, Tokens: make([]TokenEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Tokens = append(resp.Tokens, TokenEntry{Token: e.Token, NodeID: e.Node})
	}
	return resp
}
