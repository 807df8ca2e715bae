package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/feellmoose/gridswarm/internal/membership"
	"github.com/feellmoose/gridswarm/internal/ring"
	"github.com/feellmoose/gridswarm/internal/transport"
)

// newDirectory returns a table where 1 is local and owns token 0, 2 owns
// 1<<62 and 3 has left.
func newDirectory(t *testing.T) *membership.Table {
	t.Helper()
	tbl := membership.NewTable(1)
	_, err := tbl.Join("127.0.0.1:7001", []ring.Token{0}, map[string]string{"rpc_addr": "127.0.0.1:9001"})
	require.NoError(t, err)

	_, err = tbl.Apply(membership.Delta{
		NodeID: 2, Addr: "127.0.0.1:7002", Health: membership.Alive,
		Tokens: []ring.Token{1 << 62}, Metadata: map[string]string{"rpc_addr": "127.0.0.1:9002"},
	})
	require.NoError(t, err)
	_, err = tbl.Apply(membership.Delta{NodeID: 3, Incarnation: 4, Health: membership.Left})
	require.NoError(t, err)
	return tbl
}

func TestQuery(t *testing.T) {
	svc := NewService(newDirectory(t))

	resp, err := svc.Query(Request{Op: OpGet, NodeID: 2})
	require.NoError(t, err)
	require.True(t, resp.Found)
	require.Equal(t, "127.0.0.1:9002", resp.Metadata["rpc_addr"])

	resp, err = svc.Query(Request{Op: OpGet, NodeID: 3})
	require.NoError(t, err)
	require.False(t, resp.Found, "departed members are not reported")

	resp, err = svc.Query(Request{Op: OpLookup, Token: 5})
	require.NoError(t, err)
	require.True(t, resp.Found)
	require.Equal(t, ring.NodeID(2), resp.NodeID)

	// Past the largest token the ring wraps to the first owner.
	resp, err = svc.Query(Request{Op: OpLookup, Token: 1<<62 + 1})
	require.NoError(t, err)
	require.Equal(t, ring.NodeID(1), resp.NodeID)

	key := "user:42"
	want, _ := newDirectory(t).Lookup(ring.HashString(key))
	resp, err = svc.Query(Request{Op: OpLookup, Key: key})
	require.NoError(t, err)
	require.Equal(t, want, resp.NodeID)

	resp, err = svc.Query(Request{Op: OpNodes})
	require.NoError(t, err)
	require.Equal(t, []NodeInfo{
		{ID: 1, Metadata: map[string]string{"rpc_addr": "127.0.0.1:9001"}},
		{ID: 2, Metadata: map[string]string{"rpc_addr": "127.0.0.1:9002"}},
	}, resp.Nodes)

	resp, err = svc.Query(Request{Op: OpTokens})
	require.NoError(t, err)
	require.Equal(t, []TokenEntry{{Token: 0, NodeID: 1}, {Token: 1 << 62, NodeID: 2}}, resp.Tokens)

	_, err = svc.Query(Request{Op: "put"})
	require.Error(t, err)
}

func TestLookupOnEmptyRing(t *testing.T) {
	svc := NewService(membership.NewTable(1))
	resp, err := svc.Query(Request{Op: OpLookup, Token: 7})
	require.NoError(t, err)
	require.False(t, resp.Found)
}

func TestHandleRejectsBadPayload(t *testing.T) {
	svc := NewService(newDirectory(t))
	_, err := svc.Handle(context.Background(), []byte{0xc1})
	require.Error(t, err)

	payload, err := msgpack.Marshal(&Request{Op: OpGet, NodeID: 1})
	require.NoError(t, err)
	raw, err := svc.Handle(context.Background(), payload)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, msgpack.Unmarshal(raw, &resp))
	require.True(t, resp.Found)
}

func TestClientOverTransport(t *testing.T) {
	srv := transport.NewWorkerPoolServer(transport.PoolOptions{Workers: 2, QueueCapacity: 4})
	require.NoError(t, srv.Serve("127.0.0.1:0", NewService(newDirectory(t))))
	t.Cleanup(func() { srv.Shutdown(time.Second) })

	rpc, err := transport.NewClient(transport.ClientOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rpc.Close() })

	client := NewClient(rpc)
	addr := srv.Addr().String()
	ctx := context.Background()

	meta, found, err := client.Get(ctx, addr, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "127.0.0.1:9001", meta["rpc_addr"])

	owner, meta, found, err := client.Lookup(ctx, addr, 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ring.NodeID(2), owner)
	require.Equal(t, "127.0.0.1:9002", meta["rpc_addr"])

	_, _, found, err = client.LookupKey(ctx, addr, "user:42")
	require.NoError(t, err)
	require.True(t, found)

	nodes, err := client.Nodes(ctx, addr)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	tokens, err := client.Tokens(ctx, addr)
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	// An unknown operation is a service error, not a broken connection.
	_, err = client.call(ctx, addr, Request{Op: "put"})
	var svcErr *transport.ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Contains(t, svcErr.Message, "unknown operation")
}
