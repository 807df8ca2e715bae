package gridswarm

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feellmoose/gridswarm/internal/dht"
	"github.com/feellmoose/gridswarm/internal/transport"
)

const (
	settle = 5 * time.Second
	tick   = 10 * time.Millisecond
)

func testOptions(id uint32, seed string) Options {
	return Options{
		NodeID:           id,
		BindAddr:         "127.0.0.1:0",
		Seed:             seed,
		Tokens:           []uint64{uint64(id) * 1000},
		GossipInterval:   20 * time.Millisecond,
		SuspectTimeout:   300 * time.Millisecond,
		BootstrapTimeout: time.Second,
		SendTimeout:      200 * time.Millisecond,
		ShutdownGrace:    time.Second,
		RPC:              RPCOptions{BindAddr: "127.0.0.1:0"},
	}
}

func newSwarm(t *testing.T, opts Options) *Swarm {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.State() == StateRunning {
			_ = s.Stop()
		}
	})
	return s
}

func startSwarm(t *testing.T, opts Options) *Swarm {
	t.Helper()
	s := newSwarm(t, opts)
	require.NoError(t, s.Start())
	return s
}

func memberHealth(s *Swarm, id uint32) (Health, bool) {
	for _, m := range s.Members() {
		if m.ID == id {
			return m.Health, true
		}
	}
	return 0, false
}

func TestStopBeforeStartIsInvalid(t *testing.T) {
	s := newSwarm(t, testOptions(1, ""))
	require.ErrorIs(t, s.Stop(), ErrInvalidState)
	require.Equal(t, StateCreated, s.State())
}

func TestStartTwiceIsInvalid(t *testing.T) {
	s := startSwarm(t, testOptions(1, ""))
	require.Equal(t, StateRunning, s.State())
	require.ErrorIs(t, s.Start(), ErrInvalidState)
	require.Equal(t, StateRunning, s.State())
}

func TestRestart(t *testing.T) {
	s := newSwarm(t, testOptions(1, ""))

	require.NoError(t, s.Start())
	require.NotEmpty(t, s.GossipAddr())
	require.NotEmpty(t, s.RPCAddr())
	require.NoError(t, s.Stop())
	require.Equal(t, StateStopped, s.State())
	require.ErrorIs(t, s.Stop(), ErrInvalidState)
	require.Empty(t, s.GossipAddr())

	h, ok := memberHealth(s, 1)
	require.True(t, ok)
	require.Equal(t, Left, h)
	_, owned := s.Lookup(1000)
	require.False(t, owned)

	require.NoError(t, s.Start())
	members := s.Members()
	require.Len(t, members, 1)
	require.Equal(t, Alive, members[0].Health)
	require.EqualValues(t, 1, members[0].Incarnation)

	owner, ok := s.Lookup(1000)
	require.True(t, ok)
	require.EqualValues(t, 1, owner)
	require.NoError(t, s.Stop())
}

func TestUnreachableSeedFailsStart(t *testing.T) {
	opts := testOptions(2, "127.0.0.1:1")
	s := newSwarm(t, opts)

	err := s.Start()
	require.ErrorIs(t, err, ErrBootstrapFailure)
	require.Equal(t, StateStopped, s.State())
	require.Empty(t, s.Members(), "failed start must not insert the local node")
}

func TestTokenCollisionFailsStart(t *testing.T) {
	a := startSwarm(t, testOptions(1, ""))

	opts := testOptions(2, a.GossipAddr())
	opts.Tokens = []uint64{1000}
	b := newSwarm(t, opts)

	err := b.Start()
	require.ErrorIs(t, err, ErrBootstrapFailure)
	require.ErrorIs(t, err, ErrTokenCollision)
	require.Equal(t, StateStopped, b.State())
}

func TestRPCBindFailureRollsBack(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	opts := testOptions(1, "")
	opts.RPC.BindAddr = taken.Addr().String()
	s := newSwarm(t, opts)

	err = s.Start()
	require.ErrorContains(t, err, "start rpc server")
	require.Equal(t, StateStopped, s.State())
	require.Empty(t, s.GossipAddr())

	// The local node had joined before the RPC step and is withdrawn again.
	h, ok := memberHealth(s, 1)
	require.True(t, ok)
	require.Equal(t, Left, h)
	_, owned := s.Lookup(1000)
	require.False(t, owned)

	require.NoError(t, taken.Close())
	require.NoError(t, s.Start())
	h, _ = memberHealth(s, 1)
	require.Equal(t, Alive, h)
	owner, ok := s.Lookup(1000)
	require.True(t, ok)
	require.EqualValues(t, 1, owner)
}

func TestTwoMemberSwarm(t *testing.T) {
	a := startSwarm(t, testOptions(1, ""))
	b := startSwarm(t, testOptions(2, a.GossipAddr()))

	require.Eventually(t, func() bool {
		h, ok := memberHealth(a, 2)
		return ok && h == Alive
	}, settle, tick)

	owner, ok := a.Lookup(1500)
	require.True(t, ok)
	require.EqualValues(t, 2, owner)
	require.Equal(t, []uint32{2, 1}, a.LookupN(1500, 5))

	rpc, err := transport.NewClient(transport.ClientOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer rpc.Close()
	client := dht.NewClient(rpc)

	nodes, err := client.Nodes(context.Background(), b.RPCAddr())
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	want, ok := b.LookupKey("session:user-12345")
	require.True(t, ok)
	got, _, found, err := client.LookupKey(context.Background(), b.RPCAddr(), "session:user-12345")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, want, got)
	require.Eventually(t, func() bool { return b.TransportMetrics().FramesHandled >= 2 }, settle, tick)

	// A graceful stop is announced and the ring shrinks back.
	require.NoError(t, b.Stop())
	require.Eventually(t, func() bool {
		h, ok := memberHealth(a, 2)
		return ok && h == Left
	}, settle, tick)
	owner, ok = a.Lookup(1500)
	require.True(t, ok)
	require.EqualValues(t, 1, owner)

	// The restarted member supersedes its own Left entry.
	require.NoError(t, b.Start())
	require.Eventually(t, func() bool {
		h, ok := memberHealth(a, 2)
		return ok && h == Alive
	}, settle, tick)
}

func TestCustomService(t *testing.T) {
	opts := testOptions(1, "")
	opts.Service = ServiceFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return append([]byte("hello "), req...), nil
	})
	s := startSwarm(t, opts)

	rpc, err := transport.NewClient(transport.ClientOptions{})
	require.NoError(t, err)
	defer rpc.Close()

	resp, err := rpc.Call(context.Background(), s.RPCAddr(), []byte("swarm"))
	require.NoError(t, err)
	require.Equal(t, "hello swarm", string(resp))
}

func TestRPCAddrMetadata(t *testing.T) {
	opts := testOptions(1, "")
	opts.RPC.BindAddr = "127.0.0.1:9100"
	s := newSwarm(t, opts)
	require.Equal(t, "127.0.0.1:9100", s.metadata()["rpc_addr"])

	opts.Metadata = map[string]string{"rpc_addr": "rpc.example:9000"}
	s = newSwarm(t, opts)
	require.Equal(t, "rpc.example:9000", s.metadata()["rpc_addr"])

	s = newSwarm(t, testOptions(1, ""))
	_, ok := s.metadata()["rpc_addr"]
	require.False(t, ok, "an ephemeral port is not advertised")
}
