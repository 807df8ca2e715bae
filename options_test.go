package gridswarm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feellmoose/gridswarm/internal/transport"
)

func TestValidate(t *testing.T) {
	valid := func() Options {
		return Options{
			BindAddr:     "127.0.0.1:7946",
			VirtualNodes: 4,
			RPC:          RPCOptions{BindAddr: "127.0.0.1:9000"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Options)
		errMsg string
	}{
		{"valid", func(*Options) {}, ""},
		{"explicit tokens", func(o *Options) { o.VirtualNodes = 0; o.Tokens = []uint64{0} }, ""},
		{"missing bind addr", func(o *Options) { o.BindAddr = "" }, "BindAddr is required"},
		{"missing rpc addr", func(o *Options) { o.RPC.BindAddr = "" }, "RPC.BindAddr is required"},
		{"no tokens", func(o *Options) { o.VirtualNodes = 0 }, "token set is required"},
		{"negative timeout", func(o *Options) { o.SuspectTimeout = -time.Second }, "SuspectTimeout must not be negative"},
		{"negative fanout", func(o *Options) { o.Fanout = -1 }, "Fanout"},
		{"negative workers", func(o *Options) { o.RPC.Workers = -1 }, "RPC.Workers"},
		{"no queue", func(o *Options) { o.RPC.QueueCapacity = -1 }, ""},
		{"invalid queue", func(o *Options) { o.RPC.QueueCapacity = -2 }, "RPC.QueueCapacity"},
		{"unknown transport", func(o *Options) { o.Network.Transport = "quic" }, "unknown network transport"},
		{"gnet transport", func(o *Options) { o.Network.Transport = "gnet" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestNewAppliesDefaultsAndCopies(t *testing.T) {
	opts := Options{
		BindAddr: "127.0.0.1:0",
		Tokens:   []uint64{10, 20},
		Metadata: map[string]string{"zone": "eu-1"},
		RPC:      RPCOptions{BindAddr: "127.0.0.1:0"},
	}
	s, err := New(opts)
	require.NoError(t, err)

	opts.Tokens[0] = 99
	opts.Metadata["zone"] = "us-1"
	require.EqualValues(t, 10, s.tokens[0])
	require.Equal(t, "eu-1", s.opts.Metadata["zone"])

	require.Equal(t, 200*time.Millisecond, s.opts.GossipInterval)
	require.Equal(t, 2*time.Second, s.opts.SuspectTimeout)
	require.Equal(t, 3, s.opts.Fanout)
	require.Equal(t, 5*time.Second, s.opts.ShutdownGrace)
	require.Equal(t, "tcp", s.opts.Network.Transport)
	require.Equal(t, 4, s.opts.RPC.Workers)
	require.Equal(t, 64, s.opts.RPC.QueueCapacity)
	require.NotNil(t, s.opts.Service)
	require.Equal(t, StateCreated, s.State())

	_, err = New(Options{})
	require.Error(t, err)
}

func TestNoQueueSurvivesDefaults(t *testing.T) {
	s, err := New(Options{
		BindAddr:     "127.0.0.1:0",
		VirtualNodes: 4,
		RPC: RPCOptions{
			BindAddr:    "127.0.0.1:0",
			PoolOptions: transport.PoolOptions{QueueCapacity: transport.NoQueue},
		},
	})
	require.NoError(t, err)
	require.Equal(t, transport.NoQueue, s.opts.RPC.QueueCapacity)
}

func TestVirtualNodesDeriveTokens(t *testing.T) {
	s, err := New(Options{
		NodeID:       3,
		BindAddr:     "127.0.0.1:0",
		VirtualNodes: 8,
		RPC:          RPCOptions{BindAddr: "127.0.0.1:0"},
	})
	require.NoError(t, err)
	require.Len(t, s.tokens, 8)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: 7
bind_addr: 127.0.0.1:7946
seed: 127.0.0.1:7947
virtual_nodes: 16
metadata:
  zone: eu-1
gossip_interval: 100ms
network:
  transport: gnet
rpc:
  bind_addr: 127.0.0.1:9000
  workers: 8
  queue_capacity: 16
log:
  level: debug
  format: json
`), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	require.EqualValues(t, 7, opts.NodeID)
	require.Equal(t, "127.0.0.1:7947", opts.Seed)
	require.Equal(t, 16, opts.VirtualNodes)
	require.Equal(t, "eu-1", opts.Metadata["zone"])
	require.Equal(t, 100*time.Millisecond, opts.GossipInterval)
	require.Equal(t, "gnet", opts.Network.Transport)
	require.Equal(t, "127.0.0.1:9000", opts.RPC.BindAddr)
	require.Equal(t, 8, opts.RPC.Workers)
	require.Equal(t, 16, opts.RPC.QueueCapacity)
	require.Equal(t, "debug", opts.Log.Level)

	// Unset fields keep their defaults.
	require.Equal(t, 2*time.Second, opts.SuspectTimeout)
	require.Equal(t, 30*time.Second, opts.RPC.ReadTimeout)
	require.Equal(t, 8, opts.Network.MaxIdle)
}

func TestLoadOptionsErrors(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr: 127.0.0.1:7946\nvirtual_nodes: 4\n"), 0o600))
	_, err = LoadOptions(path)
	require.ErrorContains(t, err, "RPC.BindAddr is required")

	require.NoError(t, os.WriteFile(path, []byte("gossip_interval: soon\n"), 0o600))
	_, err = LoadOptions(path)
	require.ErrorContains(t, err, "parse config")
}
