package gridswarm

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/feellmoose/gridswarm/internal/transport"
	"github.com/feellmoose/gridswarm/internal/utils/logging"
)

// Options configures a Swarm member. Zero values take the defaults listed per field.
type Options struct {
	// NodeID identifies the member. Unique per cluster by convention; not enforced.
	NodeID uint32 `yaml:"node_id"`

	// BindAddr is the gossip listen address (e.g. "0.0.0.0:7946"). Required.
	BindAddr string `yaml:"bind_addr"`
	// AdvertiseAddr is the gossip address peers dial. Default: the bound address.
	AdvertiseAddr string `yaml:"advertise_addr"`
	// Seed is the gossip address of an existing member. Empty founds a new swarm.
	Seed string `yaml:"seed"`

	// Tokens are the ring positions this member owns. When empty, VirtualNodes
	// tokens are derived from NodeID instead. One of the two is required.
	Tokens       []uint64 `yaml:"tokens"`
	VirtualNodes int      `yaml:"virtual_nodes"`

	// Metadata is free-form and gossiped with the member, e.g. "rpc_addr".
	// "rpc_addr" is filled from RPC.BindAddr when unset and the port is fixed.
	Metadata map[string]string `yaml:"metadata"`

	GossipInterval   time.Duration `yaml:"gossip_interval"`   // default 200ms
	SuspectTimeout   time.Duration `yaml:"suspect_timeout"`   // default 2s
	Fanout           int           `yaml:"fanout"`            // peers per round, default 3
	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"` // default 3s
	SendTimeout      time.Duration `yaml:"send_timeout"`      // per gossip message, default 1s
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`    // drain bound for Stop, default 5s

	Network NetworkOptions `yaml:"network"`
	RPC     RPCOptions     `yaml:"rpc"`

	// Service answers RPC requests. Default: the DHT query service over this
	// member's node table.
	Service Service `yaml:"-"`

	// Log replaces the package logger when set.
	Log *logging.LogOptions `yaml:"log"`
}

// NetworkOptions configures the gossip transport.
type NetworkOptions struct {
	// Transport is a registered transport name: "tcp" (default) or "gnet".
	Transport   string        `yaml:"transport"`
	MaxIdle     int           `yaml:"max_idle"`     // idle connections per peer, default 8
	MaxConns    int           `yaml:"max_conns"`    // connections per peer, default 32
	IdleTimeout time.Duration `yaml:"idle_timeout"` // default 60s
}

// RPCOptions configures the worker-pool server.
type RPCOptions struct {
	// BindAddr is the RPC listen address. Required.
	BindAddr string `yaml:"bind_addr"`

	// Workers default to 4, QueueCapacity to 64, ReadTimeout to 30s.
	// QueueCapacity -1 (transport.NoQueue) configures a server without a queue.
	transport.PoolOptions `yaml:",inline"`
}

// DefaultOptions returns Options with every default filled in and no addresses.
func DefaultOptions() Options {
	o := Options{}
	o.applyDefaults()
	return o
}

func (o *Options) applyDefaults() {
	if o.GossipInterval == 0 {
		o.GossipInterval = 200 * time.Millisecond
	}
	if o.SuspectTimeout == 0 {
		o.SuspectTimeout = 2 * time.Second
	}
	if o.Fanout == 0 {
		o.Fanout = 3
	}
	if o.BootstrapTimeout == 0 {
		o.BootstrapTimeout = 3 * time.Second
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = time.Second
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = 5 * time.Second
	}
	if o.Network.Transport == "" {
		o.Network.Transport = "tcp"
	}
	if o.Network.MaxIdle == 0 {
		o.Network.MaxIdle = 8
	}
	if o.Network.MaxConns == 0 {
		o.Network.MaxConns = 32
	}
	if o.Network.IdleTimeout == 0 {
		o.Network.IdleTimeout = 60 * time.Second
	}
	if o.RPC.Workers == 0 {
		o.RPC.Workers = 4
	}
	if o.RPC.QueueCapacity == 0 {
		o.RPC.QueueCapacity = 64
	}
	if o.RPC.ReadTimeout == 0 {
		o.RPC.ReadTimeout = 30 * time.Second
	}
}

// Validate reports the first invalid field. It does not apply defaults.
func (o *Options) Validate() error {
	if o.BindAddr == "" {
		return errors.New("BindAddr is required")
	}
	if o.RPC.BindAddr == "" {
		return errors.New("RPC.BindAddr is required")
	}
	if len(o.Tokens) == 0 && o.VirtualNodes <= 0 {
		return errors.New("a non-empty token set is required: set Tokens or VirtualNodes")
	}
	for name, d := range map[string]time.Duration{
		"GossipInterval":   o.GossipInterval,
		"SuspectTimeout":   o.SuspectTimeout,
		"BootstrapTimeout": o.BootstrapTimeout,
		"SendTimeout":      o.SendTimeout,
		"ShutdownGrace":    o.ShutdownGrace,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if o.Fanout < 0 {
		return errors.New("Fanout must not be negative")
	}
	if o.RPC.Workers < 0 {
		return errors.New("RPC.Workers must not be negative")
	}
	if o.RPC.QueueCapacity < transport.NoQueue {
		return errors.New("RPC.QueueCapacity must be -1 (no queue), 0 (default) or positive")
	}
	if t := o.Network.Transport; t != "" && !slices.Contains(transport.ListAvailableTransports(), t) {
		return fmt.Errorf("unknown network transport %q, available: %v", t, transport.ListAvailableTransports())
	}
	return nil
}

// rpcAdvertise returns the RPC bind address when it names a fixed port.
func (o *Options) rpcAdvertise() (string, bool) {
	_, port, err := net.SplitHostPort(o.RPC.BindAddr)
	if err != nil || port == "" || port == "0" {
		return "", false
	}
	return o.RPC.BindAddr, true
}

// LoadOptions reads YAML options from path on top of the defaults. Durations are
// Go duration strings such as "200ms".
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read config: %w", err)
	}
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return opts, nil
}
