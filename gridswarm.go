// Package gridswarm is a cluster membership and request routing core.
//
// Members own positions (tokens) on a 64-bit consistent-hash ring, discover each
// other through push-pull gossip, detect failures by suspicion with a timeout,
// and answer "who owns this key" from their local view. Requests arriving on the
// RPC port are dispatched to a pluggable Service by a bounded worker pool; the
// default Service is a DHT query service over the member's node table.
//
// Example:
//
//	swarm, err := gridswarm.New(gridswarm.Options{
//	    NodeID:       1,
//	    BindAddr:     "10.0.1.10:7946",
//	    Seed:         "10.0.1.11:7946", // empty on the first member
//	    VirtualNodes: 64,
//	    RPC:          gridswarm.RPCOptions{BindAddr: "10.0.1.10:9000"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := swarm.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer swarm.Stop()
//
//	owner, ok := swarm.LookupKey("session:user-12345")
//
// Thread-safety: all methods are safe for concurrent use.
package gridswarm

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/feellmoose/gridswarm/internal/dht"
	"github.com/feellmoose/gridswarm/internal/gossip"
	"github.com/feellmoose/gridswarm/internal/membership"
	"github.com/feellmoose/gridswarm/internal/ring"
	"github.com/feellmoose/gridswarm/internal/transport"
	"github.com/feellmoose/gridswarm/internal/utils/logging"
)

// State is the lifecycle state of a Swarm.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Health is a member's liveness as seen locally.
type Health = membership.Health

const (
	Alive   = membership.Alive
	Suspect = membership.Suspect
	Dead    = membership.Dead
	Left    = membership.Left
)

// Member is a read-only view of one node table entry.
type Member struct {
	ID          uint32
	Addr        string
	Health      Health
	Incarnation uint64
	Tokens      []uint64
	Metadata    map[string]string
}

// TransportMetrics is a snapshot of the RPC server counters.
type TransportMetrics = transport.MetricsSnapshot

// Swarm is the lifecycle controller of one member:
//
//	Created -> Starting -> Running -> Stopping -> Stopped -> Starting ...
//
// The node table outlives Stop, so a restarted member rejoins with an
// incarnation above its own Left entry. The gossip engine and RPC server are
// created anew on every Start.
type Swarm struct {
	opts   Options
	tokens []ring.Token
	table  *membership.Table

	mu     sync.Mutex // serialises Start and Stop
	state  atomic.Int32
	engine *gossip.Engine
	server *transport.WorkerPoolServer
}

// New validates opts and creates a Swarm in state Created. opts is copied.
func New(opts Options) (*Swarm, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	opts.Tokens = append([]uint64(nil), opts.Tokens...)
	opts.Metadata = maps.Clone(opts.Metadata)

	if opts.Log != nil {
		logging.Log = logging.NewLogger(opts.Log)
	}

	id := ring.NodeID(opts.NodeID)
	tokens := make([]ring.Token, 0, len(opts.Tokens))
	for _, t := range opts.Tokens {
		tokens = append(tokens, ring.Token(t))
	}
	if len(tokens) == 0 {
		tokens = ring.VirtualTokens(id, opts.VirtualNodes)
	}

	s := &Swarm{
		opts:   opts,
		tokens: tokens,
		table:  membership.NewTable(id),
	}
	if s.opts.Service == nil {
		s.opts.Service = dht.NewService(s.table)
	}
	s.state.Store(int32(StateCreated))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Swarm) State() State {
	return State(s.state.Load())
}

func (s *Swarm) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	logging.Debug("Swarm state changed", "node", s.opts.NodeID, "from", prev.String(), "to", st.String())
}

// Start binds the gossip address, bootstraps from the seed, joins the ring, and
// launches gossip and the RPC server, in that order. On failure whatever was
// started is rolled back and the Swarm is left Stopped.
func (s *Swarm) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateCreated && st != StateStopped {
		return fmt.Errorf("%w: cannot start in state %s", ErrInvalidState, st)
	}
	s.setState(StateStarting)

	if err := s.start(); err != nil {
		s.setState(StateStopped)
		logging.Error(err, "Swarm start failed", "node", s.opts.NodeID)
		return err
	}
	s.setState(StateRunning)
	logging.Info("Swarm running", "node", s.opts.NodeID,
		"gossip", s.engine.Addr(), "rpc", s.server.Addr().String(), "tokens", len(s.tokens))
	return nil
}

func (s *Swarm) start() (err error) {
	engine, err := gossip.NewEngine(gossip.Options{
		LocalID:          ring.NodeID(s.opts.NodeID),
		AdvertiseAddr:    s.opts.AdvertiseAddr,
		Seed:             s.opts.Seed,
		Interval:         s.opts.GossipInterval,
		SuspectTimeout:   s.opts.SuspectTimeout,
		Fanout:           s.opts.Fanout,
		BootstrapTimeout: s.opts.BootstrapTimeout,
		SendTimeout:      s.opts.SendTimeout,
		Network: gossip.NetworkOptions{
			Transport:   s.opts.Network.Transport,
			BindAddr:    s.opts.BindAddr,
			MaxIdle:     s.opts.Network.MaxIdle,
			MaxConns:    s.opts.Network.MaxConns,
			IdleTimeout: s.opts.Network.IdleTimeout,
		},
	}, s.table)
	if err != nil {
		return fmt.Errorf("bind gossip: %w", err)
	}

	joined := false
	defer func() {
		if err == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
		defer cancel()
		err = multierr.Append(err, engine.Stop(ctx))
		if joined {
			if d, ok := s.table.Leave(); ok {
				engine.Farewell(ctx, d)
			}
		}
		err = multierr.Append(err, engine.Close())
	}()

	metadata := s.metadata()
	self := membership.Delta{
		NodeID:      ring.NodeID(s.opts.NodeID),
		Addr:        engine.Addr(),
		Incarnation: s.table.NextIncarnation(),
		Health:      membership.Alive,
		Tokens:      s.tokens,
		Metadata:    metadata,
	}
	if err := engine.Bootstrap(context.Background(), self); err != nil {
		return err
	}

	if _, err := s.table.Join(engine.Addr(), s.tokens, metadata); err != nil {
		return fmt.Errorf("join ring: %w", err)
	}
	joined = true

	engine.Start()

	server := transport.NewWorkerPoolServer(s.opts.RPC.PoolOptions)
	if err := server.Serve(s.opts.RPC.BindAddr, s.opts.Service); err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}

	s.engine, s.server = engine, server
	return nil
}

func (s *Swarm) metadata() map[string]string {
	md := maps.Clone(s.opts.Metadata)
	if md == nil {
		md = make(map[string]string)
	}
	if _, ok := md["rpc_addr"]; !ok {
		if addr, ok := s.opts.rpcAdvertise(); ok {
			md["rpc_addr"] = addr
		}
	}
	return md
}

// Stop drains gossip and the RPC server in parallel for up to ShutdownGrace,
// abandoning whatever is left, then marks the local member Left, announces it
// best effort and moves to Stopped.
func (s *Swarm) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateRunning {
		return fmt.Errorf("%w: cannot stop in state %s", ErrInvalidState, st)
	}
	s.setState(StateStopping)

	engine, server := s.engine, s.server
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return engine.Stop(ctx) })
	g.Go(func() error {
		server.Shutdown(s.opts.ShutdownGrace)
		return nil
	})
	if err := g.Wait(); err != nil {
		logging.Warn("Drain incomplete, abandoning remaining work", "node", s.opts.NodeID, "err", err)
	}

	if d, ok := s.table.Leave(); ok {
		farewellCtx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
		engine.Farewell(farewellCtx, d)
		cancel()
	}
	err := engine.Close()

	s.engine, s.server = nil, nil
	s.setState(StateStopped)
	logging.Info("Swarm stopped", "node", s.opts.NodeID)
	return err
}

// Lookup returns the member owning token.
func (s *Swarm) Lookup(token uint64) (uint32, bool) {
	id, ok := s.table.Lookup(ring.Token(token))
	return uint32(id), ok
}

// LookupKey hashes key onto the ring and returns its owner.
func (s *Swarm) LookupKey(key string) (uint32, bool) {
	return s.Lookup(uint64(ring.HashString(key)))
}

// LookupN returns up to n distinct owners clockwise from token, for replica placement.
func (s *Swarm) LookupN(token uint64, n int) []uint32 {
	ids := s.table.LookupN(ring.Token(token), n)
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out
}

// OwnerMetadata returns the metadata of a known member.
func (s *Swarm) OwnerMetadata(id uint32) (map[string]string, bool) {
	return s.table.OwnerMetadata(ring.NodeID(id))
}

// Members returns every known member, departed ones included, in id order.
func (s *Swarm) Members() []Member {
	nodes := s.table.Nodes()
	out := make([]Member, 0, len(nodes))
	for _, n := range nodes {
		m := Member{
			ID:          uint32(n.ID),
			Addr:        n.Addr,
			Health:      n.Health,
			Incarnation: n.Incarnation,
			Tokens:      make([]uint64, len(n.Tokens)),
			Metadata:    n.Metadata,
		}
		for i, t := range n.Tokens {
			m.Tokens[i] = uint64(t)
		}
		out = append(out, m)
	}
	return out
}

// GossipAddr is the advertised gossip address, empty unless running.
func (s *Swarm) GossipAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return ""
	}
	return s.engine.Addr()
}

// RPCAddr is the bound RPC address, empty unless running.
func (s *Swarm) RPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return ""
	}
	if addr := s.server.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// TransportMetrics returns the RPC server counters, zero unless running.
func (s *Swarm) TransportMetrics() TransportMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return TransportMetrics{}
	}
	return s.server.Metrics()
}
