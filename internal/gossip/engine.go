package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/feellmoose/gridswarm/internal/membership"
	"github.com/feellmoose/gridswarm/internal/ring"
	"github.com/feellmoose/gridswarm/internal/utils/logging"
	"github.com/feellmoose/gridswarm/internal/utils/opid"
)

// ErrBootstrapFailure is returned when the seed cannot be reached or refuses the join.
var ErrBootstrapFailure = errors.New("bootstrap failure")

// Options contains configuration for the Engine.
type Options struct {
	LocalID       ring.NodeID
	AdvertiseAddr string // address peers dial; defaults to the bound listener address
	Seed          string // gossip address of an existing member, empty to found a cluster

	Interval         time.Duration // time between gossip rounds
	SuspectTimeout   time.Duration // time a member stays Suspect before it is declared Dead
	Fanout           int           // peers contacted per round
	BootstrapTimeout time.Duration // wait for the seed's JOIN_ACK
	SendTimeout      time.Duration // per outbound message
	SendWorkers      int           // concurrent outbound sends, default 16
	InboxSize        int           // buffered inbound SYNC messages, default 256

	Network NetworkOptions
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}
	if o.SuspectTimeout <= 0 {
		o.SuspectTimeout = 2 * time.Second
	}
	if o.Fanout <= 0 {
		o.Fanout = 3
	}
	if o.BootstrapTimeout <= 0 {
		o.BootstrapTimeout = 3 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = time.Second
	}
	if o.SendWorkers <= 0 {
		o.SendWorkers = 16
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
}

// Engine spreads the node table between members by periodic push-pull gossip
// and detects failed peers.
//
// Inbound SYNC and SYNC_ACK messages are merged on the single process loop.
// JOIN handling and reply routing run on the receive path so a seed can admit
// members, and a joiner can bootstrap, before the loop is started.
type Engine struct {
	opts    Options
	table   *membership.Table
	network *Network
	addr    string

	inbox    chan *Message
	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup

	sendPool *ants.Pool
	opids    *opid.Generator
}

// NewEngine binds the gossip listener and starts receiving. Rounds begin with Start.
func NewEngine(opts Options, table *membership.Table) (*Engine, error) {
	if table == nil {
		return nil, errors.New("node table is required")
	}
	opts.applyDefaults()

	network, err := NewNetwork(opts.Network)
	if err != nil {
		return nil, err
	}

	sendPool, err := ants.NewPool(opts.SendWorkers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logging.Error(fmt.Errorf("panic in gossip send: %v", p), "gossip send panic recovered")
		}))
	if err != nil {
		_ = network.Stop()
		return nil, fmt.Errorf("create send pool: %w", err)
	}

	e := &Engine{
		opts:     opts,
		table:    table,
		network:  network,
		addr:     opts.AdvertiseAddr,
		inbox:    make(chan *Message, opts.InboxSize),
		stopCh:   make(chan struct{}),
		sendPool: sendPool,
		opids:    opid.NewGenerator(uint32(opts.LocalID)),
	}
	if e.addr == "" {
		e.addr = network.Addr().String()
	}

	if err := network.Listen(e.receive); err != nil {
		sendPool.Release()
		_ = network.Stop()
		return nil, fmt.Errorf("start gossip listener: %w", err)
	}
	logging.Info("Gossip listener started", "node", opts.LocalID, "addr", e.addr)
	return e, nil
}

// Addr is the gossip address this member advertises.
func (e *Engine) Addr() string {
	return e.addr
}

// Bootstrap asks the configured seed to admit self and merges the seed's snapshot.
//
// Without a seed, or when the seed is this member, there is nothing to do. A
// seed refusing the join because of a token collision yields an error matching
// both ErrBootstrapFailure and ring.ErrTokenCollision.
func (e *Engine) Bootstrap(ctx context.Context, self membership.Delta) error {
	seed := e.opts.Seed
	if seed == "" || seed == e.addr || seed == e.network.Addr().String() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.BootstrapTimeout)
	defer cancel()

	req := &Message{
		Type:              MsgJoin,
		Sender:            e.opts.LocalID,
		SenderAddr:        e.addr,
		SenderIncarnation: self.Incarnation,
		RequestID:         e.opids.Next(),
		Deltas:            []membership.Delta{self},
	}
	reply, err := e.network.Request(ctx, seed, req)
	if err != nil {
		return fmt.Errorf("%w: seed %s: %v", ErrBootstrapFailure, seed, err)
	}

	switch reply.RejectCode {
	case RejectNone:
	case RejectTokenCollision:
		return fmt.Errorf("%w: seed %s refused join: %w", ErrBootstrapFailure, seed, ring.ErrTokenCollision)
	default:
		return fmt.Errorf("%w: seed %s refused join: %s", ErrBootstrapFailure, seed, reply.RejectReason)
	}

	changed, _ := e.table.ApplyAll(reply.Deltas)
	logging.Info("Bootstrapped from seed", "node", e.opts.LocalID, "seed", seed,
		"members", len(reply.Deltas), "changed", changed)
	return nil
}

// Start launches the process loop. It is a no-op after the first call.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.processLoop()
	logging.Debug("Gossip engine started", "node", e.opts.LocalID)
}

// Stop ends the process loop, waiting at most until ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Debug("Gossip engine stopped", "node", e.opts.LocalID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gossip loop did not stop: %w", ctx.Err())
	}
}

// Farewell announces d, normally the local Left delta, to every known peer and
// waits for the sends until ctx is done. Delivery is best effort.
func (e *Engine) Farewell(ctx context.Context, d membership.Delta) {
	frame, err := Encode(&Message{
		Type:              MsgLeave,
		Sender:            e.opts.LocalID,
		SenderAddr:        e.addr,
		SenderIncarnation: d.Incarnation,
		Deltas:            []membership.Delta{d},
	})
	if err != nil {
		logging.Error(err, "encode farewell")
		return
	}

	var wg sync.WaitGroup
	for _, peer := range e.table.Peers() {
		wg.Add(1)
		err := e.sendPool.Submit(func() {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
			defer cancel()
			if err := e.network.SendFrame(sendCtx, peer.Addr, frame); err != nil {
				logging.Debug("Farewell not delivered", "peer", peer.ID, "addr", peer.Addr, "err", err)
			}
		})
		if err != nil {
			wg.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Close releases the send workers and closes the listener and all connections.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if err := e.sendPool.ReleaseTimeout(e.opts.SendTimeout); err != nil {
		logging.Debug("Gossip send pool release timed out", "err", err)
	}
	return e.network.Stop()
}

// receive runs on the transport's receive path for every decoded message.
func (e *Engine) receive(msg *Message) {
	switch msg.Type {
	case MsgJoinAck:
		if !e.network.Deliver(msg) {
			logging.Debug("Dropping unsolicited JOIN_ACK", "sender", msg.Sender, "request", msg.RequestID)
		}
	case MsgJoin:
		e.handleJoin(msg)
	default:
		select {
		case e.inbox <- msg:
		default:
			logging.Warn("Dropped gossip message: inbox full", "type", msg.Type.String(), "sender", msg.Sender)
		}
	}
}

// handleJoin admits the sender and answers with the full snapshot, or with a
// rejection when its announcement cannot be merged.
func (e *Engine) handleJoin(msg *Message) {
	reply := &Message{
		Type:       MsgJoinAck,
		Sender:     e.opts.LocalID,
		SenderAddr: e.addr,
		RequestID:  msg.RequestID,
	}

	for _, d := range msg.Deltas {
		res, err := e.table.Apply(d)
		if res.Refuted {
			logging.Info("Refuting membership claim about local node",
				"nodeID", e.opts.LocalID, "claimedHealth", res.Claimed.String(), "newIncarnation", res.Incarnation)
		}
		if err != nil {
			reply.RejectCode = RejectInvalid
			if errors.Is(err, ring.ErrTokenCollision) {
				reply.RejectCode = RejectTokenCollision
			}
			reply.RejectReason = err.Error()
			logging.Warn("Refused join", "node", msg.Sender, "addr", msg.SenderAddr, "err", err)
			break
		}
	}
	if reply.RejectCode == RejectNone {
		reply.Deltas, reply.Digest = e.table.Snapshot()
		logging.Info("Member joined through this seed", "node", msg.Sender, "addr", msg.SenderAddr)
	}
	e.sendAsync(msg.SenderAddr, reply, nil)
}

// processLoop is the main event loop that merges messages and runs periodic tasks.
func (e *Engine) processLoop() {
	defer e.wg.Done()

	gossipTick := time.NewTicker(e.opts.Interval)
	defer gossipTick.Stop()

	probeInterval := e.opts.SuspectTimeout / 4
	if probeInterval > e.opts.Interval {
		probeInterval = e.opts.Interval
	}
	if probeInterval < 10*time.Millisecond {
		probeInterval = 10 * time.Millisecond
	}
	failureTick := time.NewTicker(probeInterval)
	defer failureTick.Stop()

	for {
		select {
		case msg := <-e.inbox:
			e.safely("process message", func() { e.process(msg) })
		case <-gossipTick.C:
			e.safely("gossip round", e.gossipRound)
		case <-failureTick.C:
			e.safely("failure detection", e.detectFailures)
		case <-e.stopCh:
			return
		}
	}
}

// safely runs one step of the loop, recovering a panic so the loop survives it.
func (e *Engine) safely(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(fmt.Errorf("panic in %s: %v", step, r), "Gossip step panic recovered")
		}
	}()
	fn()
}

func (e *Engine) process(msg *Message) {
	changed, refuted := e.table.ApplyAll(msg.Deltas)
	if changed > 0 && logging.IsDebugEnabled() {
		logging.Debug("Merged gossip", "type", msg.Type.String(), "sender", msg.Sender,
			"changed", changed, "refuted", refuted)
	}

	if msg.Type != MsgSync || msg.SenderAddr == "" {
		return
	}
	snapshot, digest := e.table.Snapshot()
	if digest == msg.Digest {
		return
	}
	e.sendAsync(msg.SenderAddr, &Message{
		Type:              MsgSyncAck,
		Sender:            e.opts.LocalID,
		SenderAddr:        e.addr,
		SenderIncarnation: incarnationOf(snapshot, e.opts.LocalID),
		Digest:            digest,
		Deltas:            snapshot,
	}, nil)
}

// gossipRound pushes the local snapshot to up to Fanout random peers. With no
// known peers it falls back to the seed so a member can heal a lost join.
func (e *Engine) gossipRound() {
	snapshot, digest := e.table.Snapshot()
	frame, err := Encode(&Message{
		Type:              MsgSync,
		Sender:            e.opts.LocalID,
		SenderAddr:        e.addr,
		SenderIncarnation: incarnationOf(snapshot, e.opts.LocalID),
		Digest:            digest,
		Deltas:            snapshot,
	})
	if err != nil {
		logging.Error(err, "encode gossip snapshot")
		return
	}

	peers := e.table.Peers()
	if len(peers) == 0 {
		if seed := e.opts.Seed; seed != "" && seed != e.addr {
			e.sendFrameAsync(seed, frame, nil)
		}
		return
	}

	for _, peer := range pickPeers(peers, e.opts.Fanout) {
		e.sendFrameAsync(peer.Addr, frame, func() {
			if e.table.Suspect(peer.ID, peer.Incarnation) {
				logging.Info("Peer unreachable, marked suspect", "peer", peer.ID, "addr", peer.Addr)
			}
		})
	}
}

func (e *Engine) detectFailures() {
	for _, d := range e.table.ExpireSuspects(e.opts.SuspectTimeout) {
		logging.Warn("Suspect timed out, marked dead", "peer", d.NodeID, "incarnation", d.Incarnation)
	}
}

func (e *Engine) sendAsync(addr string, msg *Message, onFail func()) {
	frame, err := Encode(msg)
	if err != nil {
		logging.Error(err, "encode gossip message", "type", msg.Type.String())
		return
	}
	e.sendFrameAsync(addr, frame, onFail)
}

// sendFrameAsync writes frame to addr on the send pool. onFail, if set, runs when
// the write fails. Sends are dropped when the pool is saturated.
func (e *Engine) sendFrameAsync(addr string, frame []byte, onFail func()) {
	err := e.sendPool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.SendTimeout)
		defer cancel()
		if err := e.network.SendFrame(ctx, addr, frame); err != nil {
			logging.Debug("Gossip send failed", "addr", addr, "err", err)
			if onFail != nil {
				onFail()
			}
		}
	})
	if err != nil {
		logging.Debug("Gossip send dropped", "addr", addr, "err", err)
	}
}

// pickPeers returns k peers chosen uniformly at random, or all of them when k
// is not smaller than the population.
func pickPeers(peers []membership.Node, k int) []membership.Node {
	if k >= len(peers) {
		return peers
	}
	picked := make([]membership.Node, len(peers))
	copy(picked, peers)
	rand.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	return picked[:k]
}

func incarnationOf(snapshot []membership.Delta, id ring.NodeID) uint64 {
	for _, d := range snapshot {
		if d.NodeID == id {
			return d.Incarnation
		}
	}
	return 0
}
