package membership

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/feellmoose/gridswarm/internal/ring"
	"github.com/feellmoose/gridswarm/internal/utils/logging"
)

// ErrNoTokens is returned when a member announces itself without ring tokens.
var ErrNoTokens = errors.New("node has no tokens")

// Result describes what Apply did with a delta.
type Result struct {
	// Changed is true when the table state moved.
	Changed bool
	// Refuted is true when the delta claimed the local node was failing (or
	// carried a newer incarnation of it) and the local incarnation was bumped.
	Refuted bool
	// Claimed and Incarnation describe a refutation: the refuted health and the
	// new local incarnation.
	Claimed     Health
	Incarnation uint64
}

// Option configures a Table.
type Option func(*Table)

// WithClock replaces time.Now, mainly for tests of the suspect timeout.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// Table is the node table and ring as one structure behind a single RWMutex.
//
// Readers (routing queries) take the read lock, writers (gossip merges, local
// join and leave) take the write lock. No method performs I/O while holding it.
type Table struct {
	mu    sync.RWMutex
	local ring.NodeID
	nodes map[ring.NodeID]*Node
	ring  *ring.Ring
	now   func() time.Time

	// joined is false until Join inserts the local node, and again after Leave.
	joined bool
	// seenSelf is the newest claim about the local id observed while not joined.
	seenSelf *Delta
}

// NewTable creates an empty table for the member identified by local.
func NewTable(local ring.NodeID, opts ...Option) *Table {
	t := &Table{
		local: local,
		nodes: make(map[ring.NodeID]*Node),
		ring:  ring.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LocalID returns the id of the member that owns this table.
func (t *Table) LocalID() ring.NodeID {
	return t.local
}

// NextIncarnation returns the incarnation Join would announce the local node with,
// ignoring anything learned from peers in the meantime.
func (t *Table) NextIncarnation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextIncarnationLocked()
}

func (t *Table) nextIncarnationLocked() uint64 {
	if n, ok := t.nodes[t.local]; ok {
		return n.Incarnation + 1
	}
	return 0
}

// Join inserts the local node as Alive with the given endpoint, tokens and metadata.
//
// On a rejoin the incarnation is bumped past the previous run and past anything
// peers reported about this id, so the new entry supersedes an old Left or Dead.
// A token collision with an existing owner fails with ring.ErrTokenCollision.
func (t *Table) Join(addr string, tokens []ring.Token, metadata map[string]string) (Delta, error) {
	if len(tokens) == 0 {
		return Delta{}, ErrNoTokens
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.joined {
		return Delta{}, errors.New("local node already joined")
	}

	inc := t.nextIncarnationLocked()
	if s := t.seenSelf; s != nil {
		if s.Incarnation > inc || (s.Incarnation == inc && s.Health != Alive) {
			inc = s.Incarnation + 1
		}
	}

	if err := t.ring.InsertAll(t.local, tokens); err != nil {
		return Delta{}, err
	}

	n := &Node{
		ID:          t.local,
		Addr:        addr,
		Tokens:      slices.Clone(tokens),
		Metadata:    maps.Clone(metadata),
		Health:      Alive,
		Incarnation: inc,
		since:       t.now(),
	}
	t.nodes[t.local] = n
	t.joined = true
	t.seenSelf = nil
	return n.Delta(), nil
}

// Leave marks the local node Left, drops its tokens and returns the farewell delta.
func (t *Table) Leave() (Delta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[t.local]
	if !ok || !t.joined {
		return Delta{}, false
	}
	n.Health = Left
	n.since = t.now()
	t.ring.RemoveNode(t.local)
	t.joined = false
	return n.Delta(), true
}

// Apply merges one incoming delta.
//
// Deltas about the local node never overwrite it: a claim that it is failing, or
// a newer incarnation from an earlier run, is refuted by bumping the local
// incarnation above the claim. Adoptions that would put a token on the ring
// owned by another node are rejected with ring.ErrTokenCollision.
func (t *Table) Apply(d Delta) (Result, error) {
	if !d.Health.Valid() {
		return Result{}, fmt.Errorf("node %d: invalid health %d", d.NodeID, d.Health)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if d.NodeID == t.local {
		return t.applySelfLocked(d), nil
	}

	local, known := t.nodes[d.NodeID]
	if known && !Supersedes(d, *local) {
		return Result{}, nil
	}

	if !known {
		if len(d.Tokens) == 0 && d.Health.InRing() {
			return Result{}, fmt.Errorf("node %d: %w", d.NodeID, ErrNoTokens)
		}
		n := &Node{
			ID:          d.NodeID,
			Addr:        d.Addr,
			Tokens:      slices.Clone(d.Tokens),
			Metadata:    maps.Clone(d.Metadata),
			Health:      d.Health,
			Incarnation: d.Incarnation,
			since:       t.now(),
		}
		if n.Health.InRing() {
			if err := t.ring.InsertAll(n.ID, n.Tokens); err != nil {
				return Result{}, err
			}
		}
		t.nodes[n.ID] = n
		return Result{Changed: true}, nil
	}

	next := *local
	if d.Incarnation > local.Incarnation {
		next.Incarnation = d.Incarnation
		next.Addr = d.Addr
		next.Metadata = maps.Clone(d.Metadata)
		if len(d.Tokens) > 0 {
			next.Tokens = slices.Clone(d.Tokens)
		}
	}
	// A newer incarnation is a refutation, so any suspicion it carries starts over.
	if next.Health != d.Health || d.Incarnation > local.Incarnation {
		next.Health = d.Health
		next.since = t.now()
	}

	if err := t.syncRingLocked(local, &next); err != nil {
		return Result{}, err
	}
	*local = next
	return Result{Changed: true}, nil
}

// syncRingLocked moves the ring from prev's ownership to next's. On collision the
// ring is restored and the error returned.
func (t *Table) syncRingLocked(prev, next *Node) error {
	wasIn, isIn := prev.Health.InRing(), next.Health.InRing()
	sameTokens := slices.Equal(prev.Tokens, next.Tokens)

	switch {
	case !isIn:
		t.ring.RemoveNode(next.ID)
	case !wasIn || !sameTokens:
		t.ring.RemoveNode(next.ID)
		if err := t.ring.InsertAll(next.ID, next.Tokens); err != nil {
			if wasIn {
				_ = t.ring.InsertAll(prev.ID, prev.Tokens)
			}
			return err
		}
	}
	return nil
}

func (t *Table) applySelfLocked(d Delta) Result {
	self, ok := t.nodes[t.local]
	if !ok || !t.joined {
		if t.seenSelf == nil || d.Incarnation > t.seenSelf.Incarnation ||
			(d.Incarnation == t.seenSelf.Incarnation && d.Health > t.seenSelf.Health) {
			cp := d
			t.seenSelf = &cp
		}
		return Result{}
	}

	// Peers only ever learn about us from us, so an equal Alive claim is an echo.
	if d.Incarnation < self.Incarnation || (d.Incarnation == self.Incarnation && d.Health == Alive) {
		return Result{}
	}

	self.Incarnation = d.Incarnation + 1
	return Result{Changed: true, Refuted: true, Claimed: d.Health, Incarnation: self.Incarnation}
}

// ApplyAll merges a batch, logging and skipping deltas that fail.
func (t *Table) ApplyAll(deltas []Delta) (changed int, refuted bool) {
	for _, d := range deltas {
		res, err := t.Apply(d)
		if err != nil {
			logging.Warn("Rejected membership delta", "nodeID", d.NodeID, "incarnation", d.Incarnation, "err", err)
			continue
		}
		if res.Changed {
			changed++
		}
		if res.Refuted {
			logRefutation(t.local, res)
			refuted = true
		}
	}
	return changed, refuted
}

func logRefutation(local ring.NodeID, res Result) {
	logging.Info("Refuting membership claim about local node",
		"nodeID", local, "claimedHealth", res.Claimed.String(), "newIncarnation", res.Incarnation)
}

// Suspect marks an Alive peer Suspect at its current incarnation after a failed
// direct exchange. Stale incarnations and non-Alive nodes are left alone.
func (t *Table) Suspect(id ring.NodeID, incarnation uint64) bool {
	if id == t.local {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok || n.Incarnation != incarnation || n.Health != Alive {
		return false
	}
	n.Health = Suspect
	n.since = t.now()
	return true
}

// ExpireSuspects moves members that stayed Suspect longer than timeout to Dead at
// their last known incarnation and returns the resulting deltas.
func (t *Table) ExpireSuspects(timeout time.Duration) []Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []Delta
	for id, n := range t.nodes {
		if id == t.local || n.Health != Suspect || now.Sub(n.since) <= timeout {
			continue
		}
		n.Health = Dead
		n.since = now
		t.ring.RemoveNode(id)
		expired = append(expired, n.Delta())
	}
	return expired
}

// Get returns a copy of the node entry for id.
func (t *Table) Get(id ring.NodeID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Lookup returns the ring owner of token.
func (t *Table) Lookup(token ring.Token) (ring.NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ring.Lookup(token)
}

// LookupN returns up to n distinct ring owners clockwise from token.
func (t *Table) LookupN(token ring.Token, n int) []ring.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ring.LookupN(token, n)
}

// OwnerMetadata returns the metadata of a known node.
func (t *Table) OwnerMetadata(id ring.NodeID) (map[string]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(n.Metadata), true
}

// Entries returns a copy of the ring in token order.
func (t *Table) Entries() []ring.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ring.Entries()
}

// Nodes returns every known node, in id order.
func (t *Table) Nodes() []Node {
	return t.filter(func(*Node) bool { return true })
}

// Members returns the nodes currently owning ring tokens (Alive or Suspect), in id order.
func (t *Table) Members() []Node {
	return t.filter(func(n *Node) bool { return n.Health.InRing() })
}

// Peers returns remote nodes worth gossiping to: Alive or Suspect with an address.
func (t *Table) Peers() []Node {
	return t.filter(func(n *Node) bool {
		return n.ID != t.local && n.Health.InRing() && n.Addr != ""
	})
}

func (t *Table) filter(keep func(*Node) bool) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if keep(n) {
			out = append(out, n.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the delta of every known node under one read lock, in id order,
// together with the digest of exactly that state.
func (t *Table) Snapshot() ([]Delta, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Delta, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.Delta())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, digest(out)
}

// Digest summarises the table so peers can tell whether their views differ.
func (t *Table) Digest() uint64 {
	_, d := t.Snapshot()
	return d
}

// digest hashes sorted deltas with XXH64. Addresses, tokens and metadata only
// change together with the incarnation, so (id, incarnation, health) suffices.
func digest(sorted []Delta) uint64 {
	h := xxhash.New()
	var buf [13]byte
	for _, d := range sorted {
		binary.BigEndian.PutUint32(buf[0:4], uint32(d.NodeID))
		binary.BigEndian.PutUint64(buf[4:12], d.Incarnation)
		buf[12] = byte(d.Health)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
