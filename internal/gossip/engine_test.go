package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feellmoose/gridswarm/internal/membership"
	"github.com/feellmoose/gridswarm/internal/ring"
)

const (
	testInterval       = 20 * time.Millisecond
	testSuspectTimeout = 200 * time.Millisecond
	settle             = 3 * time.Second
	tick               = 10 * time.Millisecond
)

type member struct {
	engine *Engine
	table  *membership.Table
	tokens []ring.Token
}

func tokensFor(id ring.NodeID) []ring.Token {
	return []ring.Token{ring.Token(id) * 1000, ring.Token(id)*1000 + 500}
}

// newMember binds an engine on loopback without joining or starting it.
func newMember(t *testing.T, id ring.NodeID, seed string) *member {
	t.Helper()
	table := membership.NewTable(id)
	engine, err := NewEngine(Options{
		LocalID:          id,
		Seed:             seed,
		Interval:         testInterval,
		SuspectTimeout:   testSuspectTimeout,
		BootstrapTimeout: time.Second,
		SendTimeout:      200 * time.Millisecond,
		Network:          NetworkOptions{BindAddr: "127.0.0.1:0", MaxIdle: 2, MaxConns: 4},
	}, table)
	require.NoError(t, err)

	m := &member{engine: engine, table: table, tokens: tokensFor(id)}
	t.Cleanup(m.shutdown)
	return m
}

func (m *member) selfDelta() membership.Delta {
	return membership.Delta{
		NodeID:      m.table.LocalID(),
		Addr:        m.engine.Addr(),
		Incarnation: m.table.NextIncarnation(),
		Health:      membership.Alive,
		Tokens:      m.tokens,
	}
}

// join bootstraps through the seed, inserts the local node and starts gossiping.
func (m *member) join(t *testing.T) {
	t.Helper()
	require.NoError(t, m.engine.Bootstrap(context.Background(), m.selfDelta()))
	_, err := m.table.Join(m.engine.Addr(), m.tokens, nil)
	require.NoError(t, err)
	m.engine.Start()
}

func (m *member) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = m.engine.Stop(ctx)
	_ = m.engine.Close()
}

func healthOf(tbl *membership.Table, id ring.NodeID) (membership.Health, bool) {
	n, ok := tbl.Get(id)
	return n.Health, ok
}

func requireHealth(t *testing.T, tbl *membership.Table, id ring.NodeID, want membership.Health) {
	t.Helper()
	require.Eventually(t, func() bool {
		h, ok := healthOf(tbl, id)
		return ok && h == want
	}, settle, tick, "node %d never became %s", id, want)
}

func TestJoinThroughSeedAndConverge(t *testing.T) {
	a := newMember(t, 1, "")
	a.join(t)

	b := newMember(t, 2, a.engine.Addr())
	b.join(t)

	// The seed admits the joiner before answering, and the joiner learns the seed
	// from the reply.
	h, ok := healthOf(a.table, 2)
	require.True(t, ok)
	require.Equal(t, membership.Alive, h)
	h, ok = healthOf(b.table, 1)
	require.True(t, ok)
	require.Equal(t, membership.Alive, h)

	c := newMember(t, 3, a.engine.Addr())
	c.join(t)

	// b hears about c only through gossip.
	requireHealth(t, b.table, 3, membership.Alive)
	require.Eventually(t, func() bool {
		return a.table.Digest() == b.table.Digest() && b.table.Digest() == c.table.Digest()
	}, settle, tick)

	owner, ok := b.table.Lookup(3000)
	require.True(t, ok)
	require.Equal(t, ring.NodeID(3), owner)
}

func TestBootstrapFailsWithoutSeed(t *testing.T) {
	m := newMember(t, 2, "127.0.0.1:1")
	err := m.engine.Bootstrap(context.Background(), m.selfDelta())
	require.ErrorIs(t, err, ErrBootstrapFailure)
}

func TestBootstrapRejectedOnTokenCollision(t *testing.T) {
	a := newMember(t, 1, "")
	a.join(t)

	b := newMember(t, 2, a.engine.Addr())
	b.tokens = a.tokens

	err := b.engine.Bootstrap(context.Background(), b.selfDelta())
	require.ErrorIs(t, err, ErrBootstrapFailure)
	require.ErrorIs(t, err, ring.ErrTokenCollision)

	_, known := a.table.Get(2)
	require.False(t, known)
}

func TestBootstrapSkipsSelfSeed(t *testing.T) {
	a := newMember(t, 1, "")
	a.engine.opts.Seed = a.engine.Addr()
	require.NoError(t, a.engine.Bootstrap(context.Background(), a.selfDelta()))
}

func TestUnreachablePeerBecomesDead(t *testing.T) {
	a := newMember(t, 1, "")
	a.join(t)
	b := newMember(t, 2, a.engine.Addr())
	b.join(t)
	requireHealth(t, a.table, 2, membership.Alive)

	// Crash b: no farewell.
	b.shutdown()

	requireHealth(t, a.table, 2, membership.Dead)
	owner, ok := a.table.Lookup(2000)
	require.True(t, ok)
	require.Equal(t, ring.NodeID(1), owner)
}

func TestSuspectedMemberRefutes(t *testing.T) {
	a := newMember(t, 1, "")
	a.join(t)
	b := newMember(t, 2, a.engine.Addr())
	b.join(t)

	n, ok := a.table.Get(2)
	require.True(t, ok)
	require.True(t, a.table.Suspect(2, n.Incarnation))

	// b learns the claim, bumps its incarnation and a adopts the new one.
	require.Eventually(t, func() bool {
		got, ok := a.table.Get(2)
		return ok && got.Health == membership.Alive && got.Incarnation > n.Incarnation
	}, settle, tick)
}

func TestFarewellAnnouncesLeave(t *testing.T) {
	a := newMember(t, 1, "")
	a.join(t)
	b := newMember(t, 2, a.engine.Addr())
	b.join(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.engine.Stop(ctx))
	d, ok := b.table.Leave()
	require.True(t, ok)
	b.engine.Farewell(ctx, d)

	requireHealth(t, a.table, 2, membership.Left)
	require.Len(t, a.table.Members(), 1)
}

func TestPickPeers(t *testing.T) {
	peers := make([]membership.Node, 10)
	for i := range peers {
		peers[i] = membership.Node{ID: ring.NodeID(i + 1)}
	}

	require.Len(t, pickPeers(peers, 20), 10)

	picked := pickPeers(peers, 3)
	require.Len(t, picked, 3)
	seen := map[ring.NodeID]bool{}
	for _, p := range picked {
		require.False(t, seen[p.ID], "duplicate peer %d", p.ID)
		seen[p.ID] = true
	}
}
