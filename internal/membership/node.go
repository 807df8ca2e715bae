// Package membership holds the per-node view of the swarm: health, incarnation,
// gossip address, metadata and the tokens each member owns on the ring.
package membership

import (
	"maps"
	"slices"
	"time"

	"github.com/feellmoose/gridswarm/internal/ring"
)

// Health is the locally observed state of a member.
//
// Alive < Suspect < Dead is the "more dead" order used by the merge rule. Left is a
// voluntary departure and outranks all of them.
type Health uint8

const (
	Alive Health = iota
	Suspect
	Dead
	Left
)

func (h Health) String() string {
	switch h {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// Valid reports whether h is one of the defined states.
func (h Health) Valid() bool {
	return h <= Left
}

// InRing reports whether a member in this state owns its tokens.
func (h Health) InRing() bool {
	return h == Alive || h == Suspect
}

// Node is one member as seen by the local table.
type Node struct {
	ID          ring.NodeID
	Addr        string // gossip endpoint the member advertises
	Tokens      []ring.Token
	Metadata    map[string]string
	Health      Health
	Incarnation uint64

	// since is when Health last changed locally. Drives the suspect timeout.
	since time.Time
}

// Since returns the local time of the last health transition.
func (n Node) Since() time.Time {
	return n.since
}

// Delta returns the gossip form of n.
func (n Node) Delta() Delta {
	return Delta{
		NodeID:      n.ID,
		Addr:        n.Addr,
		Incarnation: n.Incarnation,
		Health:      n.Health,
		Tokens:      slices.Clone(n.Tokens),
		Metadata:    maps.Clone(n.Metadata),
	}
}

func (n Node) clone() Node {
	n.Tokens = slices.Clone(n.Tokens)
	n.Metadata = maps.Clone(n.Metadata)
	return n
}

// Delta is a single member's state as exchanged between peers.
type Delta struct {
	NodeID      ring.NodeID
	Addr        string
	Incarnation uint64
	Health      Health
	Tokens      []ring.Token
	Metadata    map[string]string
}

// Supersedes reports whether incoming should replace local under the merge rule:
//
//  1. a higher incarnation always wins;
//  2. at equal incarnation the strictly "more dead" health wins, Left above all;
//  3. a lower incarnation is stale.
//
// (incarnation, health) is a total order, so repeated or reordered application of
// the same deltas converges to the same state.
func Supersedes(incoming Delta, local Node) bool {
	if incoming.Incarnation != local.Incarnation {
		return incoming.Incarnation > local.Incarnation
	}
	return incoming.Health > local.Health
}
