// Package ring implements the token ring used to partition the 64-bit key space
// across swarm members.
//
// A Ring is not safe for concurrent use on its own. In the swarm it is owned by
// membership.Table and only touched under the table's lock.
package ring

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ErrTokenCollision is returned when a token is already owned by a different node.
var ErrTokenCollision = errors.New("token collision")

// Token is a position on the circular 2^64 key space.
type Token uint64

// NodeID identifies a swarm member.
type NodeID uint32

// Entry is one (token, owner) pair of the ring.
type Entry struct {
	Token Token
	Node  NodeID
}

// Ring is an ordered sequence of entries sorted by token, with globally unique tokens.
type Ring struct {
	// entries is kept sorted by Token ascending for binary search.
	entries []Entry

	// owned counts tokens per node so RemoveNode can return early for unknown nodes.
	owned map[NodeID]int
}

// New creates an empty ring.
func New() *Ring {
	return &Ring{owned: make(map[NodeID]int)}
}

// Len returns the number of tokens on the ring.
func (r *Ring) Len() int {
	return len(r.entries)
}

// search returns the index of the first entry whose token is >= t.
func (r *Ring) search(t Token) int {
	return sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].Token >= t
	})
}

// Insert places token t on the ring owned by id.
//
// Re-inserting a token already owned by id is a no-op. A token owned by any other
// node fails with ErrTokenCollision and leaves the ring unchanged.
func (r *Ring) Insert(t Token, id NodeID) error {
	i := r.search(t)
	if i < len(r.entries) && r.entries[i].Token == t {
		if r.entries[i].Node == id {
			return nil
		}
		return fmt.Errorf("%w: token %d owned by node %d", ErrTokenCollision, t, r.entries[i].Node)
	}

	r.entries = append(r.entries, Entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = Entry{Token: t, Node: id}
	r.owned[id]++
	return nil
}

// Conflict reports the first token in tokens that is owned by a node other than id.
func (r *Ring) Conflict(id NodeID, tokens []Token) (Token, NodeID, bool) {
	for _, t := range tokens {
		i := r.search(t)
		if i < len(r.entries) && r.entries[i].Token == t && r.entries[i].Node != id {
			return t, r.entries[i].Node, true
		}
	}
	return 0, 0, false
}

// InsertAll places every token for id, or none of them if any collides.
func (r *Ring) InsertAll(id NodeID, tokens []Token) error {
	if t, owner, ok := r.Conflict(id, tokens); ok {
		return fmt.Errorf("%w: token %d owned by node %d", ErrTokenCollision, t, owner)
	}
	for _, t := range tokens {
		// Conflict already ruled out collisions.
		_ = r.Insert(t, id)
	}
	return nil
}

// RemoveNode removes every token owned by id. Unknown ids are ignored.
func (r *Ring) RemoveNode(id NodeID) {
	if r.owned[id] == 0 {
		return
	}
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.Node != id {
			kept = append(kept, e)
		}
	}
	// Clear the tail so the backing array does not pin stale entries.
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = Entry{}
	}
	r.entries = kept
	delete(r.owned, id)
}

// Lookup returns the owner of the smallest token >= t, wrapping to the smallest
// token when t is past the largest one. ok is false only for an empty ring.
func (r *Ring) Lookup(t Token) (id NodeID, ok bool) {
	if len(r.entries) == 0 {
		return 0, false
	}
	i := r.search(t)
	if i == len(r.entries) {
		i = 0
	}
	return r.entries[i].Node, true
}

// LookupN walks clockwise from t and returns up to n distinct owners, the first
// being Lookup(t).
func (r *Ring) LookupN(t Token, n int) []NodeID {
	if len(r.entries) == 0 || n <= 0 {
		return nil
	}
	if n > len(r.owned) {
		n = len(r.owned)
	}

	start := r.search(t)
	owners := make([]NodeID, 0, n)
	seen := make(map[NodeID]struct{}, n)
	for step := 0; step < len(r.entries) && len(owners) < n; step++ {
		e := r.entries[(start+step)%len(r.entries)]
		if _, dup := seen[e.Node]; dup {
			continue
		}
		seen[e.Node] = struct{}{}
		owners = append(owners, e.Node)
	}
	return owners
}

// Tokens returns the tokens owned by id in ascending order.
func (r *Ring) Tokens(id NodeID) []Token {
	if r.owned[id] == 0 {
		return nil
	}
	out := make([]Token, 0, r.owned[id])
	for _, e := range r.entries {
		if e.Node == id {
			out = append(out, e.Token)
		}
	}
	return out
}

// Owns reports whether id holds at least one token.
func (r *Ring) Owns(id NodeID) bool {
	return r.owned[id] > 0
}

// Entries returns a copy of the ring contents in token order.
func (r *Ring) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// HashKey maps an arbitrary key onto the ring using XXH64.
func HashKey(key []byte) Token {
	return Token(xxhash.Sum64(key))
}

// HashString is HashKey for string keys without the []byte conversion.
func HashString(key string) Token {
	return Token(xxhash.Sum64String(key))
}

// VirtualTokens derives n deterministic tokens for id by hashing "<id>#<i>".
// Duplicates produced by the hash are skipped, so fewer than n tokens may be returned.
func VirtualTokens(id NodeID, n int) []Token {
	out := make([]Token, 0, n)
	seen := make(map[Token]struct{}, n)
	buf := make([]byte, 0, 24)
	for i := 0; i < n; i++ {
		buf = strconv.AppendUint(buf[:0], uint64(id), 10)
		buf = append(buf, '#')
		buf = strconv.AppendInt(buf, int64(i), 10)
		t := HashKey(buf)
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
