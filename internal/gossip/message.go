package gossip

import (
	"github.com/feellmoose/gridswarm/internal/membership"
	"github.com/feellmoose/gridswarm/internal/ring"
)

// MessageType identifies a gossip exchange.
type MessageType uint8

const (
	// MsgSync pushes the sender's snapshot and digest. The receiver answers with
	// MsgSyncAck when its own digest differs after merging.
	MsgSync MessageType = 1
	// MsgSyncAck carries the receiver's snapshot back. It never triggers a reply.
	MsgSyncAck MessageType = 2
	// MsgJoin asks a seed to admit the sender and return its full snapshot.
	MsgJoin MessageType = 3
	// MsgJoinAck answers MsgJoin, correlated by RequestID.
	MsgJoinAck MessageType = 4
	// MsgLeave is the final best-effort announcement of a departing node.
	MsgLeave MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case MsgSync:
		return "SYNC"
	case MsgSyncAck:
		return "SYNC_ACK"
	case MsgJoin:
		return "JOIN"
	case MsgJoinAck:
		return "JOIN_ACK"
	case MsgLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// RejectCode explains why a seed refused a join.
type RejectCode uint8

const (
	RejectNone RejectCode = iota
	RejectTokenCollision
	RejectInvalid
)

// Message is the unit exchanged between gossip engines.
type Message struct {
	Type              MessageType
	Sender            ring.NodeID
	SenderAddr        string
	SenderIncarnation uint64
	RequestID         string
	Digest            uint64
	Deltas            []membership.Delta

	RejectCode   RejectCode
	RejectReason string
}
