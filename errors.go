package gridswarm

import (
	"errors"

	"github.com/feellmoose/gridswarm/internal/gossip"
	"github.com/feellmoose/gridswarm/internal/ring"
	"github.com/feellmoose/gridswarm/internal/transport"
)

var (
	// ErrInvalidState is returned by Start and Stop when called out of order.
	ErrInvalidState = errors.New("invalid state")

	// ErrTokenCollision is returned when a token is already owned by another member.
	ErrTokenCollision = ring.ErrTokenCollision

	// ErrBootstrapFailure is returned by Start when the seed is unreachable or
	// refuses the join.
	ErrBootstrapFailure = gossip.ErrBootstrapFailure

	// ErrTransportRejected is returned to an RPC caller whose connection found
	// the server queue full.
	ErrTransportRejected = transport.ErrTransportRejected
)

// ServiceError is an application failure reported by a Service to its caller.
type ServiceError = transport.ServiceError

// Service handles one RPC request payload and returns the response payload.
type Service = transport.Service

// ServiceFunc adapts a function to Service.
type ServiceFunc = transport.ServiceFunc
