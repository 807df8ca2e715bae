package opid

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Generator produces request ids that correlate a bootstrap request with its reply.
//
// Format: <nodeID>-<epoch>-<seq>. The epoch is fixed at construction so ids from a
// restarted process never repeat those of the previous run.
type Generator struct {
	prefix []byte
	seq    atomic.Uint64
}

// NewGenerator creates a generator for the given node id.
func NewGenerator(nodeID uint32) *Generator {
	prefix := strconv.AppendUint(nil, uint64(nodeID), 10)
	prefix = append(prefix, '-')
	prefix = strconv.AppendInt(prefix, time.Now().UnixNano(), 36)
	prefix = append(prefix, '-')
	return &Generator{prefix: prefix}
}

// Next returns a new id. Safe for concurrent use.
func (g *Generator) Next() string {
	buf := make([]byte, 0, len(g.prefix)+20)
	buf = append(buf, g.prefix...)
	buf = strconv.AppendUint(buf, g.seq.Add(1), 10)
	return string(buf)
}
