package gossip

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/feellmoose/gridswarm/internal/membership"
	"github.com/feellmoose/gridswarm/internal/ring"
	"github.com/feellmoose/gridswarm/internal/transport"
	"github.com/feellmoose/gridswarm/internal/utils/pool"
)

// Frame flag, the first byte of every encoded message.
const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

// compressionThreshold is the encoded size above which payloads are zstd-compressed.
const compressionThreshold = 1024

// Message field numbers.
const (
	fieldType              protowire.Number = 1
	fieldSender            protowire.Number = 2
	fieldSenderAddr        protowire.Number = 3
	fieldSenderIncarnation protowire.Number = 4
	fieldRequestID         protowire.Number = 5
	fieldDigest            protowire.Number = 6
	fieldDelta             protowire.Number = 7
	fieldRejectReason      protowire.Number = 8
	fieldRejectCode        protowire.Number = 9
)

// Delta field numbers.
const (
	deltaNodeID      protowire.Number = 1
	deltaAddr        protowire.Number = 2
	deltaIncarnation protowire.Number = 3
	deltaHealth      protowire.Number = 4
	deltaTokens      protowire.Number = 5
	deltaMetadata    protowire.Number = 6
)

// Metadata entry field numbers.
const (
	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

var errTruncated = errors.New("gossip: truncated frame")

var (
	encoderPool sync.Pool
	decoderPool sync.Pool
)

func init() {
	encoderPool.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		return enc
	}
	decoderPool.New = func() interface{} {
		dec, _ := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(4*transport.MaxFrameSize))
		return dec
	}
}

// Encode serialises m into a frame payload, compressing large snapshots.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("gossip: nil message")
	}

	bp := pool.ForSize(64 * len(m.Deltas))
	buf := bp.Get()
	defer bp.Put(buf)
	*buf = appendMessage(*buf, m)

	if len(*buf) <= compressionThreshold {
		out := make([]byte, 1+len(*buf))
		out[0] = flagRaw
		copy(out[1:], *buf)
		return out, nil
	}

	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(*buf, []byte{flagZstd}), nil
}

// Decode parses a frame payload. The returned message shares no memory with frame.
func Decode(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, errTruncated
	}

	body := frame[1:]
	switch frame[0] {
	case flagRaw:
	case flagZstd:
		dec := decoderPool.Get().(*zstd.Decoder)
		plain, err := dec.DecodeAll(body, nil)
		decoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("gossip: decompress: %w", err)
		}
		body = plain
	default:
		return nil, fmt.Errorf("gossip: unknown frame flag %d", frame[0])
	}

	m, err := consumeMessage(body)
	if err != nil {
		return nil, err
	}
	if m.Type < MsgSync || m.Type > MsgLeave {
		return nil, fmt.Errorf("gossip: unknown message type %d", m.Type)
	}
	return m, nil
}

func appendMessage(b []byte, m *Message) []byte {
	b = appendVarintField(b, fieldType, uint64(m.Type))
	b = appendVarintField(b, fieldSender, uint64(m.Sender))
	b = appendStringField(b, fieldSenderAddr, m.SenderAddr)
	b = appendVarintField(b, fieldSenderIncarnation, m.SenderIncarnation)
	b = appendStringField(b, fieldRequestID, m.RequestID)
	if m.Digest != 0 {
		b = protowire.AppendTag(b, fieldDigest, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, m.Digest)
	}

	var scratch []byte
	for i := range m.Deltas {
		scratch = appendDelta(scratch[:0], &m.Deltas[i])
		b = protowire.AppendTag(b, fieldDelta, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}

	b = appendStringField(b, fieldRejectReason, m.RejectReason)
	if m.RejectCode != RejectNone {
		b = appendVarintField(b, fieldRejectCode, uint64(m.RejectCode))
	}
	return b
}

func appendDelta(b []byte, d *membership.Delta) []byte {
	b = appendVarintField(b, deltaNodeID, uint64(d.NodeID))
	b = appendStringField(b, deltaAddr, d.Addr)
	b = appendVarintField(b, deltaIncarnation, d.Incarnation)
	b = appendVarintField(b, deltaHealth, uint64(d.Health))

	if len(d.Tokens) > 0 {
		b = protowire.AppendTag(b, deltaTokens, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(8*len(d.Tokens)))
		for _, t := range d.Tokens {
			b = protowire.AppendFixed64(b, uint64(t))
		}
	}

	keys := make([]string, 0, len(d.Metadata))
	for k := range d.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := d.Metadata[k]
		size := protowire.SizeTag(entryKey) + protowire.SizeBytes(len(k)) +
			protowire.SizeTag(entryValue) + protowire.SizeBytes(len(v))
		b = protowire.AppendTag(b, deltaMetadata, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(size))
		b = protowire.AppendTag(b, entryKey, protowire.BytesType)
		b = protowire.AppendString(b, k)
		b = protowire.AppendTag(b, entryValue, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// fieldReader walks the fields of one protobuf message.
type fieldReader struct {
	b   []byte
	err error
}

// next returns the next field header, or false at the end or on error.
func (r *fieldReader) next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0, 0, false
	}
	r.b = r.b[n:]
	return num, typ, true
}

func (r *fieldReader) advance(n int) {
	if n < 0 {
		r.err = protowire.ParseError(n)
		return
	}
	r.b = r.b[n:]
}

func (r *fieldReader) varint(typ protowire.Type) uint64 {
	if typ != protowire.VarintType {
		r.err = fmt.Errorf("gossip: expected varint, got wire type %d", typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	r.advance(n)
	return v
}

// bounded reads a varint that must not exceed limit, so narrower fields are never
// silently truncated.
func (r *fieldReader) bounded(num protowire.Number, typ protowire.Type, limit uint64) uint64 {
	v := r.varint(typ)
	if r.err == nil && v > limit {
		r.err = fmt.Errorf("gossip: field %d value %d out of range", num, v)
		return 0
	}
	return v
}

func (r *fieldReader) bytes(typ protowire.Type) []byte {
	if typ != protowire.BytesType {
		r.err = fmt.Errorf("gossip: expected bytes, got wire type %d", typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	r.advance(n)
	return v
}

func (r *fieldReader) fixed64(typ protowire.Type) uint64 {
	if typ != protowire.Fixed64Type {
		r.err = fmt.Errorf("gossip: expected fixed64, got wire type %d", typ)
		return 0
	}
	v, n := protowire.ConsumeFixed64(r.b)
	r.advance(n)
	return v
}

func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) {
	r.advance(protowire.ConsumeFieldValue(num, typ, r.b))
}

func consumeMessage(b []byte) (*Message, error) {
	m := &Message{}
	r := fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fieldType:
			m.Type = MessageType(r.bounded(num, typ, math.MaxUint8))
		case fieldSender:
			m.Sender = ring.NodeID(r.bounded(num, typ, math.MaxUint32))
		case fieldSenderAddr:
			m.SenderAddr = string(r.bytes(typ))
		case fieldSenderIncarnation:
			m.SenderIncarnation = r.varint(typ)
		case fieldRequestID:
			m.RequestID = string(r.bytes(typ))
		case fieldDigest:
			m.Digest = r.fixed64(typ)
		case fieldDelta:
			raw := r.bytes(typ)
			if r.err != nil {
				break
			}
			d, err := consumeDelta(raw)
			if err != nil {
				return nil, err
			}
			m.Deltas = append(m.Deltas, d)
		case fieldRejectReason:
			m.RejectReason = string(r.bytes(typ))
		case fieldRejectCode:
			m.RejectCode = RejectCode(r.bounded(num, typ, math.MaxUint8))
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("gossip: decode message: %w", r.err)
	}
	return m, nil
}

func consumeDelta(b []byte) (membership.Delta, error) {
	var d membership.Delta
	r := fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case deltaNodeID:
			d.NodeID = ring.NodeID(r.bounded(num, typ, math.MaxUint32))
		case deltaAddr:
			d.Addr = string(r.bytes(typ))
		case deltaIncarnation:
			d.Incarnation = r.varint(typ)
		case deltaHealth:
			d.Health = membership.Health(r.bounded(num, typ, math.MaxUint8))
		case deltaTokens:
			packed := r.bytes(typ)
			for len(packed) > 0 && r.err == nil {
				v, n := protowire.ConsumeFixed64(packed)
				if n < 0 {
					r.err = protowire.ParseError(n)
					break
				}
				d.Tokens = append(d.Tokens, ring.Token(v))
				packed = packed[n:]
			}
		case deltaMetadata:
			k, v, err := consumeEntry(r.bytes(typ))
			if err != nil {
				return d, err
			}
			if r.err == nil {
				if d.Metadata == nil {
					d.Metadata = make(map[string]string)
				}
				d.Metadata[k] = v
			}
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return d, fmt.Errorf("gossip: decode delta: %w", r.err)
	}
	if !d.Health.Valid() {
		return d, fmt.Errorf("gossip: node %d has invalid health %d", d.NodeID, d.Health)
	}
	return d, nil
}

func consumeEntry(b []byte) (string, string, error) {
	var k, v string
	r := fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case entryKey:
			k = string(r.bytes(typ))
		case entryValue:
			v = string(r.bytes(typ))
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return "", "", fmt.Errorf("gossip: decode metadata entry: %w", r.err)
	}
	return k, v, nil
}
