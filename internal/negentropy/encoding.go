package negentropy

import (
	"errors"
	"fmt"
)

// Range modes on the wire.
const (
	modeSkip        = 0
	modeFingerprint = 1
	modeIDList      = 2
)

// encodeVarInt emits big-endian base-128 groups, continuation bit on every
// byte but the last.
func encodeVarInt(n uint64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var out []byte
	for n != 0 {
		out = append(out, byte(n&0x7f))
		n >>= 7
	}
	// Reverse into wire order and set continuation bits.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	for i := 0; i < len(out)-1; i++ {
		out[i] |= 0x80
	}
	return out
}

var errParseEnds = errors.New("message ends prematurely")

type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, errParseEnds
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errParseEnds
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) readVarInt() (uint64, error) {
	var n uint64
	for i := 0; ; i++ {
		if i > 9 {
			return 0, errors.New("varint too long")
		}
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		n = (n << 7) | uint64(b&0x7f)
		if b&0x80 == 0 {
			return n, nil
		}
	}
}

// Timestamps are delta-encoded within a message; 0 stands for "infinity"
// and everything else is the delta plus one.

func (n *Negentropy) encodeTimestampOut(timestamp uint64) []byte {
	if timestamp == maxTimestamp {
		n.lastTimestampOut = maxTimestamp
		return encodeVarInt(0)
	}
	delta := timestamp - n.lastTimestampOut
	n.lastTimestampOut = timestamp
	return encodeVarInt(delta + 1)
}

func (n *Negentropy) decodeTimestampIn(r *reader) (uint64, error) {
	t, err := r.readVarInt()
	if err != nil {
		return 0, err
	}
	if t == 0 {
		n.lastTimestampIn = maxTimestamp
		return maxTimestamp, nil
	}
	t--
	if n.lastTimestampIn == maxTimestamp {
		n.lastTimestampIn = maxTimestamp
		return maxTimestamp, nil
	}
	t += n.lastTimestampIn
	n.lastTimestampIn = t
	return t, nil
}

func (n *Negentropy) encodeBound(b Bound) []byte {
	out := n.encodeTimestampOut(b.Timestamp)
	out = append(out, encodeVarInt(uint64(len(b.IDPrefix)))...)
	out = append(out, b.IDPrefix...)
	return out
}

func (n *Negentropy) decodeBound(r *reader) (Bound, error) {
	timestamp, err := n.decodeTimestampIn(r)
	if err != nil {
		return Bound{}, err
	}
	prefixLen, err := r.readVarInt()
	if err != nil {
		return Bound{}, err
	}
	if prefixLen > IDSize {
		return Bound{}, fmt.Errorf("bound prefix length %d exceeds id size", prefixLen)
	}
	prefix, err := r.readBytes(int(prefixLen))
	if err != nil {
		return Bound{}, err
	}
	return Bound{Timestamp: timestamp, IDPrefix: append([]byte(nil), prefix...)}, nil
}
