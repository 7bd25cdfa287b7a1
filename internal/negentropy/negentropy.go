package negentropy

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// protocolVersion is the only version this implementation speaks.
const protocolVersion = 0x61

const (
	// DefaultFrameSizeLimit caps a single reconciliation frame.
	DefaultFrameSizeLimit = 60_000

	minFrameSizeLimit = 4096

	// frameSizeMargin leaves room for the final range of a frame.
	frameSizeMargin = 200

	// buckets is the fan-out when a mismatching range is split.
	buckets = 16
)

// ErrUnsupportedVersion reports a peer speaking an unknown protocol version.
var ErrUnsupportedVersion = errors.New("unsupported negentropy protocol version")

// Negentropy drives one reconciliation exchange over a sealed Storage.
// Not safe for concurrent use; a session belongs to a single exchange.
type Negentropy struct {
	storage        *Storage
	frameSizeLimit uint64
	isInitiator    bool

	lastTimestampIn  uint64
	lastTimestampOut uint64

	haves map[[IDSize]byte]struct{}
	needs map[[IDSize]byte]struct{}
}

// New creates a session. frameSizeLimit of 0 means unlimited; otherwise it
// must be at least 4096.
func New(storage *Storage, frameSizeLimit uint64) (*Negentropy, error) {
	if !storage.sealed {
		return nil, errors.New("storage must be sealed")
	}
	if frameSizeLimit != 0 && frameSizeLimit < minFrameSizeLimit {
		return nil, fmt.Errorf("frame size limit %d below minimum %d", frameSizeLimit, minFrameSizeLimit)
	}
	return &Negentropy{
		storage:        storage,
		frameSizeLimit: frameSizeLimit,
		haves:          make(map[[IDSize]byte]struct{}),
		needs:          make(map[[IDSize]byte]struct{}),
	}, nil
}

// Initiate produces the opening message covering the full range.
func (n *Negentropy) Initiate() ([]byte, error) {
	if n.isInitiator {
		return nil, errors.New("session already initiated")
	}
	n.isInitiator = true
	n.lastTimestampOut = 0

	out := bytes.NewBuffer([]byte{protocolVersion})
	n.splitRange(0, n.storage.Len(), infiniteBound(), out)
	return out.Bytes(), nil
}

// Reconcile consumes the peer's message and produces the next round.
//
// On the initiator side a nil output means the exchange is complete;
// accumulated differences are available from Haves and Needs. On the
// responder side the output is never nil.
func (n *Negentropy) Reconcile(query []byte) ([]byte, error) {
	n.lastTimestampIn = 0
	n.lastTimestampOut = 0

	r := newReader(query)
	version, err := r.readByte()
	if err != nil {
		return nil, &ParseError{Detail: err.Error()}
	}
	if version < 0x60 || version > 0x6f {
		return nil, &ParseError{Detail: fmt.Sprintf("invalid protocol version byte 0x%02x", version)}
	}
	if version != protocolVersion {
		return nil, ErrUnsupportedVersion
	}

	out := bytes.NewBuffer([]byte{protocolVersion})

	prevBound := Bound{}
	prevIndex := 0
	skip := false

	flushSkip := func() {
		if skip {
			skip = false
			out.Write(n.encodeBound(prevBound))
			out.Write(encodeVarInt(modeSkip))
		}
	}

	for r.remaining() > 0 {
		if n.frameSizeLimit != 0 && uint64(out.Len()) > n.frameSizeLimit-frameSizeMargin {
			// Frame budget exhausted: summarize everything left as one
			// fingerprint range and let the next round resolve it.
			fp := n.storage.fingerprint(prevIndex, n.storage.Len())
			flushSkip()
			out.Write(n.encodeBound(infiniteBound()))
			out.Write(encodeVarInt(modeFingerprint))
			out.Write(fp[:])
			break
		}

		currBound, err := n.decodeBound(r)
		if err != nil {
			return nil, &ParseError{Detail: err.Error()}
		}
		mode, err := r.readVarInt()
		if err != nil {
			return nil, &ParseError{Detail: err.Error()}
		}

		lower := prevIndex
		upper := n.storage.findLowerBound(prevIndex, n.storage.Len(), currBound)

		switch mode {
		case modeSkip:
			skip = true

		case modeFingerprint:
			theirs, err := r.readBytes(fingerprintSize)
			if err != nil {
				return nil, &ParseError{Detail: err.Error()}
			}
			ours := n.storage.fingerprint(lower, upper)
			if !bytes.Equal(ours[:], theirs) {
				flushSkip()
				n.splitRange(lower, upper, currBound, out)
			} else {
				skip = true
			}

		case modeIDList:
			count, err := r.readVarInt()
			if err != nil {
				return nil, &ParseError{Detail: err.Error()}
			}
			theirs := make(map[[IDSize]byte]struct{}, count)
			for i := uint64(0); i < count; i++ {
				raw, err := r.readBytes(IDSize)
				if err != nil {
					return nil, &ParseError{Detail: err.Error()}
				}
				var id [IDSize]byte
				copy(id[:], raw)
				theirs[id] = struct{}{}
			}

			if n.isInitiator {
				skip = true
				for i := lower; i < upper; i++ {
					id := n.storage.items[i].ID
					if _, ok := theirs[id]; ok {
						delete(theirs, id)
					} else {
						n.haves[id] = struct{}{}
					}
				}
				for id := range theirs {
					n.needs[id] = struct{}{}
				}
			} else {
				flushSkip()
				out.Write(n.encodeBound(currBound))
				out.Write(encodeVarInt(modeIDList))
				out.Write(encodeVarInt(uint64(upper - lower)))
				for i := lower; i < upper; i++ {
					out.Write(n.storage.items[i].ID[:])
				}
			}

		default:
			return nil, &ParseError{Detail: fmt.Sprintf("unexpected range mode %d", mode)}
		}

		prevIndex = upper
		prevBound = currBound
	}

	if n.isInitiator && out.Len() == 1 {
		// Only skips remained: nothing left to resolve.
		return nil, nil
	}
	return out.Bytes(), nil
}

// splitRange writes the response for a mismatching range: raw IDs when the
// range is small, otherwise bucketed sub-range fingerprints. The recursion
// of the protocol is realized by the peer re-answering each bucket, so no
// call stack is kept between rounds.
func (n *Negentropy) splitRange(lower, upper int, upperBound Bound, out *bytes.Buffer) {
	numElems := upper - lower

	if numElems < buckets*2 {
		out.Write(n.encodeBound(upperBound))
		out.Write(encodeVarInt(modeIDList))
		out.Write(encodeVarInt(uint64(numElems)))
		for i := lower; i < upper; i++ {
			out.Write(n.storage.items[i].ID[:])
		}
		return
	}

	itemsPerBucket := numElems / buckets
	bucketsWithExtra := numElems % buckets
	curr := lower

	for i := 0; i < buckets; i++ {
		bucketSize := itemsPerBucket
		if i < bucketsWithExtra {
			bucketSize++
		}
		fp := n.storage.fingerprint(curr, curr+bucketSize)
		curr += bucketSize

		var nextBound Bound
		if curr == upper {
			nextBound = upperBound
		} else {
			nextBound = getMinimalBound(n.storage.items[curr-1], n.storage.items[curr])
		}

		out.Write(n.encodeBound(nextBound))
		out.Write(encodeVarInt(modeFingerprint))
		out.Write(fp[:])
	}
}

// Haves returns IDs present locally but absent on the peer, hex-encoded.
func (n *Negentropy) Haves() []string {
	return idSetToHex(n.haves)
}

// Needs returns IDs present on the peer but absent locally, hex-encoded.
func (n *Negentropy) Needs() []string {
	return idSetToHex(n.needs)
}

// Counts returns the current have/need tallies without materializing IDs.
func (n *Negentropy) Counts() (have, need int) {
	return len(n.haves), len(n.needs)
}

func idSetToHex(set map[[IDSize]byte]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, hex.EncodeToString(id[:]))
	}
	return out
}

// ParseError reports a malformed reconciliation frame. It aborts the
// session it occurred on and nothing else.
type ParseError struct {
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed negentropy message: %s", e.Detail)
}
