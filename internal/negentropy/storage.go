package negentropy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// IDSize is the byte length of an event ID.
const IDSize = 32

const maxTimestamp = ^uint64(0)

// Item is one element of the reconciled set: an event ID ordered by
// (created-at timestamp, raw ID bytes).
type Item struct {
	Timestamp uint64
	ID        [IDSize]byte
}

// NewItem builds an Item from a hex-encoded event ID.
func NewItem(timestamp uint64, idHex string) (Item, error) {
	raw, err := hex.DecodeString(idHex)
	if err != nil {
		return Item{}, fmt.Errorf("decode event id: %w", err)
	}
	if len(raw) != IDSize {
		return Item{}, fmt.Errorf("event id is %d bytes, want %d", len(raw), IDSize)
	}
	it := Item{Timestamp: timestamp}
	copy(it.ID[:], raw)
	return it, nil
}

func itemCompare(a, b Item) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// Bound delimits a half-open range [lower, upper). The ID prefix stands for
// the prefix padded with zero bytes to the full ID size.
type Bound struct {
	Timestamp uint64
	IDPrefix  []byte
}

func infiniteBound() Bound {
	return Bound{Timestamp: maxTimestamp}
}

// compareIDToPrefix compares a full ID against a prefix padded with zeros.
func compareIDToPrefix(id [IDSize]byte, prefix []byte) int {
	if c := bytes.Compare(id[:len(prefix)], prefix); c != 0 {
		return c
	}
	for _, b := range id[len(prefix):] {
		if b != 0 {
			return 1
		}
	}
	return 0
}

func itemCompareBound(it Item, b Bound) int {
	if it.Timestamp != b.Timestamp {
		if it.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	return compareIDToPrefix(it.ID, b.IDPrefix)
}

// getMinimalBound returns the shortest bound separating prev from curr, used
// when splitting a range so bucket boundaries stay compact on the wire.
func getMinimalBound(prev, curr Item) Bound {
	if curr.Timestamp != prev.Timestamp {
		return Bound{Timestamp: curr.Timestamp}
	}
	shared := 0
	for i := 0; i < IDSize; i++ {
		if curr.ID[i] != prev.ID[i] {
			break
		}
		shared++
	}
	return Bound{Timestamp: curr.Timestamp, IDPrefix: append([]byte(nil), curr.ID[:shared+1]...)}
}

// Storage holds one side's sorted item set. Insert items, then Seal before
// handing it to a session.
type Storage struct {
	items  []Item
	sealed bool
}

// Insert adds an item. Only valid before Seal.
func (s *Storage) Insert(timestamp uint64, idHex string) error {
	if s.sealed {
		return errors.New("storage already sealed")
	}
	it, err := NewItem(timestamp, idHex)
	if err != nil {
		return err
	}
	s.items = append(s.items, it)
	return nil
}

// InsertItem adds an already-decoded item. Only valid before Seal.
func (s *Storage) InsertItem(it Item) error {
	if s.sealed {
		return errors.New("storage already sealed")
	}
	s.items = append(s.items, it)
	return nil
}

// Seal sorts the set and rejects duplicates. Required before reconciliation.
func (s *Storage) Seal() error {
	if s.sealed {
		return errors.New("storage already sealed")
	}
	sort.Slice(s.items, func(i, j int) bool {
		return itemCompare(s.items[i], s.items[j]) < 0
	})
	for i := 1; i < len(s.items); i++ {
		if itemCompare(s.items[i-1], s.items[i]) == 0 {
			return fmt.Errorf("duplicate item %x", s.items[i].ID)
		}
	}
	s.sealed = true
	return nil
}

// Len returns the number of items.
func (s *Storage) Len() int { return len(s.items) }

// findLowerBound returns the first index in [begin, end) whose item is not
// below the bound.
func (s *Storage) findLowerBound(begin, end int, b Bound) int {
	return begin + sort.Search(end-begin, func(i int) bool {
		return itemCompareBound(s.items[begin+i], b) >= 0
	})
}

// fingerprint hashes the range [begin, end): SHA-256 over the 256-bit
// little-endian sum of the IDs followed by the varint element count,
// truncated to 16 bytes.
func (s *Storage) fingerprint(begin, end int) [fingerprintSize]byte {
	var acc accumulator
	for i := begin; i < end; i++ {
		acc.add(s.items[i].ID)
	}
	return acc.fingerprint(end - begin)
}

const fingerprintSize = 16

// accumulator sums IDs as 256-bit little-endian integers, mod 2^256.
type accumulator struct {
	buf [IDSize]byte
}

func (a *accumulator) add(id [IDSize]byte) {
	var carry uint32
	for i := 0; i < IDSize; i++ {
		sum := uint32(a.buf[i]) + uint32(id[i]) + carry
		a.buf[i] = byte(sum)
		carry = sum >> 8
	}
}

func (a *accumulator) fingerprint(n int) [fingerprintSize]byte {
	h := sha256.New()
	h.Write(a.buf[:])
	h.Write(encodeVarInt(uint64(n)))
	var out [fingerprintSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
