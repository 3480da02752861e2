package storage

import (
	"encoding/binary"
	"fmt"
)

// Key schema for the trade archive:
//
//	meta:epoch                         → last epoch opened (8-byte big-endian)
//	trade:{epoch}:{tick}:{index}       → Trade (JSON)
//
// Numbers are zero-padded so keys sort by epoch, then tick, then position
// within the tick.

const (
	prefixTrade = "trade:"
	keyEpoch    = "meta:epoch"
)

// tradeKey returns the key for one archived trade
// Format: "trade:{epoch}:{tick}:{index}"
func tradeKey(epoch uint64, tick int64, index int) []byte {
	return []byte(fmt.Sprintf("%s%010d:%020d:%06d", prefixTrade, epoch, tick, index))
}

// tickPrefix returns the prefix for all trades of one tick
// Format: "trade:{epoch}:{tick}:"
func tickPrefix(epoch uint64, tick int64) []byte {
	return []byte(fmt.Sprintf("%s%010d:%020d:", prefixTrade, epoch, tick))
}

// epochPrefix returns the prefix for all trades of one epoch
// Format: "trade:{epoch}:"
func epochPrefix(epoch uint64) []byte {
	return []byte(fmt.Sprintf("%s%010d:", prefixTrade, epoch))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func encodeEpoch(e uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], e)
	return k[:]
}

func decodeEpoch(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("bad epoch encoding: %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
