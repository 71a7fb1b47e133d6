package store

import "encoding/binary"

const (
	tagSnapshot byte = 's'
	tagTrades   byte = 't'

	// instrumentKeyLen fixes the instrument segment of every key so that
	// lexicographic key order equals chronological order per instrument.
	instrumentKeyLen = 12

	keyLen = 1 + instrumentKeyLen + 8
)

// makeKey builds a storage key: one tag byte, the instrument padded or
// truncated to instrumentKeyLen bytes, then the timestamp big-endian.
// Snapshot keys carry unix seconds, trade batch keys unix milliseconds.
func makeKey(tag byte, instrument string, ts int64) []byte {
	key := make([]byte, keyLen)
	key[0] = tag
	copy(key[1:1+instrumentKeyLen], instrument)
	binary.BigEndian.PutUint64(key[1+instrumentKeyLen:], uint64(ts))
	return key
}

func snapshotKey(instrument string, unixSec int64) []byte {
	return makeKey(tagSnapshot, instrument, unixSec)
}

func tradeKey(instrument string, unixMillis int64) []byte {
	return makeKey(tagTrades, instrument, unixMillis)
}

// keyPrefix covers every key of one tag and instrument.
func keyPrefix(tag byte, instrument string) []byte {
	prefix := make([]byte, 1+instrumentKeyLen)
	prefix[0] = tag
	copy(prefix[1:], instrument)
	return prefix
}

// keyTimestamp extracts the timestamp suffix from a storage key.
func keyTimestamp(key []byte) int64 {
	if len(key) != keyLen {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[1+instrumentKeyLen:]))
}
