package models

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// SnapshotDepth is the number of levels kept per side when capturing a
// live book.
const SnapshotDepth = 20

// BookSnapshot is an immutable capture of book state, truncated to the
// top SnapshotDepth levels per side. Timestamp has second resolution so
// it can double as the storage key suffix.
type BookSnapshot struct {
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
	UpdateID  int64   `json:"update_id"`
	Timestamp int64   `json:"timestamp"`
}

// SnapshotFromBook captures the current state of a live book. It is
// total: any book, including an empty one, yields a snapshot. Callers
// decide whether an empty snapshot is worth persisting.
func SnapshotFromBook(book *OrderBook) BookSnapshot {
	return BookSnapshot{
		Bids:      copyLevels(book.Bids, SnapshotDepth),
		Asks:      copyLevels(book.Asks, SnapshotDepth),
		UpdateID:  book.LastUpdateID,
		Timestamp: time.Now().Unix(),
	}
}

func copyLevels(levels []Level, max int) []Level {
	n := len(levels)
	if n > max {
		n = max
	}
	out := make([]Level, n)
	copy(out, levels[:n])
	return out
}

// Empty reports whether both sides of the snapshot are empty.
func (s *BookSnapshot) Empty() bool {
	return len(s.Bids) == 0 && len(s.Asks) == 0
}

// Encode serializes the snapshot as gzip-compressed JSON. Decimal
// fields are rendered as strings, so a decode/re-encode cycle is
// byte-for-byte identical.
func (s *BookSnapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(s); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot reverses Encode. It fails only on structurally corrupt
// input and never returns a partially populated snapshot.
func DecodeSnapshot(data []byte) (BookSnapshot, error) {
	var snap BookSnapshot
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return BookSnapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		return BookSnapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return BookSnapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return BookSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// EncodeTrades serializes a trade slice for batch storage using the
// same gzip-compressed JSON layout as snapshots.
func EncodeTrades(trades []Trade) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(trades); err != nil {
		return nil, fmt.Errorf("encode trades: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress trades: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTrades reverses EncodeTrades.
func DecodeTrades(data []byte) ([]Trade, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress trades: %w", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress trades: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("decompress trades: %w", err)
	}
	var trades []Trade
	if err := json.Unmarshal(raw, &trades); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	return trades, nil
}
