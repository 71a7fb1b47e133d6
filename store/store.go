package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	badgeroptions "github.com/dgraph-io/badger/v4/options"

	"bookflow/logger"
	"bookflow/models"
)

// ErrStoreLimit is returned by writes that would push the store past its
// configured size cap. Callers decide whether to drop or retry after
// cleanup.
var ErrStoreLimit = errors.New("store size limit reached")

// Store persists book snapshots and trade batches in an embedded
// BadgerDB, keyed by instrument and timestamp so range scans come back
// in chronological order.
type Store struct {
	db        *badger.DB
	log       *logger.Entry
	maxBytes  int64
	usedBytes atomic.Int64
}

// Open opens or creates the store at path. maxBytes caps the
// approximate on-disk size; zero disables the cap.
func Open(path string, maxBytes int64) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.Compression = badgeroptions.ZSTD

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	s := &Store{
		db:       db,
		log:      logger.GetLogger().WithComponent("store"),
		maxBytes: maxBytes,
	}

	lsm, vlog := db.Size()
	s.usedBytes.Store(lsm + vlog)

	s.log.WithFields(logger.Fields{
		"path":      path,
		"max_bytes": maxBytes,
		"size":      lsm + vlog,
	}).Info("opened snapshot store")

	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SizeBytes returns the approximate number of bytes the store holds.
// It is maintained incrementally so size-cap decisions do not depend on
// the database's lazily updated on-disk accounting.
func (s *Store) SizeBytes() int64 {
	return s.usedBytes.Load()
}

func (s *Store) checkCapacity(delta int64) error {
	if s.maxBytes > 0 && s.usedBytes.Load()+delta > s.maxBytes {
		return fmt.Errorf("write of %d bytes: %w", delta, ErrStoreLimit)
	}
	return nil
}

// entrySize is the accounting basis shared by writes and deletions:
// key length plus stored value length.
func entrySize(key []byte, valueLen int64) int64 {
	return int64(len(key)) + valueLen
}

// setEntry writes one record and returns the size delta it caused.
// Overwriting a key only accounts the difference against the previous
// value, so re-writing an identical record leaves SizeBytes unchanged
// and can never trip the size cap.
func (s *Store) setEntry(key, value []byte) error {
	newSize := entrySize(key, int64(len(value)))
	var delta int64

	err := s.db.Update(func(txn *badger.Txn) error {
		delta = newSize
		item, err := txn.Get(key)
		switch {
		case err == nil:
			delta = newSize - entrySize(key, item.ValueSize())
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := s.checkCapacity(delta); err != nil {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return err
	}

	s.usedBytes.Add(delta)
	return nil
}

// PutSnapshot persists one snapshot under its instrument and capture
// second. Writing the same snapshot twice overwrites the same key, so
// retries after partial failure are safe.
func (s *Store) PutSnapshot(ctx context.Context, instrument string, snap models.BookSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
		return fmt.Errorf("refusing empty snapshot for %s", instrument)
	}

	value, err := snap.Encode()
	if err != nil {
		return err
	}

	key := snapshotKey(instrument, snap.Timestamp)
	if err := s.setEntry(key, value); err != nil {
		if errors.Is(err, ErrStoreLimit) {
			return err
		}
		return fmt.Errorf("failed to persist snapshot for %s: %w", instrument, err)
	}

	logger.IncrementSnapshotWrite(len(value))
	return nil
}

// GetSnapshot returns the snapshot captured for instrument at exactly
// unixSec, or nil when none exists.
func (s *Store) GetSnapshot(ctx context.Context, instrument string, unixSec int64) (*models.BookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(instrument, unixSec))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", instrument, err)
	}

	snap, err := models.DecodeSnapshot(value)
	if err != nil {
		return nil, err
	}
	logger.IncrementAnalyticsRead(len(value))
	return &snap, nil
}

// QuerySnapshots returns every snapshot for instrument captured in
// [startSec, endSec], oldest first.
func (s *Store) QuerySnapshots(ctx context.Context, instrument string, startSec, endSec int64) ([]models.BookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if endSec < startSec {
		return nil, fmt.Errorf("invalid range: end %d before start %d", endSec, startSec)
	}

	prefix := keyPrefix(tagSnapshot, instrument)
	var snapshots []models.BookSnapshot
	var readBytes int

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(snapshotKey(instrument, startSec)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if keyTimestamp(item.Key()) > endSec {
				break
			}
			err := item.Value(func(v []byte) error {
				snap, err := models.DecodeSnapshot(v)
				if err != nil {
					return err
				}
				readBytes += len(v)
				snapshots = append(snapshots, snap)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for %s: %w", instrument, err)
	}

	logger.IncrementAnalyticsRead(readBytes)
	return snapshots, nil
}

// LatestSnapshot returns the most recent snapshot for instrument, or
// nil when the store holds none.
func (s *Store) LatestSnapshot(ctx context.Context, instrument string) (*models.BookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := keyPrefix(tagSnapshot, instrument)
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible key for this instrument.
		it.Seek(snapshotKey(instrument, int64(^uint64(0)>>1)))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read latest snapshot for %s: %w", instrument, err)
	}
	if value == nil {
		return nil, nil
	}

	snap, err := models.DecodeSnapshot(value)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutTradeBatch persists one flushed batch of trades keyed by the batch
// flush time in milliseconds.
func (s *Store) PutTradeBatch(ctx context.Context, batch models.TradeBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(batch.Trades) == 0 {
		return nil
	}

	value, err := models.EncodeTrades(batch.Trades)
	if err != nil {
		return err
	}

	key := tradeKey(batch.Instrument, batch.Timestamp.UnixMilli())
	if err := s.setEntry(key, value); err != nil {
		if errors.Is(err, ErrStoreLimit) {
			return err
		}
		return fmt.Errorf("failed to persist trade batch %s: %w", batch.BatchID, err)
	}

	logger.IncrementTradeBatchWrite(len(value))
	return nil
}

// QueryTrades returns every trade for instrument executed in
// [start, end], oldest first. Batches are filtered trade by trade so
// the window boundaries are exact even though batches span time.
func (s *Store) QueryTrades(ctx context.Context, instrument string, start, end time.Time) ([]models.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startMs := start.UnixMilli()
	endMs := end.UnixMilli()
	if endMs < startMs {
		return nil, fmt.Errorf("invalid range: end %s before start %s", end, start)
	}

	prefix := keyPrefix(tagTrades, instrument)
	var trades []models.Trade
	var readBytes int

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			// Batch keys carry flush times, not trade times, and a
			// batch delayed by retries can land arbitrarily late.
			// The prefix already bounds the scan to one instrument,
			// so every batch is opened and filtered trade by trade.
			err := item.Value(func(v []byte) error {
				batch, err := models.DecodeTrades(v)
				if err != nil {
					return err
				}
				readBytes += len(v)
				for _, trade := range batch {
					if trade.Timestamp >= startMs && trade.Timestamp <= endMs {
						trades = append(trades, trade)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for %s: %w", instrument, err)
	}

	logger.IncrementAnalyticsRead(readBytes)
	return trades, nil
}

// Cleanup deletes every snapshot and trade batch older than retention
// and returns the number of entries removed.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := time.Now()
	cutoffSec := now.Add(-retention).Unix()
	cutoffMs := now.Add(-retention).UnixMilli()

	var stale [][]byte
	var freed int64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != keyLen {
				continue
			}
			ts := keyTimestamp(key)
			expired := (key[0] == tagSnapshot && ts < cutoffSec) ||
				(key[0] == tagTrades && ts < cutoffMs)
			if expired {
				stale = append(stale, item.KeyCopy(nil))
				freed += entrySize(key, item.ValueSize())
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan for stale entries: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to delete stale entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush cleanup batch: %w", err)
	}

	s.usedBytes.Add(-freed)

	// Badger reclaims value log space lazily; a GC pass after a large
	// deletion keeps disk usage near the accounted size.
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			break
		}
	}

	s.log.WithFields(logger.Fields{
		"deleted":     len(stale),
		"freed_bytes": freed,
		"retention":   retention.String(),
	}).Info("cleanup removed stale entries")

	return len(stale), nil
}

// DeleteInstrument removes every entry for one instrument, used when an
// instrument is dropped from the capture list.
func (s *Store) DeleteInstrument(ctx context.Context, instrument string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var keys [][]byte
	var freed int64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, tag := range []byte{tagSnapshot, tagTrades} {
			prefix := keyPrefix(tag, instrument)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
				freed += entrySize(it.Item().Key(), it.Item().ValueSize())
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s entries: %w", instrument, err)
	}

	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to delete %s entry: %w", instrument, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush instrument deletion: %w", err)
	}

	s.usedBytes.Add(-freed)
	return len(keys), nil
}

// Instruments lists every instrument that currently has at least one
// snapshot.
func (s *Store) Instruments(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var instruments []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{tagSnapshot}
		it := txn.NewIterator(opts)
		defer it.Close()

		var last []byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != keyLen {
				continue
			}
			name := key[1 : 1+instrumentKeyLen]
			if bytes.Equal(name, last) {
				continue
			}
			last = append(last[:0], name...)
			instruments = append(instruments, string(bytes.TrimRight(name, "\x00")))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	return instruments, nil
}
