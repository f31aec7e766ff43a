package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Two key families: "nonce:<key>|<ts>|<nonce>" holds the observation time, and
// "observed:<%020d nanos>:<key>|<ts>|<nonce>" orders entries for range scans.
const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

// LevelDBNonces is a NonceStore backed by LevelDB.
type LevelDBNonces struct {
	db *leveldb.DB
}

var _ NonceStore = (*LevelDBNonces)(nil)

// OpenLevelDBNonces opens (or creates) the store at path.
func OpenLevelDBNonces(path string) (*LevelDBNonces, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBNonces{db: db}, nil
}

// Close releases the database.
func (s *LevelDBNonces) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureNonce records record and reports whether it had already been observed.
func (s *LevelDBNonces) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	if record.KeyID == "" || record.Timestamp == "" || record.Nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := strings.Join([]string{record.KeyID, record.Timestamp, record.Nonce}, "|")
	nonceKey := []byte(nonceKeyPrefix + composite)
	existing, err := s.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		previous := int64(binary.BigEndian.Uint64(existing))
		if next := observed.UnixNano(); next > previous {
			batch := new(leveldb.Batch)
			batch.Put(nonceKey, encodeNanos(next))
			batch.Delete(observedKey(previous, composite))
			batch.Put(observedKey(next, composite), nil)
			if err := s.db.Write(batch, nil); err != nil {
				return false, fmt.Errorf("refresh nonce: %w", err)
			}
		}
		return true, nil
	}

	nanos := observed.UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeNanos(nanos))
	batch.Put(observedKey(nanos, composite), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns nonces observed at or after cutoff.
func (s *LevelDBNonces) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	var records []NonceRecord
	for ok := iter.Seek(observedKey(cutoff.UTC().UnixNano(), "")); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		composite, nanos, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			KeyID:      parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes nonces observed before cutoff.
func (s *LevelDBNonces) PruneNonces(ctx context.Context, cutoff time.Time) error {
	limit := observedKey(cutoff.UTC().UnixNano(), "")
	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), limit) >= 0 {
			break
		}
		composite, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func observedKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite))
}

func parseObservedKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeNanos(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
