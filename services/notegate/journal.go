package notegate

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"notegate/core/txn"
	"notegate/integrations/exports"
)

var (
	bucketSubmissions = []byte("submissions")

	// ErrJournalNotFound is returned when no submission is recorded for a hash.
	ErrJournalNotFound = errors.New("journal: submission not found")
)

// JournalEntry is a recorded submission and its last known status.
type JournalEntry struct {
	ID          string     `json:"id"`
	Operation   string     `json:"operation"`
	TxHash      string     `json:"txHash"`
	From        string     `json:"from"`
	TokenID     string     `json:"tokenId,omitempty"`
	Gas         uint64     `json:"gas"`
	GasPrice    string     `json:"gasPrice"`
	Value       string     `json:"value,omitempty"`
	Status      string     `json:"status"`
	Detail      string     `json:"detail,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

func (e JournalEntry) exportRow() exports.Transaction {
	return exports.Transaction{
		ID:          e.ID,
		Operation:   e.Operation,
		TxHash:      e.TxHash,
		From:        e.From,
		TokenID:     e.TokenID,
		Gas:         e.Gas,
		GasPrice:    e.GasPrice,
		Value:       e.Value,
		Status:      e.Status,
		Detail:      e.Detail,
		SubmittedAt: e.SubmittedAt,
		ResolvedAt:  e.ResolvedAt,
	}
}

// Journal persists submissions in BoltDB so timed-out confirmations can be re-queried.
type Journal struct {
	db  *bolt.DB
	now func() time.Time
}

var _ txn.Journal = (*Journal)(nil)

// OpenJournal opens (and migrates) the journal at path.
func OpenJournal(path string, options *bolt.Options) (*Journal, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubmissions)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Submitted records a broadcast transaction as pending.
func (j *Journal) Submitted(_ context.Context, sub txn.Submission) error {
	entry := JournalEntry{
		ID:          sub.ID,
		Operation:   string(sub.Operation),
		TxHash:      sub.TxHash.Hex(),
		From:        sub.From.Hex(),
		TokenID:     sub.TokenID,
		Gas:         sub.Gas,
		Status:      txn.StatusPending,
		SubmittedAt: sub.SubmittedAt.UTC(),
	}
	if sub.GasPrice != nil {
		entry.GasPrice = sub.GasPrice.String()
	}
	if sub.Value != nil && sub.Value.Sign() > 0 {
		entry.Value = sub.Value.String()
	}
	return j.put(entry)
}

// Resolved updates the status of a recorded submission.
func (j *Journal) Resolved(_ context.Context, hash common.Hash, status, detail string) error {
	_, err := j.mutate(hash, func(entry *JournalEntry) {
		entry.Status = status
		entry.Detail = detail
		if status != txn.StatusPending {
			resolved := j.now().UTC()
			entry.ResolvedAt = &resolved
		}
	})
	return err
}

// Get loads the entry recorded for hash.
func (j *Journal) Get(hash common.Hash) (JournalEntry, error) {
	var entry JournalEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSubmissions).Get(journalKey(hash))
		if raw == nil {
			return ErrJournalNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	return entry, err
}

// List returns entries newest first, optionally filtered by status.
func (j *Journal) List(status string) ([]JournalEntry, error) {
	status = strings.TrimSpace(status)
	var entries []JournalEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubmissions).ForEach(func(_, raw []byte) error {
			var entry JournalEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			if status == "" || entry.Status == status {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].SubmittedAt.After(entries[b].SubmittedAt)
	})
	return entries, nil
}

// Reconcile applies a receipt re-query to the entry for hash when one is recorded.
func (j *Journal) Reconcile(status txn.TxStatus) (JournalEntry, error) {
	return j.mutate(status.TxHash, func(entry *JournalEntry) {
		if entry.Status == status.State {
			return
		}
		entry.Status = status.State
		if status.State != txn.StatusPending {
			resolved := j.now().UTC()
			entry.ResolvedAt = &resolved
			entry.Detail = ""
		}
	})
}

func (j *Journal) put(entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubmissions).Put([]byte(strings.ToLower(entry.TxHash)), data)
	})
}

func (j *Journal) mutate(hash common.Hash, fn func(*JournalEntry)) (JournalEntry, error) {
	var entry JournalEntry
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubmissions)
		raw := bucket.Get(journalKey(hash))
		if raw == nil {
			return ErrJournalNotFound
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		fn(&entry)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(journalKey(hash), data)
	})
	return entry, err
}

func journalKey(hash common.Hash) []byte {
	return []byte(strings.ToLower(hash.Hex()))
}
