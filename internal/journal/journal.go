// Package journal persists the per-market order event stream in an
// append-only badger log. Replaying a market's events through the matching
// engine deterministically rebuilds its book.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/forecastex/forecastex/internal/models"
)

// Event types.
const (
	EventAdd    = "add"
	EventCancel = "cancel"
)

// Entry is one journaled order event.
type Entry struct {
	Seq       uint64        `json:"seq"`
	Type      string        `json:"type"`
	Order     *models.Order `json:"order,omitempty"`     // set for add
	OrderID   string        `json:"orderId,omitempty"`   // set for cancel
	AccountID string        `json:"accountId,omitempty"` // set for cancel
}

// Journal is the append-only event store, one key range per market.
type Journal struct {
	db     *badger.DB
	logger *zap.Logger

	mu   sync.Mutex
	seqs map[string]uint64
}

// Open opens (or creates) the journal at dir.
func Open(dir string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db, logger: logger, seqs: make(map[string]uint64)}, nil
}

// Close closes the underlying store.
func (j *Journal) Close() error { return j.db.Close() }

func marketPrefix(marketID string) []byte {
	return []byte("journal/" + marketID + "/")
}

func entryKey(marketID string, seq uint64) []byte {
	key := marketPrefix(marketID)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(key, b[:]...)
}

// Append writes the event at the market's next sequence number.
func (j *Journal) Append(marketID string, e *Entry) error {
	j.mu.Lock()
	seq, ok := j.seqs[marketID]
	if !ok {
		last, err := j.lastSeq(marketID)
		if err != nil {
			j.mu.Unlock()
			return err
		}
		seq = last
	}
	seq++
	j.seqs[marketID] = seq
	j.mu.Unlock()

	e.Seq = seq
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(marketID, seq), val)
	})
}

// Replay invokes fn for every journaled event of the market, in sequence
// order.
func (j *Journal) Replay(marketID string, fn func(*Entry) error) error {
	prefix := marketPrefix(marketID)
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return err
			}
			if err := fn(&e); err != nil {
				return err
			}
		}
		return nil
	})
}

// lastSeq finds the highest sequence already journaled for the market.
func (j *Journal) lastSeq(marketID string) (uint64, error) {
	prefix := marketPrefix(marketID)
	var last uint64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Seek past the end of the market's range; first valid item is the
		// highest key.
		seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.Valid() {
			key := it.Item().Key()
			if len(key) >= 8 {
				last = binary.BigEndian.Uint64(key[len(key)-8:])
			}
		}
		return nil
	})
	return last, err
}
