package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/juno-kyojin/tcman/pkg/results"
)

// Key layout. Run and outcome keys embed an inverted timestamp so a forward
// iteration yields newest-first without an index.
const (
	runPrefix     = "run:"
	outcomePrefix = "outcome:"
	settingPrefix = "setting:"
	connlogPrefix = "connlog:"
)

const recentRunsTTL = 30 * time.Second

// BadgerStore is a Store backed by an embedded badger database.
type BadgerStore struct {
	db *badger.DB

	// recent caches RecentRuns read paths; SaveRun invalidates it.
	recent *ttlcache.Cache[int, []RunRecord]
}

// OpenBadger opens (or creates) the store at dir. An empty dir opens an
// in-memory store, used by tests.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cannot open history store: %w", err)
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[int, []RunRecord](recentRunsTTL),
		ttlcache.WithDisableTouchOnHit[int, []RunRecord](),
	)
	go cache.Start()
	return &BadgerStore{db: db, recent: cache}, nil
}

// Close stops the cache janitor and closes the database.
func (s *BadgerStore) Close() error {
	s.recent.Stop()
	return s.db.Close()
}

// invertedStamp sorts newer timestamps before older ones in key order.
func invertedStamp(t time.Time) string {
	return fmt.Sprintf("%020d", int64(^uint64(t.UnixNano())>>1))
}

// SaveRun appends the record under a fresh ID and returns that ID.
func (s *BadgerStore) SaveRun(r RunRecord) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	key := []byte(runPrefix + invertedStamp(r.Timestamp) + ":" + r.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return "", fmt.Errorf("cannot save run record: %w", err)
	}
	s.recent.DeleteAll()
	return r.ID, nil
}

// SaveOutcomes appends the canonical outcomes for runID in order.
func (s *BadgerStore) SaveOutcomes(runID string, outcomes []results.Outcome) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for i, o := range outcomes {
			data, err := json.Marshal(o)
			if err != nil {
				return err
			}
			key := []byte(fmt.Sprintf("%s%s:%06d", outcomePrefix, runID, i))
			if err := txn.Set(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Outcomes returns the stored outcomes for runID in insertion order.
func (s *BadgerStore) Outcomes(runID string) ([]results.Outcome, error) {
	var outcomes []results.Outcome
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(outcomePrefix + runID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var o results.Outcome
				if err := json.Unmarshal(val, &o); err != nil {
					return err
				}
				outcomes = append(outcomes, o)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return outcomes, err
}

// RecentRuns returns up to limit run records, newest first. Results are
// cached briefly because history views poll this.
func (s *BadgerStore) RecentRuns(limit int) ([]RunRecord, error) {
	if item := s.recent.Get(limit); item != nil {
		return item.Value(), nil
	}
	var runs []RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(runPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(runs) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r RunRecord
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				runs = append(runs, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recent.Set(limit, runs, ttlcache.DefaultTTL)
	return runs, nil
}

// LogConnection appends a connection event.
func (s *BadgerStore) LogConnection(ev ConnectionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := []byte(connlogPrefix + invertedStamp(ev.Timestamp) + ":" + uuid.NewString())
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// GetSetting returns the stored value for key, or def when absent.
func (s *BadgerStore) GetSetting(key, def string) string {
	value := def
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(settingPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	return value
}

// SetSetting stores a key/value setting.
func (s *BadgerStore) SetSetting(key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(settingPrefix+key), []byte(value))
	})
}

var _ Store = (*BadgerStore)(nil)
