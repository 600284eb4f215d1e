package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var (
	eventPrefix = []byte("event/")
	snapshotKey = []byte("engine_status")
)

// badgerRepository is the BadgerDB implementation of the EventRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (EventRepository, error) {
	return open(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository keeps everything in memory; used by paper runs without a data dir and by tests.
func NewInMemoryRepository() (EventRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (EventRepository, error) {
	// Disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

// eventKey orders events by time, then id, so a prefix scan replays them in order.
func eventKey(e events.Event) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", eventPrefix, e.Time.UnixNano(), e.ID))
}

func (r *badgerRepository) SaveEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(e), data)
	})
}

func (r *badgerRepository) RecentEvents(limit int) ([]events.Event, error) {
	var out []events.Event
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = eventPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// 反向遍历需要从前缀的最大键开始
		seek := append(append([]byte{}, eventPrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(eventPrefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e events.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// SaveSnapshot marshals the status into JSON and saves it under a predefined key.
func (r *badgerRepository) SaveSnapshot(status *models.EngineStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, data)
	})
}

// LoadSnapshot returns (nil, nil) when no snapshot was ever saved.
func (r *badgerRepository) LoadSnapshot() (*models.EngineStatus, error) {
	var status models.EngineStatus

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("snapshot value is empty in database")
			}
			return json.Unmarshal(val, &status)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
