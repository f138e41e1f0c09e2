package main

import (
	"bytes"
	"encoding/gob"
	"os"
	"time"

	"github.com/dgraph-io/badger"
)

// chairLocationEntry is the gob-encoded record persisted per chair id
// (§4.B). Movement carries the pending movement target, if any.
type chairLocationEntry struct {
	TotalDistance    int
	LatestCoordinate Coordinate
	UpdatedAt        time.Time
	HasLocation      bool
	Movement         *movementTarget
}

type movementTarget struct {
	Coordinate Coordinate
	NextStatus RideStatus
	RideID     string
}

func openBadger(dir string) (*badger.DB, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	return badger.Open(opts)
}

func getChairLocationEntry(db *badger.DB, chairID string) (chairLocationEntry, bool, error) {
	var entry chairLocationEntry
	found := false
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(chairID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&entry)
		})
	})
	return entry, found, err
}

func putChairLocationEntry(db *badger.DB, chairID string, entry chairLocationEntry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(chairID), buf.Bytes())
	})
}
