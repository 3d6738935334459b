package history

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// State is the persisted form of a Stack.
type State struct {
	Entries  []Entry `json:"entries"`
	Position int     `json:"position"`
}

// Store persists stacks by field key.
type Store interface {
	Load(key string) (State, bool, error)
	Save(key string, state State) error
	Delete(key string) error
}

var bucketName = []byte("history")

// BoltStore keeps stacks in a bbolt file, one JSON value per field key.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the history file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(key string) (State, bool, error) {
	var state State
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &state)
	})
	if err != nil {
		return State{}, false, fmt.Errorf("history: load %s: %w", key, err)
	}
	return state, found, nil
}

func (s *BoltStore) Save(key string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("history: encode %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }
