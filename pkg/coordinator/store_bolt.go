package coordinator

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/raft"
	"go.etcd.io/bbolt"
)

var (
	bucketLogs = []byte("logs")
	bucketConf = []byte("conf")

	// ErrKeyNotFound must carry exactly this message: hashicorp/raft
	// recognizes missing stable-store keys by it.
	ErrKeyNotFound = errors.New("not found")
)

// BoltStore persists the coordinator's raft log and stable state in a single
// bolt database. It implements both raft.LogStore and raft.StableStore.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if necessary) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLogs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketConf)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// FirstIndex implements raft.LogStore.
func (s *BoltStore) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketLogs).Cursor()
		if key, _ := cur.First(); key != nil {
			first = binary.BigEndian.Uint64(key)
		}
		return nil
	})
	return first, err
}

// LastIndex implements raft.LogStore.
func (s *BoltStore) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketLogs).Cursor()
		if key, _ := cur.Last(); key != nil {
			last = binary.BigEndian.Uint64(key)
		}
		return nil
	})
	return last, err
}

// GetLog implements raft.LogStore.
func (s *BoltStore) GetLog(index uint64, out *raft.Log) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketLogs).Get(indexKey(index))
		if val == nil {
			return raft.ErrLogNotFound
		}
		return json.Unmarshal(val, out)
	})
}

// StoreLog implements raft.LogStore.
func (s *BoltStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs implements raft.LogStore.
func (s *BoltStore) StoreLogs(logs []*raft.Log) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLogs)
		for _, log := range logs {
			val, err := json.Marshal(log)
			if err != nil {
				return err
			}
			if err := bucket.Put(indexKey(log.Index), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRange implements raft.LogStore.
func (s *BoltStore) DeleteRange(min, max uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketLogs).Cursor()
		for key, _ := cur.Seek(indexKey(min)); key != nil; key, _ = cur.Next() {
			if binary.BigEndian.Uint64(key) > max {
				break
			}
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Set implements raft.StableStore.
func (s *BoltStore) Set(key, val []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConf).Put(key, val)
	})
}

// Get implements raft.StableStore.
func (s *BoltStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketConf).Get(key)
		if val == nil {
			return ErrKeyNotFound
		}
		out = append([]byte(nil), val...)
		return nil
	})
	return out, err
}

// SetUint64 implements raft.StableStore.
func (s *BoltStore) SetUint64(key []byte, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	return s.Set(key, buf[:])
}

// GetUint64 implements raft.StableStore.
func (s *BoltStore) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(val), nil
}

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}
