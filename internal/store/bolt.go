package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"madoka-go-home/internal/controller"
)

var (
	bucketStatus  = []byte("status")
	bucketHistory = []byte("history")
	bucketInfo    = []byte("info")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db         *bolt.DB
	maxHistory int
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithMaxHistory caps the snapshots kept per unit.
func WithMaxHistory(n int) Option {
	return func(s *BoltStore) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStatus, bucketHistory, bucketInfo} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db, maxHistory: DefaultMaxHistory}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BoltStore) SaveStatus(st controller.Status) error {
	return s.put(bucketStatus, st.Address, st)
}

func (s *BoltStore) GetStatus(address string) (*controller.Status, error) {
	var st controller.Status
	if err := s.get(bucketStatus, address, &st); err != nil {
		return nil, fmt.Errorf("status %s: %w", address, err)
	}
	return &st, nil
}

func (s *BoltStore) SaveInfo(address string, info map[string]string) error {
	return s.put(bucketInfo, address, info)
}

func (s *BoltStore) GetInfo(address string) (map[string]string, error) {
	var info map[string]string
	if err := s.get(bucketInfo, address, &info); err != nil {
		return nil, fmt.Errorf("info %s: %w", address, err)
	}
	return info, nil
}

func (s *BoltStore) AppendHistory(st controller.Status) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketHistory)
		if root == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		b, err := root.CreateBucketIfNotExists([]byte(st.Address))
		if err != nil {
			return err
		}
		if err := b.Put(timeKey(st.UpdatedAt), data); err != nil {
			return err
		}

		// Prune oldest entries
		c := b.Cursor()
		n := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		excess := n - s.maxHistory
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

func (s *BoltStore) History(address string, since time.Time, limit int) ([]controller.Status, error) {
	var out []controller.Status
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketHistory)
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(address))
		if b == nil {
			return nil // no bucket = no history
		}
		c := b.Cursor()
		floor := timeKey(since)
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !since.IsZero() && string(k) < string(floor) {
				break
			}
			var st controller.Status
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, st)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

// timeKey orders history entries chronologically.
func timeKey(t time.Time) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	return k
}
