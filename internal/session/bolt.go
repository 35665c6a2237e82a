package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const boltBucket = "sessions"

// BoltStore keeps one JSON value per user in an embedded bbolt file.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening session db %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating sessions bucket")
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Get(ctx context.Context, userID int64) (*UserSession, error) {
	var out *UserSession
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(boltBucket)).Get([]byte(key(userID)))
		if raw == nil {
			return nil
		}
		var s UserSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return errors.Wrapf(err, "decoding session %d", userID)
		}
		out = &s
		return nil
	})
	return out, err
}

func (b *BoltStore) Put(ctx context.Context, s *UserSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "encoding session %d", s.UserID)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key(s.UserID)), raw)
	})
}

func (b *BoltStore) Delete(ctx context.Context, userID int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key(userID)))
	})
}

func (b *BoltStore) List(ctx context.Context) ([]*UserSession, error) {
	var out []*UserSession
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).ForEach(func(k, v []byte) error {
			var s UserSession
			if err := json.Unmarshal(v, &s); err != nil {
				return errors.Wrapf(err, "decoding session %s", k)
			}
			out = append(out, &s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByUser(out)
	return out, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
