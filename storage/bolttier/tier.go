// Package bolttier is the durable storage tier, backed by a BoltDB file.
package bolttier

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	autherrors "github.com/jrsteele09/estate-session/internal/errors"
	"github.com/jrsteele09/estate-session/storage"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const authBucket = "auth"

var _ storage.Tier = (*Tier)(nil)

// Tier stores JSON-encoded entries in a single bucket.
type Tier struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the BoltDB file at path.
func Open(path string) (*Tier, error) {
	if strings.TrimSpace(path) == "" {
		return nil, autherrors.Wrapf(autherrors.ErrStorage, "[bolttier.Open] storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, errors.Wrap(err, "[bolttier.Open] create data folder")
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, autherrors.Wrapf(autherrors.ErrStorage, "[bolttier.Open] open %s (%v)", cleanPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(authBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "[bolttier.Open] create bucket")
	}
	return &Tier{db: db}, nil
}

// Close closes the underlying database.
func (t *Tier) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *Tier) Get(key string) (storage.Entry, bool, error) {
	var (
		entry storage.Entry
		found bool
	)
	err := t.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		if bucket == nil {
			return errors.New("auth bucket is missing")
		}
		payload := bucket.Get([]byte(key))
		if payload == nil {
			return nil
		}
		found = true
		return json.Unmarshal(payload, &entry)
	})
	if err != nil {
		return storage.Entry{}, false, errors.Wrap(err, "[bolttier.Get]")
	}
	return entry, found, nil
}

func (t *Tier) Set(key string, entry storage.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "[bolttier.Set] marshal entry")
	}
	return t.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		if bucket == nil {
			return errors.New("[bolttier.Set] auth bucket is missing")
		}
		return bucket.Put([]byte(key), payload)
	})
}

func (t *Tier) Delete(key string) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}
