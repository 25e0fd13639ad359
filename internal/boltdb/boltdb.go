// Package boltdb stores download history in a bbolt database, for querying past runs.
package boltdb

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vfetch/video-fetcher/internal/history"
)

var Buckets = struct {
	Metadata []byte
	Runs     []byte
}{
	Metadata: []byte("__metadata__"),
	Runs:     []byte("runs"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

// DefaultLockTimeout bounds how long New waits for another process holding the database.
const DefaultLockTimeout = time.Second

type Database interface {
	Close() error
	List() ([]history.Entry, error)

	history.Store
}

type database struct {
	*bbolt.DB
}

type Option func(*bbolt.Options)

func WithLockTimeout(d time.Duration) Option {
	return func(o *bbolt.Options) {
		o.Timeout = d
	}
}

func New(path string, opts ...Option) (_ Database, err error) {
	options := &bbolt.Options{Timeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(options)
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) (err error) {
		// Ensure buckets exist
		var metadata *bbolt.Bucket
		if metadata, err = tx.CreateBucketIfNotExists(Buckets.Metadata); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(Buckets.Runs); err != nil {
			return err
		}

		// Get the current version of the database
		var version int
		if versionBytes := metadata.Get(MetadataKeys.Version); versionBytes == nil {
			version = 0
		} else if err = json.Unmarshal(versionBytes, &version); err != nil {
			return err
		}
		if version > currentVersion {
			return fmt.Errorf("database version %d is newer than supported version %d", version, currentVersion)
		}

		// Set the current version of the database
		if versionBytes, err := json.Marshal(currentVersion); err != nil {
			return err
		} else if err = metadata.Put(MetadataKeys.Version, versionBytes); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &database{db}, nil
}

// entryKey orders entries chronologically; the run ID and a sequence number keep keys unique within a run.
func entryKey(e history.Entry, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%s/%06d", e.At.UTC().Format("20060102T150405.000000000Z"), e.RunID, seq))
}

func (d database) Put(entry history.Entry) error {
	if data, err := json.Marshal(entry); err != nil {
		return err
	} else {
		return d.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket(Buckets.Runs)
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			return bucket.Put(entryKey(entry, seq), data)
		})
	}
}

func (d database) List() (entries []history.Entry, err error) {
	err = d.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.Runs)
		return bucket.ForEach(func(k, v []byte) error {
			var entry history.Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			} else {
				entries = append(entries, entry)
				return nil
			}
		})
	})
	if err != nil {
		return nil, err
	} else {
		return entries, nil
	}
}
