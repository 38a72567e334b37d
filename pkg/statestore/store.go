// Package statestore persists per-workspace build state between invocations:
// the last-seen directory digest, the last result hash, the input hashes that
// produced it and the Build-Id of a completed download. Records are keyed by
// workspace path; each path is only ever written by the one step that owns
// it, so record-level atomicity is all the coordination required.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketDirStates   = []byte("dirstates")
	bucketResultHash  = []byte("resulthashes")
	bucketInputHashes = []byte("inputhashes")
	bucketBuildIDs    = []byte("buildids")
	bucketVariantIDs  = []byte("variantids")
)

type Store struct {
	db *bolt.DB
}

// Open creates or opens the state database. The parent directory is created
// if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open state database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDirStates, bucketResultHash, bucketInputHashes, bucketBuildIDs, bucketVariantIDs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetAsync is a performance hint only: it trades fsync-per-commit for speed.
// Correctness never depends on it.
func (s *Store) SetAsync(async bool) {
	s.db.NoSync = async
}

func (s *Store) get(bucket []byte, key string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		out = string(v)
		return nil
	})
	return out, err
}

func (s *Store) set(bucket []byte, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), []byte(value))
	})
}

func (s *Store) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// GetDirectoryState returns the recorded comparison key for a workspace, or
// "" when the workspace is unknown.
func (s *Store) GetDirectoryState(path string) (string, error) {
	return s.get(bucketDirStates, path)
}

func (s *Store) SetDirectoryState(path, digest string) error {
	return s.set(bucketDirStates, path, digest)
}

// GetResultHash returns the hash of the workspace content after its last
// successful phase, or "" when never built.
func (s *Store) GetResultHash(path string) (string, error) {
	return s.get(bucketResultHash, path)
}

func (s *Store) SetResultHash(path, hash string) error {
	return s.set(bucketResultHash, path, hash)
}

// GetInputHashes returns the result hashes of the argument workspaces the
// step last ran with; nil when never built.
func (s *Store) GetInputHashes(path string) ([]string, error) {
	raw, err := s.get(bucketInputHashes, path)
	if err != nil || raw == "" {
		return nil, err
	}
	var hashes []string
	if err := json.Unmarshal([]byte(raw), &hashes); err != nil {
		return nil, fmt.Errorf("corrupt input-hash record for %s: %w", path, err)
	}
	return hashes, nil
}

func (s *Store) SetInputHashes(path string, hashes []string) error {
	raw, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	return s.set(bucketInputHashes, path, string(raw))
}

// GetDownloadedBuildID returns the Build-Id a workspace was last populated
// from by an archive download, or "".
func (s *Store) GetDownloadedBuildID(path string) (string, error) {
	return s.get(bucketBuildIDs, path)
}

func (s *Store) SetDownloadedBuildID(path, buildID string) error {
	return s.set(bucketBuildIDs, path, buildID)
}

// GetVariantID returns the Variant-Id the workspace was last built at, used
// to detect that a workspace must be pruned before reuse.
func (s *Store) GetVariantID(path string) (string, error) {
	return s.get(bucketVariantIDs, path)
}

func (s *Store) SetVariantID(path, variantID string) error {
	return s.set(bucketVariantIDs, path, variantID)
}

// Forget drops every record of a workspace. Used when a workspace is pruned
// or moved to the attic.
func (s *Store) Forget(path string) error {
	for _, b := range [][]byte{bucketDirStates, bucketResultHash, bucketInputHashes, bucketBuildIDs, bucketVariantIDs} {
		if err := s.delete(b, path); err != nil {
			return err
		}
	}
	return nil
}
