/*
Copyright 2024 The Mirador Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage implements the per-repository content-addressed object
// store. Each repository owns an independent goleveldb shard holding
// three object kinds (blobs, trees, commits), the head pointer, and
// nothing else; objects are never shared across repositories.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/mirador-project/mirador/api"
)

// Kind discriminates stored objects.
type Kind byte

const (
	KindBlob   Kind = 'b'
	KindTree   Kind = 't'
	KindCommit Kind = 'c'
)

// ID is the hex SHA-256 of (kind, payload). Identical input always
// yields an identical id, so re-putting is a no-op.
type ID string

const headKey = "head"

func objectKey(kind Kind, id ID) []byte {
	return []byte(fmt.Sprintf("o/%c/%s", kind, id))
}

// HashObject computes the content address for a payload.
func HashObject(kind Kind, data []byte) ID {
	h := sha256.New()
	h.Write([]byte{byte(kind), 0})
	h.Write(data)
	return ID(hex.EncodeToString(h.Sum(nil)))
}

// Store is one repository's shard.
type Store struct {
	db  *leveldb.DB
	box *box // nil when encryption is disabled
	log *logrus.Entry
}

// Options configures a shard.
type Options struct {
	// EncryptionKey, when non-nil, must be a 32-byte key. Every payload
	// is then sealed with a fresh per-object data key wrapped by it.
	EncryptionKey []byte
}

// Open opens (creating if needed) the shard at dir.
func Open(dir string, opts Options) (*Store, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening object store at %s: %w", dir, err)
	}
	s := &Store{
		db:  db,
		log: logrus.WithField("component", "storage").WithField("dir", dir),
	}
	if opts.EncryptionKey != nil {
		s.box, err = newBox(opts.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the shard. Further calls fail.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores one object and returns its id. Idempotent.
func (s *Store) Put(kind Kind, data []byte) (ID, error) {
	id := HashObject(kind, data)
	payload, err := s.seal(data)
	if err != nil {
		return "", err
	}
	if err := s.db.Put(objectKey(kind, id), payload, nil); err != nil {
		return "", fmt.Errorf("storing %c/%s: %w", kind, id, err)
	}
	return id, nil
}

// Get loads one object, verifying its content address.
func (s *Store) Get(kind Kind, id ID) ([]byte, error) {
	payload, err := s.db.Get(objectKey(kind, id), nil)
	if err == leveldb.ErrNotFound {
		return nil, api.NewError(api.KindNotFound, "object %c/%s does not exist", kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %c/%s: %w", kind, id, err)
	}
	data, err := s.open(payload)
	if err != nil {
		return nil, api.WrapError(api.KindCorruption, err, "object %c/%s cannot be decrypted", kind, id)
	}
	if HashObject(kind, data) != id {
		return nil, api.NewError(api.KindCorruption, "object %c/%s failed its integrity check", kind, id)
	}
	return data, nil
}

// headRecord is the JSON value stored under the head key.
type headRecord struct {
	Revision api.Revision `json:"revision"`
	Commit   ID           `json:"commit"`
}

// Head returns the current head revision and its commit id. A fresh
// shard reports revision 0 until the creation commit lands.
func (s *Store) Head() (api.Revision, ID, error) {
	raw, err := s.db.Get([]byte(headKey), nil)
	if err == leveldb.ErrNotFound {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("loading head: %w", err)
	}
	var h headRecord
	if err := json.Unmarshal(raw, &h); err != nil {
		return 0, "", api.WrapError(api.KindCorruption, err, "head record is unreadable")
	}
	return h.Revision, h.Commit, nil
}

// PendingObject is one object staged for an atomic append.
type PendingObject struct {
	Kind Kind
	Data []byte
}

// Append atomically stores the staged objects and advances the head to
// (revision, commit). The batch write is the only mutation of the shard
// the commit path performs, so a crash leaves either the old or the new
// head, never a partial commit.
func (s *Store) Append(revision api.Revision, commit ID, objects []PendingObject) error {
	batch := new(leveldb.Batch)
	for _, obj := range objects {
		id := HashObject(obj.Kind, obj.Data)
		payload, err := s.seal(obj.Data)
		if err != nil {
			return err
		}
		batch.Put(objectKey(obj.Kind, id), payload)
	}
	head, err := json.Marshal(headRecord{Revision: revision, Commit: commit})
	if err != nil {
		return err
	}
	batch.Put([]byte(headKey), head)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("appending revision %d: %w", revision, err)
	}
	return nil
}

// CommitList walks the parent chain from the given commit id and
// returns up to limit commit ids, newest first. A zero limit walks the
// whole chain.
func (s *Store) CommitList(from ID, limit int) ([]ID, error) {
	var ids []ID
	cur := from
	for cur != "" {
		ids = append(ids, cur)
		if limit > 0 && len(ids) == limit {
			break
		}
		data, err := s.Get(KindCommit, cur)
		if err != nil {
			return nil, err
		}
		c, err := DecodeCommit(data)
		if err != nil {
			return nil, err
		}
		cur = c.Parent
	}
	return ids, nil
}

func (s *Store) seal(data []byte) ([]byte, error) {
	if s.box == nil {
		return data, nil
	}
	return s.box.seal(data)
}

func (s *Store) open(payload []byte) ([]byte, error) {
	if s.box == nil {
		return payload, nil
	}
	return s.box.open(payload)
}
