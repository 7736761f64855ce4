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

// Package session implements the file-backed session store. Sessions
// shard into two-level directories keyed by the first two hex digits
// of their UUID, keeping per-directory entry counts bounded; writes go
// through a tmp/ sibling and an atomic rename.
package session

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirador-project/mirador/api"
)

// Session is one authenticated login.
type Session struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	CreationTime   time.Time `json:"creationTime"`
	ExpirationTime time.Time `json:"expirationTime"`
}

// Expired reports whether the session's lifetime has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpirationTime.Before(now)
}

var idRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

const tmpDir = "tmp"

// Store persists sessions under root. Concurrent writes to the same
// session id serialize on a striped lock; distinct ids never contend.
type Store struct {
	root  string
	locks [64]sync.Mutex
}

// NewStore prepares root and its tmp/ staging sibling.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0o700); err != nil {
		return nil, fmt.Errorf("creating session root: %w", err)
	}
	return &Store{root: root}, nil
}

func (st *Store) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &st.locks[h.Sum32()%uint32(len(st.locks))]
}

func (st *Store) path(id string) (string, error) {
	if !idRe.MatchString(id) {
		return "", api.NewError(api.KindNotFound, "malformed session id %q", id)
	}
	return filepath.Join(st.root, id[:2], id[2:]), nil
}

// Generate returns a fresh id not present in the store.
func (st *Store) Generate() (string, error) {
	for i := 0; i < 16; i++ {
		id := uuid.NewString()
		ok, err := st.Exists(id)
		if err != nil {
			return "", err
		}
		if !ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not generate an unused session id")
}

// Exists reports whether id is stored.
func (st *Store) Exists(id string) (bool, error) {
	p, err := st.path(id)
	if err != nil {
		return false, nil
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get loads one session.
func (st *Store) Get(id string) (*Session, error) {
	p, err := st.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, api.NewError(api.KindNotFound, "session %s does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, api.WrapError(api.KindCorruption, err, "undecodable session %s", id)
	}
	return &s, nil
}

// Create stores a new session, failing if the id is taken.
func (st *Store) Create(s *Session) error {
	return st.write(s, false)
}

// Update overwrites an existing session, failing if it is absent.
func (st *Store) Update(s *Session) error {
	return st.write(s, true)
}

func (st *Store) write(s *Session, mustExist bool) error {
	p, err := st.path(s.ID)
	if err != nil {
		return api.NewError(api.KindInvalidPush, "malformed session id %q", s.ID)
	}
	mu := st.lock(s.ID)
	mu.Lock()
	defer mu.Unlock()

	_, statErr := os.Stat(p)
	switch {
	case mustExist && os.IsNotExist(statErr):
		return api.NewError(api.KindNotFound, "session %s does not exist", s.ID)
	case !mustExist && statErr == nil:
		return api.NewError(api.KindAlreadyExists, "session %s already exists", s.ID)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", s.ID, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Join(st.root, tmpDir), "session-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Delete removes a session.
func (st *Store) Delete(id string) error {
	p, err := st.path(id)
	if err != nil {
		return err
	}
	mu := st.lock(id)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return api.NewError(api.KindNotFound, "session %s does not exist", id)
		}
		return err
	}
	return nil
}

// Walk visits every stored session. Undecodable files are reported to
// visit with a nil session and the file's id, never aborting the walk.
func (st *Store) Walk(visit func(id string, s *Session, err error)) error {
	shards, err := os.ReadDir(st.root)
	if err != nil {
		return err
	}
	for _, shard := range shards {
		if !shard.IsDir() || shard.Name() == tmpDir {
			continue
		}
		files, err := os.ReadDir(filepath.Join(st.root, shard.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			id := shard.Name() + f.Name()
			s, err := st.Get(id)
			visit(id, s, err)
		}
	}
	return nil
}
