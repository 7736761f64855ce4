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

package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirador-project/mirador/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func testSession(st *Store, t *testing.T, ttl time.Duration) *Session {
	t.Helper()
	id, err := st.Generate()
	require.NoError(t, err)
	now := time.Now()
	return &Session{
		ID:             id,
		Username:       "alice",
		CreationTime:   now,
		ExpirationTime: now.Add(ttl),
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	s := testSession(st, t, time.Hour)

	ok, err := st.Exists(s.ID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.Create(s))
	require.True(t, api.IsAlreadyExists(st.Create(s)))

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)

	s.Username = "alice2"
	require.NoError(t, st.Update(s))
	got, err = st.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, "alice2", got.Username)

	require.NoError(t, st.Delete(s.ID))
	require.True(t, api.IsNotFound(st.Delete(s.ID)))
	require.True(t, api.IsNotFound(st.Update(s)))
	_, err = st.Get(s.ID)
	require.True(t, api.IsNotFound(err))
}

func TestSessionsShardByIDPrefix(t *testing.T) {
	st := newTestStore(t)
	s := testSession(st, t, time.Hour)
	require.NoError(t, st.Create(s))

	// XX/<rest-of-uuid> with a tmp/ staging sibling.
	_, err := os.Stat(filepath.Join(st.root, s.ID[:2], s.ID[2:]))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(st.root, "tmp"))
	require.NoError(t, err)
}

func TestMalformedIDs(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get("../../etc/passwd")
	require.True(t, api.IsNotFound(err))
	ok, err := st.Exists("nonsense")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweeperRemovesOnlyExpired(t *testing.T) {
	st := newTestStore(t)
	expired := testSession(st, t, -time.Second)
	live := testSession(st, t, time.Hour)
	require.NoError(t, st.Create(expired))
	require.NoError(t, st.Create(live))

	sw, err := NewSweeper(st, "@every 1h", nil, nil)
	require.NoError(t, err)
	removed, err := sw.SweepOnce()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	ok, err := st.Exists(expired.ID)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = st.Exists(live.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweeperRunsOnlyOnLeader(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create(testSession(st, t, -time.Second)))

	leader := false
	sw, err := NewSweeper(st, "@every 1h", func() bool { return leader }, nil)
	require.NoError(t, err)

	removed, err := sw.SweepOnce()
	require.NoError(t, err)
	require.Zero(t, removed)

	leader = true
	removed, err = sw.SweepOnce()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestSweeperSkipsUnreadableFiles(t *testing.T) {
	st := newTestStore(t)
	s := testSession(st, t, -time.Second)
	require.NoError(t, st.Create(s))

	// A torn write must not starve the sweep.
	bad := testSession(st, t, 0)
	p := filepath.Join(st.root, bad.ID[:2], bad.ID[2:])
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o700))
	require.NoError(t, os.WriteFile(p, []byte("not json"), 0o600))

	sw, err := NewSweeper(st, "@every 1h", nil, nil)
	require.NoError(t, err)
	removed, err := sw.SweepOnce()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestSweeperRemoveCallback(t *testing.T) {
	st := newTestStore(t)
	s := testSession(st, t, -time.Second)
	require.NoError(t, st.Create(s))

	// Replicated mode routes removals through the command log.
	var logged []string
	sw, err := NewSweeper(st, "@every 1h", nil, func(id string) error {
		logged = append(logged, id)
		return st.Delete(id)
	})
	require.NoError(t, err)
	_, err = sw.SweepOnce()
	require.NoError(t, err)
	require.Equal(t, []string{s.ID}, logged)
}
