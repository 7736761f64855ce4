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

package metarepo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/project"
	"github.com/mirador-project/mirador/repository"
	"github.com/mirador-project/mirador/watch"
)

var (
	admin = api.Author{Name: "admin"}
	epoch = time.Unix(1700000000, 0).UTC()
)

const mirrorDoc = `{
	"id": "%s",
	"direction": "REMOTE_TO_LOCAL",
	"localRepo": "bar",
	"remoteUri": "git+https://git.example.com/r.git"
}`

func newManager(t *testing.T) *project.Manager {
	t.Helper()
	m, err := project.NewManager(t.TempDir(), project.Options{
		MetaPolicies: []repository.PushPolicy{PushPolicy},
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.CreateProject("foo", admin, epoch))
	require.NoError(t, m.CreateRepository("foo", "bar", admin, epoch))
	return m
}

func pushMeta(t *testing.T, meta *repository.Repository, changes ...api.Change) {
	t.Helper()
	_, err := meta.Push(api.Head, admin, "configure", "", api.MarkupPlaintext, changes, false, epoch)
	require.NoError(t, err)
}

func TestBuildIndex(t *testing.T) {
	m := newManager(t)
	meta, err := m.Meta("foo")
	require.NoError(t, err)
	pushMeta(t, meta,
		api.NewUpsertJSON("/mirrors/m1.json", []byte(`{"id":"m1","direction":"REMOTE_TO_LOCAL","localRepo":"bar","remoteUri":"git+https://h/r.git"}`)),
		api.NewUpsertJSON("/credentials/c1.json", []byte(`{"id":"c1","type":"access_token","accessToken":"t","hostnamePatterns":["h"]}`)),
		api.NewUpsertJSON("/unrelated.json", []byte(`{"id":"zzz"}`)),
	)

	idx, err := BuildIndex("foo", meta, api.Head)
	require.NoError(t, err)
	require.Len(t, idx.Mirrors, 1)
	require.Equal(t, "m1", idx.Mirrors[0].ID)
	require.Equal(t, "foo", idx.Mirrors[0].Project)
	require.Equal(t, "c1", idx.Credentials.ForHostname("h").ID)
}

func TestPushPolicy(t *testing.T) {
	m := newManager(t)
	meta, err := m.Meta("foo")
	require.NoError(t, err)

	// Undecodable mirror document.
	_, err = meta.Push(api.Head, admin, "bad", "", api.MarkupPlaintext,
		[]api.Change{api.NewUpsertJSON("/mirrors/m1.json", []byte(`{"id":"m1"}`))}, false, epoch)
	require.True(t, api.IsInvalidPush(err), "got %v", err)

	// Id must match the file name.
	_, err = meta.Push(api.Head, admin, "bad", "", api.MarkupPlaintext,
		[]api.Change{api.NewUpsertJSON("/mirrors/m1.json", []byte(fmt.Sprintf(mirrorDoc, "other")))}, false, epoch)
	require.True(t, api.IsInvalidPush(err), "got %v", err)

	// A well-formed document passes.
	pushMeta(t, meta, api.NewUpsertJSON("/mirrors/m1.json", []byte(fmt.Sprintf(mirrorDoc, "m1"))))

	// Paths outside the config dirs are unrestricted.
	pushMeta(t, meta, api.NewUpsertJSON("/notes.json", []byte(`{"free":"form"}`)))
}

func TestLegacyMigration(t *testing.T) {
	m := newManager(t)
	meta, err := m.Meta("foo")
	require.NoError(t, err)
	pushMeta(t, meta, api.NewUpsertJSON("/mirrors.json", []byte(`[
		{"id":"m1","direction":"REMOTE_TO_LOCAL","localRepo":"bar","remoteUri":"git+https://h/r.git"},
		{"id":"m1","direction":"LOCAL_TO_REMOTE","localRepo":"bar","remoteUri":"git+https://h/r.git"},
		{"direction":"REMOTE_TO_LOCAL","localRepo":"bar","remoteUri":"git+https://h/r.git"}
	]`)))

	migrated, err := MigrateLegacy(meta, admin)
	require.NoError(t, err)
	require.True(t, migrated)

	snap, err := meta.Snapshot(api.Head)
	require.NoError(t, err)
	require.False(t, snap.Contains("/mirrors.json"))

	idx, err := BuildIndex("foo", meta, api.Head)
	require.NoError(t, err)
	require.Len(t, idx.Mirrors, 3)

	var ids []string
	for _, mm := range idx.Mirrors {
		ids = append(ids, mm.ID)
	}
	sort.Strings(ids)
	// The duplicate got a -1 suffix; the anonymous one a generated id.
	require.Contains(t, ids, "m1")
	require.Contains(t, ids, "m1-1")

	// Nothing left to migrate.
	migrated, err = MigrateLegacy(meta, admin)
	require.NoError(t, err)
	require.False(t, migrated)
}

// migratedMeta seeds a fresh meta-repository with a legacy aggregate,
// migrates it and returns the head commit plus the resulting entries.
func migratedMeta(t *testing.T) (api.Commit, map[string]string) {
	t.Helper()
	m := newManager(t)
	meta, err := m.Meta("foo")
	require.NoError(t, err)
	pushMeta(t, meta, api.NewUpsertJSON("/mirrors.json", []byte(`[
		{"id":"m1","direction":"REMOTE_TO_LOCAL","localRepo":"bar","remoteUri":"git+https://h/r.git"},
		{"direction":"LOCAL_TO_REMOTE","localRepo":"bar","remoteUri":"git+https://h/r.git"}
	]`)))

	migrated, err := MigrateLegacy(meta, admin)
	require.NoError(t, err)
	require.True(t, migrated)

	head, err := meta.Commit(api.Head)
	require.NoError(t, err)
	snap, err := meta.Snapshot(api.Head)
	require.NoError(t, err)
	entries := map[string]string{}
	for _, p := range snap.Paths() {
		e, err := snap.Entry(p)
		require.NoError(t, err)
		entries[p] = string(e.Content)
	}
	return head, entries
}

func TestLegacyMigrationIsDeterministic(t *testing.T) {
	// Two replicas seeded with the same data must derive the same
	// migration commit: generated ids, timestamp and content all match.
	c1, e1 := migratedMeta(t)
	c2, e2 := migratedMeta(t)
	require.Equal(t, c1, c2)
	if d := cmp.Diff(e1, e2); d != "" {
		t.Errorf("migrated entries differ (-first +second):\n%s", d)
	}
}

func TestLegacyCredentialMigrationKeepsIDInDocument(t *testing.T) {
	m := newManager(t)
	meta, err := m.Meta("foo")
	require.NoError(t, err)
	pushMeta(t, meta, api.NewUpsertJSON("/credentials.json",
		[]byte(`[{"type":"access_token","accessToken":"t","hostnamePatterns":["h"]}]`)))

	migrated, err := MigrateLegacy(meta, admin)
	require.NoError(t, err)
	require.True(t, migrated)

	idx, err := BuildIndex("foo", meta, api.Head)
	require.NoError(t, err)
	c := idx.Credentials.ForHostname("h")
	require.NotEmpty(t, c.ID)

	// The generated id landed both in the file name and the document.
	snap, err := meta.Snapshot(api.Head)
	require.NoError(t, err)
	entry, err := snap.Entry(CredentialsDir + c.ID + ".json")
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(entry.Content, &doc))
	require.Equal(t, c.ID, doc["id"])
}

func TestIndexerRebuildsOnMetaCommit(t *testing.T) {
	m := newManager(t)
	registry := watch.NewRegistry()
	defer registry.Close()
	ix := NewIndexer(m, registry)
	defer ix.Stop()
	require.NoError(t, ix.Start(context.Background()))

	idx, ok := ix.View("foo")
	require.True(t, ok)
	require.Empty(t, idx.Mirrors)

	meta, err := m.Meta("foo")
	require.NoError(t, err)
	res, err := meta.Push(api.Head, admin, "add mirror", "", api.MarkupPlaintext,
		[]api.Change{api.NewUpsertJSON("/mirrors/m1.json", []byte(fmt.Sprintf(mirrorDoc, "m1")))}, false, epoch)
	require.NoError(t, err)
	registry.Notify(watch.Key{Project: "foo", Repo: project.MetaRepo}, res.Commit.Revision, res.Paths)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if ms := ix.Mirrors(); len(ms) == 1 {
			require.Equal(t, "m1", ms[0].ID)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("index never rebuilt")
		}
		time.Sleep(time.Millisecond)
	}

	// The indexer doubles as the scheduler's provider.
	dst, err := ix.Destination("foo", "bar")
	require.NoError(t, err)
	require.NotNil(t, dst)
	if d := cmp.Diff(api.Init, dstHead(dst)); d != "" {
		t.Errorf("destination head (-want +got):\n%s", d)
	}
}

func dstHead(d interface{ Head() api.Revision }) api.Revision { return d.Head() }
