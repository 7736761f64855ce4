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

package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/diff"
	"github.com/mirador-project/mirador/storage"
)

var (
	alice  = api.Author{Name: "alice", Email: "alice@example.com"}
	epoch  = time.Unix(1700000000, 0).UTC()
	anyPat = api.PatternAll
)

func newTestRepo(t *testing.T, policies ...PushPolicy) *Repository {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	r, err := Open("foo", "bar", store, policies...)
	require.NoError(t, err)
	require.NoError(t, r.Initialize(alice, epoch))
	return r
}

func push(t *testing.T, r *Repository, base api.Revision, changes ...api.Change) *PushResult {
	t.Helper()
	res, err := r.Push(base, alice, "summary", "", api.MarkupPlaintext, changes, false, epoch)
	require.NoError(t, err)
	return res
}

func TestCreateThenRead(t *testing.T) {
	r := newTestRepo(t)
	require.Equal(t, api.Init, r.Head())

	res := push(t, r, api.Head, api.NewUpsertJSON("/x.json", []byte(`{"a":"b"}`)))
	require.Equal(t, api.Revision(2), res.Commit.Revision)
	require.Equal(t, api.Revision(2), r.Head())

	e, err := r.Query(api.Head, api.IdentityQuery("/x.json"))
	require.NoError(t, err)
	require.Equal(t, `{"a":"b"}`, string(e.Content))
	require.Equal(t, api.EntryTypeJSON, e.Type)
}

func TestRedundantPush(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, api.Head, api.NewUpsertJSON("/x.json", []byte(`{"a":"b"}`)))

	_, err := r.Push(api.Head, alice, "again", "", api.MarkupPlaintext,
		[]api.Change{api.NewUpsertJSON("/x.json", []byte(` {"a": "b"} `))}, false, epoch)
	if !api.IsRedundantChange(err) {
		t.Fatalf("expected RedundantChange, got %v", err)
	}
	require.Equal(t, api.Revision(2), r.Head())
}

func TestOptimisticConflict(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, api.Head, api.NewUpsertText("/a.txt", "one\n"))

	// First push at base 2 wins.
	res := push(t, r, 2, api.NewUpsertText("/b.txt", "two\n"))
	require.Equal(t, api.Revision(3), res.Commit.Revision)

	// Second push at the same base loses.
	_, err := r.Push(2, alice, "late", "", api.MarkupPlaintext,
		[]api.Change{api.NewUpsertText("/c.txt", "three\n")}, false, epoch)
	if !api.IsChangeConflict(err) {
		t.Fatalf("expected ChangeConflict, got %v", err)
	}

	// Force pushes are exempt from the base check.
	_, err = r.Push(2, alice, "forced", "", api.MarkupPlaintext,
		[]api.Change{api.NewUpsertText("/c.txt", "three\n")}, true, epoch)
	require.NoError(t, err)
	require.Equal(t, api.Revision(4), r.Head())
}

func TestHeadEqualsAcceptedPushCount(t *testing.T) {
	r := newTestRepo(t)
	accepted := 1 // the creation commit
	for i := 0; i < 5; i++ {
		_, err := r.Push(api.Head, alice, "n", "", api.MarkupPlaintext,
			[]api.Change{api.NewUpsertText("/n.txt", string(rune('a'+i))+"\n")}, false, epoch)
		if err == nil {
			accepted++
		}
	}
	// A deliberately redundant push.
	_, err := r.Push(api.Head, alice, "dup", "", api.MarkupPlaintext,
		[]api.Change{api.NewUpsertText("/n.txt", "e\n")}, false, epoch)
	require.True(t, api.IsRedundantChange(err))
	require.Equal(t, api.Revision(accepted), r.Head())
}

func TestUpsertJSONNormalizedToPatch(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, api.Head, api.NewUpsertJSON("/cfg.json", []byte(`{"a":1,"b":2}`)))

	res := push(t, r, api.Head, api.NewUpsertJSON("/cfg.json", []byte(`{"a":1,"b":3,"c":4}`)))
	require.Len(t, res.Changes, 1)
	stored := res.Changes[0]
	require.Equal(t, api.ChangeApplyJSONPatch, stored.Type)

	// The stored patch applied to the old value yields the new value.
	old := []byte(`{"a":1,"b":2}`)
	e, err := r.Query(api.Head, api.IdentityQuery("/cfg.json"))
	require.NoError(t, err)
	patched, err := diff.ApplyJSON(old, stored.Content)
	require.NoError(t, err)
	require.True(t, api.JSONEqual(patched, e.Content))
}

func TestUpsertJSONOnNewPathStaysUpsert(t *testing.T) {
	r := newTestRepo(t)
	res := push(t, r, api.Head, api.NewUpsertJSON("/new.json", []byte(`{"a":1}`)))
	require.Equal(t, api.ChangeUpsertJSON, res.Changes[0].Type)
}

func TestSafeReplace(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, api.Head, api.NewUpsertJSON("/s.json", []byte(`{"v":"old"}`)))

	ok := api.NewApplyJSONPatch("/s.json",
		[]byte(`[{"op":"safeReplace","path":"/v","oldValue":"old","value":"new"}]`))
	push(t, r, api.Head, ok)

	stale := api.NewApplyJSONPatch("/s.json",
		[]byte(`[{"op":"safeReplace","path":"/v","oldValue":"old","value":"newer"}]`))
	_, err := r.Push(api.Head, alice, "stale", "", api.MarkupPlaintext, []api.Change{stale}, false, epoch)
	if !api.IsChangePatchConflict(err) {
		t.Fatalf("expected ChangePatchConflict, got %v", err)
	}
	require.Equal(t, api.Revision(3), r.Head())
}

func TestTextPatchRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, api.Head, api.NewUpsertText("/doc.txt", "line one\nline two\n"))

	patch := "--- a/doc.txt\n+++ b/doc.txt\n@@ -1,2 +1,2 @@\n line one\n-line two\n+line 2\n"
	push(t, r, api.Head, api.NewApplyTextPatch("/doc.txt", patch))

	e, err := r.Query(api.Head, api.IdentityQuery("/doc.txt"))
	require.NoError(t, err)
	require.Equal(t, "line one\nline 2\n", string(e.Content))
}

func TestRemoveAndRename(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, api.Head,
		api.NewUpsertText("/a.txt", "a\n"),
		api.NewUpsertText("/b.txt", "b\n"))

	res := push(t, r, api.Head, api.NewRename("/a.txt", "/c.txt"))
	require.ElementsMatch(t, []string{"/a.txt", "/c.txt"}, res.Paths)

	_, err := r.Query(api.Head, api.IdentityQuery("/a.txt"))
	require.True(t, api.IsNotFound(err))
	e, err := r.Query(api.Head, api.IdentityQuery("/c.txt"))
	require.NoError(t, err)
	require.Equal(t, "a\n", string(e.Content))

	push(t, r, api.Head, api.NewRemove("/b.txt"))
	_, err = r.Query(api.Head, api.IdentityQuery("/b.txt"))
	require.True(t, api.IsNotFound(err))

	_, err = r.Push(api.Head, alice, "missing", "", api.MarkupPlaintext,
		[]api.Change{api.NewRemove("/missing.txt")}, false, epoch)
	require.True(t, api.IsNotFound(err))

	_, err = r.Push(api.Head, alice, "occupied", "", api.MarkupPlaintext,
		[]api.Change{api.NewRename("/c.txt", "/b.txt"), api.NewUpsertText("/b.txt", "x\n")}, false, epoch)
	require.NoError(t, err)
}

func TestEmptyChangesRejected(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Push(api.Head, alice, "empty", "", api.MarkupPlaintext, nil, false, epoch)
	require.True(t, api.IsInvalidPush(err))
}

func TestInvalidBaseRevisionsRejected(t *testing.T) {
	r := newTestRepo(t)
	push(t, r, api.Head, api.NewUpsertText("/x.txt", "x\n"))

	// Only positive revisions and HEAD are acceptable bases; other
	// relative revisions are rejected outright, even with force.
	for _, tc := range []struct {
		name  string
		base  api.Revision
		force bool
	}{
		{name: "zero", base: 0},
		{name: "relative below head", base: -2},
		{name: "relative below head forced", base: -2, force: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Push(tc.base, alice, "bad base", "", api.MarkupPlaintext,
				[]api.Change{api.NewUpsertText("/y.txt", "y\n")}, tc.force, epoch)
			require.True(t, api.IsInvalidPush(err), "got %v", err)
			require.ErrorContains(t, err, tc.base.String())
		})
	}
	require.Equal(t, api.Revision(2), r.Head())
}

func TestPushCompletesUnderTheWriteLock(t *testing.T) {
	r := newTestRepo(t)
	done := make(chan error, 1)
	go func() {
		_, err := r.Push(api.Head, alice, "first", "", api.MarkupPlaintext,
			[]api.Change{api.NewUpsertText("/p.txt", "p\n")}, false, epoch)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("push did not complete")
	}
	require.Equal(t, api.Revision(2), r.Head())
}

func TestPushPolicyRejection(t *testing.T) {
	denySentinel := func(c api.Change) error {
		if c.Path == "/mirror_state.json" {
			return api.NewError(api.KindInvalidPush, "%s is reserved", c.Path)
		}
		return nil
	}
	r := newTestRepo(t, denySentinel)
	_, err := r.Push(api.Head, alice, "bad", "", api.MarkupPlaintext,
		[]api.Change{api.NewUpsertJSON("/mirror_state.json", []byte(`{}`))}, false, epoch)
	require.True(t, api.IsInvalidPush(err))
	require.Equal(t, api.Init, r.Head())
}

func TestRevisionsAreConsecutive(t *testing.T) {
	r := newTestRepo(t)
	for i := 0; i < 4; i++ {
		push(t, r, api.Head, api.NewUpsertText("/f.txt", string(rune('a'+i))+"\n"))
	}
	// The creation commit touches no path, so four commits match.
	commits, err := r.History(1, api.Head, anyPat, 0)
	require.NoError(t, err)
	require.Len(t, commits, 4)
	for i := 1; i < len(commits); i++ {
		require.Equal(t, commits[i-1].Revision+1, commits[i].Revision)
	}
}
