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

package mirror

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	gitfs "github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/stretchr/testify/require"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/credential"
	"github.com/mirador-project/mirador/repository"
	"github.com/mirador-project/mirador/storage"
)

// Local-path remotes go through an in-process transport instead of
// exec'ing git-upload-pack.
func init() {
	client.InstallProtocol("file", server.NewClient(worktreeLoader{}))
}

// worktreeLoader serves bare repositories and worktree checkouts alike,
// matching git-upload-pack's handling of local paths.
type worktreeLoader struct{}

func (worktreeLoader) Load(ep *transport.Endpoint) (storer.Storer, error) {
	for _, dir := range []string{ep.Path, filepath.Join(ep.Path, ".git")} {
		fs := osfs.New(dir)
		if _, err := fs.Stat("config"); err == nil {
			return gitfs.NewStorage(fs, cache.NewObjectLRUDefault()), nil
		}
	}
	return nil, transport.ErrRepositoryNotFound
}

var (
	sig   = &object.Signature{Name: "upstream", Email: "up@example.com", When: time.Unix(1700000000, 0)}
	epoch = time.Unix(1700000000, 0).UTC()
	admin = api.Author{Name: "admin"}
)

func newDestination(t *testing.T) *repository.Repository {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	r, err := repository.Open("foo", "bar", store)
	require.NoError(t, err)
	require.NoError(t, r.Initialize(admin, epoch))
	return r
}

// initRemote makes an on-disk git repository with one commit on master.
func initRemote(t *testing.T, files map[string]string) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitFiles(t, repo, dir, files)
	return dir, repo
}

func commitFiles(t *testing.T, repo *git.Repository, dir string, files map[string]string) {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("upstream change", &git.CommitOptions{Author: sig})
	require.NoError(t, err)
}

func testMirror(t *testing.T, doc string) *Mirror {
	t.Helper()
	m, err := Parse([]byte(doc))
	require.NoError(t, err)
	m.Project = "foo"
	return m
}

func newTestEngine(maxFiles int, maxBytes int64) *Engine {
	e := NewEngine(StaticCredentials{credential.NewStore()}, maxFiles, maxBytes)
	e.now = func() time.Time { return epoch }
	return e
}

func TestRemoteToLocal(t *testing.T) {
	remote, _ := initRemote(t, map[string]string{
		"a.json":      `{"k": 1}`,
		"docs/b.txt":  "hello\n",
		"ignored.tmp": "x",
	})
	dst := newDestination(t)
	m := testMirror(t, `{
		"id": "m1", "direction": "REMOTE_TO_LOCAL", "localRepo": "bar",
		"remoteUri": "git+file://`+remote+`#master",
		"gitignore": ["*.tmp"]
	}`)

	e := newTestEngine(0, 0)
	res, err := e.Run(context.Background(), m, dst)
	require.NoError(t, err)
	require.False(t, res.NoChanges)
	require.Equal(t, api.Revision(2), res.LocalRevision)

	entry, err := dst.Query(api.Head, api.IdentityQuery("/a.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"k":1}`, string(entry.Content))
	entry, err = dst.Query(api.Head, api.IdentityQuery("/docs/b.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(entry.Content))
	_, err = dst.Query(api.Head, api.IdentityQuery("/ignored.tmp"))
	require.True(t, api.IsNotFound(err))

	// The sentinel records the remote commit.
	entry, err = dst.Query(api.Head, api.IdentityQuery("/mirror_state.json"))
	require.NoError(t, err)
	require.Contains(t, string(entry.Content), res.RemoteHead)
}

func TestRemoteToLocalIsIdempotent(t *testing.T) {
	remote, upstream := initRemote(t, map[string]string{"a.json": `{"k":1}`})
	dst := newDestination(t)
	m := testMirror(t, `{
		"id": "m1", "direction": "REMOTE_TO_LOCAL", "localRepo": "bar",
		"remoteUri": "git+file://`+remote+`#master"
	}`)
	e := newTestEngine(0, 0)

	res, err := e.Run(context.Background(), m, dst)
	require.NoError(t, err)
	require.False(t, res.NoChanges)
	head := dst.Head()

	// No upstream change: no local commit.
	res, err = e.Run(context.Background(), m, dst)
	require.NoError(t, err)
	require.True(t, res.NoChanges)
	require.Equal(t, head, dst.Head())

	// Upstream moves: exactly one more local commit, removal included.
	commitFiles(t, upstream, remote, map[string]string{"b.txt": "new\n"})
	res, err = e.Run(context.Background(), m, dst)
	require.NoError(t, err)
	require.False(t, res.NoChanges)
	require.Equal(t, head+1, dst.Head())
}

func TestRemoteToLocalCaps(t *testing.T) {
	remote, _ := initRemote(t, map[string]string{
		"a.json": `{"k":1}`,
		"b.txt":  "hello\n",
	})
	m := testMirror(t, `{
		"id": "m1", "direction": "REMOTE_TO_LOCAL", "localRepo": "bar",
		"remoteUri": "git+file://`+remote+`#master"
	}`)

	// Exactly at the cap passes.
	dst := newDestination(t)
	_, err := newTestEngine(2, 0).Run(context.Background(), m, dst)
	require.NoError(t, err)

	// One over fails with the quota message.
	dst = newDestination(t)
	_, err = newTestEngine(1, 0).Run(context.Background(), m, dst)
	require.Error(t, err)
	require.Equal(t, api.KindMirrorFailure, api.KindOf(err))
	require.Contains(t, err.Error(), "more than 1 files")

	dst = newDestination(t)
	_, err = newTestEngine(0, 3).Run(context.Background(), m, dst)
	require.Error(t, err)
	require.Contains(t, err.Error(), "more than 3 bytes")
}

// initBareRemote makes a bare repository seeded with one commit.
func initBareRemote(t *testing.T, files map[string]string) string {
	t.Helper()
	bare := t.TempDir()
	_, err := git.PlainInit(bare, true)
	require.NoError(t, err)

	scratch := t.TempDir()
	repo, err := git.PlainInit(scratch, false)
	require.NoError(t, err)
	commitFiles(t, repo, scratch, files)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{bare}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&git.PushOptions{RemoteName: "origin"}))
	return bare
}

func remoteFiles(t *testing.T, bare string) map[string]string {
	t.Helper()
	repo, err := git.PlainOpen(bare)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)
	out := map[string]string{}
	require.NoError(t, tree.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return err
		}
		out[f.Name] = content
		return nil
	}))
	return out
}

func TestLocalToRemote(t *testing.T) {
	bare := initBareRemote(t, map[string]string{"stale.txt": "old\n"})
	dst := newDestination(t)
	_, err := dst.Push(api.Head, admin, "seed", "", api.MarkupPlaintext, []api.Change{
		api.NewUpsertJSON("/a.json", []byte(`{"k":1}`)),
		api.NewUpsertText("/docs/b.txt", "hello\n"),
	}, false, epoch)
	require.NoError(t, err)

	m := testMirror(t, `{
		"id": "m1", "direction": "LOCAL_TO_REMOTE", "localRepo": "bar",
		"remoteUri": "git+file://`+bare+`#master"
	}`)
	res, err := newTestEngine(0, 0).Run(context.Background(), m, dst)
	require.NoError(t, err)
	require.False(t, res.NoChanges)

	files := remoteFiles(t, bare)
	require.JSONEq(t, `{"k":1}`, files["a.json"])
	require.Equal(t, "hello\n", files["docs/b.txt"])
	if _, ok := files["stale.txt"]; ok {
		t.Error("stale remote file was not pruned")
	}

	// Second run: both sides already in sync.
	res, err = newTestEngine(0, 0).Run(context.Background(), m, dst)
	require.NoError(t, err)
	require.True(t, res.NoChanges)
}

func TestLocalToRemoteNeverExportsSentinel(t *testing.T) {
	bare := initBareRemote(t, map[string]string{"seed.txt": "seed\n"})
	dst := newDestination(t)
	_, err := dst.Push(api.Head, admin, "seed", "", api.MarkupPlaintext, []api.Change{
		api.NewUpsertText("/seed.txt", "seed\n"),
		api.NewUpsertJSON("/mirror_state.json", []byte(`{"sourceRevision":"abc"}`)),
	}, false, epoch)
	require.NoError(t, err)

	m := testMirror(t, `{
		"id": "m1", "direction": "LOCAL_TO_REMOTE", "localRepo": "bar",
		"remoteUri": "git+file://`+bare+`#master"
	}`)
	res, err := newTestEngine(0, 0).Run(context.Background(), m, dst)
	require.NoError(t, err)
	require.True(t, res.NoChanges)

	for name := range remoteFiles(t, bare) {
		if strings.Contains(name, "mirror_state") {
			t.Errorf("sentinel %s leaked to the remote", name)
		}
	}
}
