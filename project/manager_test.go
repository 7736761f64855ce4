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

package project

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/mirador-project/mirador/api"
)

var (
	admin = api.Author{Name: "admin"}
	epoch = time.Unix(1700000000, 0).UTC()
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateProjectMakesMetaRepo(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateProject("foo", admin, epoch))

	meta, err := m.Meta("foo")
	require.NoError(t, err)
	require.Equal(t, api.Init, meta.Head())

	err = m.CreateProject("foo", admin, epoch)
	require.True(t, api.IsAlreadyExists(err))
}

func TestProjectNameValidation(t *testing.T) {
	m := newTestManager(t)
	for _, bad := range []string{"", "1abc", "@internal", "a b", "a/b"} {
		if err := m.CreateProject(bad, admin, epoch); err == nil {
			t.Errorf("project name %q accepted", bad)
		}
	}
	for _, good := range []string{"foo", "_x", "a.b-c_d"} {
		if err := m.CreateProject(good, admin, epoch); err != nil {
			t.Errorf("project name %q rejected: %v", good, err)
		}
	}
}

func TestSoftDeleteAndPurgeProject(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateProject("foo", admin, epoch))
	require.NoError(t, m.CreateProject("bar", admin, epoch))

	require.NoError(t, m.RemoveProject("foo", admin, epoch))
	if d := cmp.Diff([]string{"bar"}, m.ListProjects(false)); d != "" {
		t.Errorf("active projects (-want +got):\n%s", d)
	}
	if d := cmp.Diff([]string{"foo"}, m.ListRemovedProjects()); d != "" {
		t.Errorf("removed projects (-want +got):\n%s", d)
	}
	_, err := m.Meta("foo")
	require.True(t, api.IsNotFound(err))

	// Soft delete retains data.
	require.NoError(t, m.UnremoveProject("foo", admin, epoch))
	meta, err := m.Meta("foo")
	require.NoError(t, err)
	require.Equal(t, api.Init, meta.Head())

	require.NoError(t, m.RemoveProject("foo", admin, epoch))
	require.NoError(t, m.PurgeProject("foo"))
	require.Empty(t, m.ListRemovedProjects())
	require.True(t, api.IsNotFound(m.UnremoveProject("foo", admin, epoch)))
}

func TestInternalProjectRules(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateProject(InternalProject, admin, epoch))
	require.NoError(t, m.CreateProject("visible", admin, epoch))

	err := m.RemoveProject(InternalProject, admin, epoch)
	if api.KindOf(err) != api.KindPermission {
		t.Fatalf("expected Permission, got %v", err)
	}

	if d := cmp.Diff([]string{"visible"}, m.ListProjects(false)); d != "" {
		t.Errorf("non-admin listing (-want +got):\n%s", d)
	}
	if d := cmp.Diff([]string{InternalProject, "visible"}, m.ListProjects(true)); d != "" {
		t.Errorf("admin listing (-want +got):\n%s", d)
	}
}

func TestRepositoryLifecycle(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateProject("foo", admin, epoch))
	require.NoError(t, m.CreateRepository("foo", "bar", admin, epoch))

	r, err := m.Repo("foo", "bar")
	require.NoError(t, err)
	require.Equal(t, api.Init, r.Head())

	require.True(t, api.IsAlreadyExists(m.CreateRepository("foo", "bar", admin, epoch)))

	require.NoError(t, m.RemoveRepository("foo", "bar", admin, epoch))
	_, err = m.Repo("foo", "bar")
	require.True(t, api.IsNotFound(err))
	names, err := m.ListRemovedRepositories("foo")
	require.NoError(t, err)
	require.Equal(t, []string{"bar"}, names)

	require.NoError(t, m.UnremoveRepository("foo", "bar", admin, epoch))
	_, err = m.Repo("foo", "bar")
	require.NoError(t, err)

	require.NoError(t, m.RemoveRepository("foo", "bar", admin, epoch))
	require.NoError(t, m.PurgeRepository("foo", "bar"))
	_, err = m.Repo("foo", "bar")
	require.True(t, api.IsNotFound(err))

	// The meta-repository is protected.
	require.Equal(t, api.KindPermission, api.KindOf(m.RemoveRepository("foo", MetaRepo, admin, epoch)))
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, m.CreateProject("foo", admin, epoch))
	require.NoError(t, m.CreateRepository("foo", "bar", admin, epoch))
	r, err := m.Repo("foo", "bar")
	require.NoError(t, err)
	_, err = r.Push(api.Head, admin, "seed", "", api.MarkupPlaintext,
		[]api.Change{api.NewUpsertText("/a.txt", "a\n")}, false, epoch)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	// A fresh manager over the same root sees everything.
	m2, err := NewManager(dir, Options{})
	require.NoError(t, err)
	defer m2.Close()
	r2, err := m2.Repo("foo", "bar")
	require.NoError(t, err)
	require.Equal(t, api.Revision(2), r2.Head())
	e, err := r2.Query(api.Head, api.IdentityQuery("/a.txt"))
	require.NoError(t, err)
	require.Equal(t, "a\n", string(e.Content))
}
