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

// Package repository implements the commit engine and the query engine
// over one repository's object store shard. The engine is the sole
// writer of new commits; readers work on immutable snapshots and never
// block a writer.
package repository

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/storage"
)

// PushPolicy vets individual changes before they are previewed. Policies
// are a capability table passed at construction; repository kinds with
// schema checks (meta-repositories) or reserved paths register one.
type PushPolicy func(change api.Change) error

// Repository is one named, linearly-versioned container of entries.
type Repository struct {
	project string
	name    string
	store   *storage.Store
	log     *logrus.Entry

	policies []PushPolicy

	// mu is the per-repository write lock. It protects the commit chain
	// tip and the object-store append path; readers never take it.
	mu     sync.Mutex
	head   api.Revision
	headID storage.ID
}

// Open wraps an object store shard. A fresh shard has no commits yet;
// the caller must Initialize it before use.
func Open(project, name string, store *storage.Store, policies ...PushPolicy) (*Repository, error) {
	head, headID, err := store.Head()
	if err != nil {
		return nil, err
	}
	return &Repository{
		project:  project,
		name:     name,
		store:    store,
		policies: policies,
		head:     head,
		headID:   headID,
		log: logrus.WithField("component", "repository").
			WithField("repo", project+"/"+name),
	}, nil
}

// CloseStore releases the underlying shard. The repository must not be
// used afterwards.
func (r *Repository) CloseStore() error {
	return r.store.Close()
}

// Project returns the owning project name.
func (r *Repository) Project() string { return r.project }

// Name returns the repository name.
func (r *Repository) Name() string { return r.name }

// Head returns the current head revision.
func (r *Repository) Head() api.Revision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// Initialized reports whether the creation commit exists.
func (r *Repository) Initialized() bool {
	return r.Head() >= api.Init
}

// Initialize writes the creation commit (revision 1, empty tree).
// Idempotent: an already-initialized repository is left alone.
func (r *Repository) Initialize(author api.Author, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.head >= api.Init {
		return nil
	}
	treeData, err := storage.EncodeTree(&storage.Tree{})
	if err != nil {
		return err
	}
	commitData, err := storage.EncodeCommit(&storage.Commit{
		Tree:      storage.HashObject(storage.KindTree, treeData),
		Revision:  api.Init,
		Author:    author,
		Summary:   "Create a new repository",
		Timestamp: ts,
	})
	if err != nil {
		return err
	}
	commitID := storage.HashObject(storage.KindCommit, commitData)
	err = r.store.Append(api.Init, commitID, []storage.PendingObject{
		{Kind: storage.KindTree, Data: treeData},
		{Kind: storage.KindCommit, Data: commitData},
	})
	if err != nil {
		return err
	}
	r.head = api.Init
	r.headID = commitID
	return nil
}

// Normalize resolves rev against the current head.
func (r *Repository) Normalize(rev api.Revision) (api.Revision, error) {
	return rev.Normalize(r.Head())
}

// commitAt walks the parent chain to the commit labeled rev. rev must
// already be normalized.
func (r *Repository) commitAt(rev api.Revision) (storage.ID, *storage.Commit, error) {
	r.mu.Lock()
	id := r.headID
	head := r.head
	r.mu.Unlock()
	return r.commitFrom(rev, head, id)
}

// commitFrom is the walk behind commitAt, taking the chain tip as
// arguments so holders of the write lock can use it without relocking.
func (r *Repository) commitFrom(rev, head api.Revision, id storage.ID) (storage.ID, *storage.Commit, error) {
	if rev < api.Init || rev > head {
		return "", nil, api.NewError(api.KindNotFound, "revision %d does not exist (head: %d)", rev, head)
	}
	for id != "" {
		data, err := r.store.Get(storage.KindCommit, id)
		if err != nil {
			return "", nil, err
		}
		c, err := storage.DecodeCommit(data)
		if err != nil {
			return "", nil, err
		}
		if c.Revision == rev {
			return id, c, nil
		}
		if c.Revision < rev {
			break
		}
		id = c.Parent
	}
	return "", nil, api.NewError(api.KindCorruption, "revision %d missing from the commit chain", rev)
}

// Commit returns the commit labeled rev (normalized or relative).
func (r *Repository) Commit(rev api.Revision) (api.Commit, error) {
	n, err := r.Normalize(rev)
	if err != nil {
		return api.Commit{}, err
	}
	_, c, err := r.commitAt(n)
	if err != nil {
		return api.Commit{}, err
	}
	return c.Message(), nil
}

// Snapshot materializes the tree at rev (normalized or relative).
func (r *Repository) Snapshot(rev api.Revision) (*Snapshot, error) {
	n, err := r.Normalize(rev)
	if err != nil {
		return nil, err
	}
	_, c, err := r.commitAt(n)
	if err != nil {
		return nil, err
	}
	return r.snapshotOf(n, c)
}

func (r *Repository) snapshotOf(rev api.Revision, c *storage.Commit) (*Snapshot, error) {
	data, err := r.store.Get(storage.KindTree, c.Tree)
	if err != nil {
		return nil, err
	}
	tree, err := storage.DecodeTree(data)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Revision: rev, repo: r, index: make(map[string]storage.TreeEntry, len(tree.Entries))}
	for _, te := range tree.Entries {
		s.index[te.Path] = te
		s.paths = append(s.paths, te.Path)
	}
	return s, nil
}
