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
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/storage"
)

// Snapshot is an immutable view of one revision's tree. Blob content is
// loaded on demand; holding a snapshot never blocks writers.
type Snapshot struct {
	Revision api.Revision

	repo  *Repository
	index map[string]storage.TreeEntry
	paths []string // sorted file paths
}

// Paths returns the sorted file paths of the snapshot.
func (s *Snapshot) Paths() []string {
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Contains reports whether a file exists at path.
func (s *Snapshot) Contains(path string) bool {
	_, ok := s.index[path]
	return ok
}

// Entry loads the entry at path. Directory paths (trailing slash)
// resolve to a contentless directory entry when any file lives below
// them.
func (s *Snapshot) Entry(path string) (api.Entry, error) {
	if api.IsDirPath(path) {
		if s.hasDir(path) {
			return api.DirectoryEntry(path), nil
		}
		return api.Entry{}, api.NewError(api.KindNotFound, "directory %s does not exist at revision %d", path, s.Revision)
	}
	te, ok := s.index[path]
	if !ok {
		return api.Entry{}, api.NewError(api.KindNotFound, "entry %s does not exist at revision %d", path, s.Revision)
	}
	content, err := s.repo.store.Get(storage.KindBlob, te.Blob)
	if err != nil {
		return api.Entry{}, err
	}
	return api.Entry{Path: te.Path, Type: te.Type, Content: content}, nil
}

func (s *Snapshot) hasDir(dir string) bool {
	if dir == "/" {
		return true
	}
	i := sort.SearchStrings(s.paths, dir)
	return i < len(s.paths) && strings.HasPrefix(s.paths[i], dir)
}

// dirPaths derives the set of directory paths implied by the files.
func (s *Snapshot) dirPaths() []string {
	dirs := sets.New[string]()
	for _, p := range s.paths {
		for d := api.DirName(p); d != "/"; d = api.DirName(d) {
			dirs.Insert(d)
		}
	}
	return sets.List(dirs)
}

// Find returns every entry whose path matches pattern, ordered by path.
// Matching directories are included as contentless entries.
func (s *Snapshot) Find(pattern *api.PathPattern) ([]api.Entry, error) {
	var out []api.Entry
	for _, d := range s.dirPaths() {
		if pattern.Match(d) {
			out = append(out, api.DirectoryEntry(d))
		}
	}
	for _, p := range s.paths {
		if !pattern.Match(p) {
			continue
		}
		e, err := s.Entry(p)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
