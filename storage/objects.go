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

package storage

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mirador-project/mirador/api"
)

// TreeEntry is one row of a tree object. Directories carry no blob.
type TreeEntry struct {
	Path string        `json:"path"`
	Type api.EntryType `json:"type"`
	Blob ID            `json:"blob,omitempty"`
}

// Tree is the flat, path-sorted listing of a commit's snapshot.
type Tree struct {
	Entries []TreeEntry `json:"entries"`
}

// EncodeTree serializes t with entries sorted by path so identical
// snapshots always produce identical tree ids.
func EncodeTree(t *Tree) ([]byte, error) {
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Path < t.Entries[j].Path })
	return json.Marshal(t)
}

// DecodeTree deserializes a tree object.
func DecodeTree(data []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, api.WrapError(api.KindCorruption, err, "tree object is unreadable")
	}
	return &t, nil
}

// Commit is the stored form of one commit: a parent pointer, a tree,
// and the commit message metadata.
type Commit struct {
	Parent    ID           `json:"parent,omitempty"`
	Tree      ID           `json:"tree"`
	Revision  api.Revision `json:"revision"`
	Author    api.Author   `json:"author"`
	Summary   string       `json:"summary"`
	Detail    string       `json:"detail,omitempty"`
	Markup    api.Markup   `json:"markup,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EncodeCommit serializes a commit object.
func EncodeCommit(c *Commit) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommit deserializes a commit object.
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, api.WrapError(api.KindCorruption, err, "commit object is unreadable")
	}
	return &c, nil
}

// Message converts the stored commit to its public shape.
func (c *Commit) Message() api.Commit {
	return api.Commit{
		Revision:  c.Revision,
		Author:    c.Author,
		Summary:   c.Summary,
		Detail:    c.Detail,
		Markup:    c.Markup,
		Timestamp: c.Timestamp,
	}
}
