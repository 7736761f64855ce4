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
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/diff"
	"github.com/mirador-project/mirador/storage"
)

// PushResult reports one accepted commit.
type PushResult struct {
	Commit api.Commit
	// Changes are the normalized changes as stored: JSON upserts against
	// an existing JSON entry become JSON patches, no-effect changes are
	// filtered out.
	Changes []api.Change
	// Paths are the touched paths, for watcher notification. Renames
	// contribute both the old and the new path.
	Paths []string
}

// Push applies changes on top of base and appends one commit. The
// timestamp is caller-supplied so replicas replaying the same command
// produce byte-identical commits.
func (r *Repository) Push(base api.Revision, author api.Author, summary, detail string,
	markup api.Markup, changes []api.Change, force bool, ts time.Time) (*PushResult, error) {

	if len(changes) == 0 {
		return nil, api.NewError(api.KindInvalidPush, "push to %s/%s carries no changes", r.project, r.name)
	}
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		for _, policy := range r.policies {
			if err := policy(c); err != nil {
				return nil, err
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !base.Valid() || (base.IsRelative() && base != api.Head) {
		return nil, api.NewError(api.KindInvalidPush, "base revision %d is not allowed", base)
	}
	resolved := base
	if base == api.Head {
		resolved = r.head
	}
	if resolved != r.head && !force {
		return nil, api.NewError(api.KindChangeConflict,
			"base revision %d does not match the head of %s/%s (%d)", resolved, r.project, r.name, r.head)
	}

	_, headCommit, err := r.commitFrom(r.head, r.head, r.headID)
	if err != nil {
		return nil, err
	}
	snap, err := r.snapshotOf(r.head, headCommit)
	if err != nil {
		return nil, err
	}

	pv := &preview{snap: snap, updated: map[string]api.Entry{}, removed: sets.New[string]()}
	var normalized []api.Change
	touched := sets.New[string]()
	for _, c := range changes {
		nc, err := pv.apply(c)
		if err != nil {
			return nil, err
		}
		if nc == nil {
			continue
		}
		normalized = append(normalized, *nc)
		touched.Insert(nc.Path)
		if nc.Type == api.ChangeRename {
			if target, err := nc.Text(); err == nil {
				touched.Insert(target)
			}
		}
	}
	if len(normalized) == 0 {
		return nil, api.NewError(api.KindRedundantChange,
			"push to %s/%s has no net effect on any path", r.project, r.name)
	}

	newRev := r.head + 1
	tree := &storage.Tree{}
	var objects []storage.PendingObject
	for _, path := range snap.paths {
		if pv.removed.Has(path) {
			continue
		}
		if _, ok := pv.updated[path]; ok {
			continue
		}
		tree.Entries = append(tree.Entries, snap.index[path])
	}
	for _, e := range pv.updated {
		blobID := storage.HashObject(storage.KindBlob, e.Content)
		objects = append(objects, storage.PendingObject{Kind: storage.KindBlob, Data: e.Content})
		tree.Entries = append(tree.Entries, storage.TreeEntry{Path: e.Path, Type: e.Type, Blob: blobID})
	}
	treeData, err := storage.EncodeTree(tree)
	if err != nil {
		return nil, err
	}
	objects = append(objects, storage.PendingObject{Kind: storage.KindTree, Data: treeData})
	commitData, err := storage.EncodeCommit(&storage.Commit{
		Parent:    r.headID,
		Tree:      storage.HashObject(storage.KindTree, treeData),
		Revision:  newRev,
		Author:    author,
		Summary:   summary,
		Detail:    detail,
		Markup:    markup,
		Timestamp: ts,
	})
	if err != nil {
		return nil, err
	}
	objects = append(objects, storage.PendingObject{Kind: storage.KindCommit, Data: commitData})
	commitID := storage.HashObject(storage.KindCommit, commitData)
	if err := r.store.Append(newRev, commitID, objects); err != nil {
		return nil, err
	}
	r.head = newRev
	r.headID = commitID

	r.log.WithField("revision", newRev).WithField("changes", len(normalized)).Debug("commit appended")
	return &PushResult{
		Commit: api.Commit{
			Revision: newRev, Author: author, Summary: summary,
			Detail: detail, Markup: markup, Timestamp: ts,
		},
		Changes: normalized,
		Paths:   sets.List(touched),
	}, nil
}

// preview is the mutable view a push builds up while applying changes
// one after another. Later changes in the same push observe the effect
// of earlier ones.
type preview struct {
	snap    *Snapshot
	updated map[string]api.Entry
	removed sets.Set[string]
}

func (p *preview) current(path string) (api.Entry, bool, error) {
	if e, ok := p.updated[path]; ok {
		return e, true, nil
	}
	if p.removed.Has(path) {
		return api.Entry{}, false, nil
	}
	if !p.snap.Contains(path) {
		return api.Entry{}, false, nil
	}
	e, err := p.snap.Entry(path)
	if err != nil {
		return api.Entry{}, false, err
	}
	return e, true, nil
}

func (p *preview) put(e api.Entry) {
	p.removed.Delete(e.Path)
	p.updated[e.Path] = e
}

func (p *preview) del(path string) {
	delete(p.updated, path)
	p.removed.Insert(path)
}

// apply previews one change. It returns the normalized change to store,
// or nil when the change has no effect.
func (p *preview) apply(c api.Change) (*api.Change, error) {
	switch c.Type {
	case api.ChangeUpsertText, api.ChangeUpsertYAML:
		text, err := c.Text()
		if err != nil {
			return nil, err
		}
		entry, err := entryFor(c.Path, []byte(text))
		if err != nil {
			return nil, err
		}
		cur, exists, err := p.current(c.Path)
		if err != nil {
			return nil, err
		}
		if exists && cur.Equal(entry) {
			return nil, nil
		}
		p.put(entry)
		// Re-issue the change with the stored (sanitized) content. A text
		// upsert landing on a .json path is normalized to a JSON upsert.
		var nc api.Change
		switch entry.Type {
		case api.EntryTypeJSON:
			nc = api.NewUpsertJSON(c.Path, entry.Content)
		case api.EntryTypeYAML:
			nc = api.NewUpsertYAML(c.Path, string(entry.Content))
		default:
			nc = api.NewUpsertText(c.Path, string(entry.Content))
		}
		return &nc, nil

	case api.ChangeUpsertJSON:
		entry, err := api.JSONEntry(c.Path, c.Content)
		if err != nil {
			return nil, err
		}
		cur, exists, err := p.current(c.Path)
		if err != nil {
			return nil, err
		}
		if exists && cur.Type == api.EntryTypeJSON {
			if api.JSONEqual(cur.Content, entry.Content) {
				return nil, nil
			}
			// An upsert over an existing JSON document is stored as the
			// minimal patch between the two values.
			patch, err := diff.JSON(cur.Content, entry.Content)
			if err != nil {
				return nil, err
			}
			p.put(entry)
			nc := api.NewApplyJSONPatch(c.Path, patch)
			return &nc, nil
		}
		p.put(entry)
		nc := api.NewUpsertJSON(c.Path, entry.Content)
		return &nc, nil

	case api.ChangeApplyJSONPatch:
		cur, exists, err := p.current(c.Path)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, api.NewError(api.KindChangePatchConflict, "no entry to patch at %s", c.Path)
		}
		if cur.Type != api.EntryTypeJSON {
			return nil, api.NewError(api.KindInvalidPush, "entry %s is not JSON", c.Path)
		}
		patched, err := diff.ApplyJSON(cur.Content, c.Content)
		if err != nil {
			return nil, err
		}
		entry, err := api.JSONEntry(c.Path, patched)
		if err != nil {
			return nil, err
		}
		if cur.Equal(entry) {
			return nil, nil
		}
		p.put(entry)
		return &c, nil

	case api.ChangeApplyTextPatch:
		patch, err := c.Text()
		if err != nil {
			return nil, err
		}
		cur, exists, err := p.current(c.Path)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, api.NewError(api.KindChangePatchConflict, "no entry to patch at %s", c.Path)
		}
		if cur.Type != api.EntryTypeText {
			return nil, api.NewError(api.KindInvalidPush, "entry %s is not text", c.Path)
		}
		if strings.TrimSpace(patch) == "" {
			return nil, nil
		}
		patched, err := diff.ApplyText(c.Path, string(cur.Content), patch)
		if err != nil {
			return nil, err
		}
		entry, err := entryFor(c.Path, []byte(patched))
		if err != nil {
			return nil, err
		}
		if cur.Equal(entry) {
			return nil, nil
		}
		p.put(entry)
		return &c, nil

	case api.ChangeRemove:
		if _, exists, err := p.current(c.Path); err != nil {
			return nil, err
		} else if !exists {
			return nil, api.NewError(api.KindNotFound, "cannot remove nonexistent entry %s", c.Path)
		}
		p.del(c.Path)
		return &c, nil

	case api.ChangeRename:
		target, err := c.Text()
		if err != nil {
			return nil, err
		}
		if target == c.Path {
			return nil, nil
		}
		cur, exists, err := p.current(c.Path)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, api.NewError(api.KindNotFound, "cannot rename nonexistent entry %s", c.Path)
		}
		if _, occupied, err := p.current(target); err != nil {
			return nil, err
		} else if occupied {
			return nil, api.NewError(api.KindAlreadyExists, "rename target %s already exists", target)
		}
		entry, err := entryFor(target, cur.Content)
		if err != nil {
			return nil, err
		}
		p.del(c.Path)
		p.put(entry)
		return &c, nil
	}
	return nil, api.NewError(api.KindInvalidPush, "unknown change type %q", c.Type)
}

// entryFor builds the entry stored at path, deriving the type from the
// extension. JSON content is canonicalized; YAML must parse; text is
// normalized to end with a newline so stored text always diffs cleanly.
func entryFor(path string, content []byte) (api.Entry, error) {
	switch api.EntryTypeOf(path) {
	case api.EntryTypeJSON:
		return api.JSONEntry(path, content)
	case api.EntryTypeYAML:
		e := api.Entry{Path: path, Type: api.EntryTypeYAML, Content: sanitizeText(content)}
		if _, err := e.AsJSON(); err != nil {
			return api.Entry{}, err
		}
		return e, nil
	}
	return api.Entry{Path: path, Type: api.EntryTypeText, Content: sanitizeText(content)}, nil
}

func sanitizeText(content []byte) []byte {
	if len(content) > 0 && content[len(content)-1] != '\n' {
		return append(append([]byte(nil), content...), '\n')
	}
	return content
}
