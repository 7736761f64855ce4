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

	"github.com/Jeffail/gabs/v2"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/diff"
	"github.com/mirador-project/mirador/storage"
)

// Query evaluates q against the snapshot at rev.
func (r *Repository) Query(rev api.Revision, q api.Query) (api.Entry, error) {
	snap, err := r.Snapshot(rev)
	if err != nil {
		return api.Entry{}, err
	}
	return snap.Query(q)
}

// Find returns the entries matching pattern at rev, ordered by path.
func (r *Repository) Find(rev api.Revision, pattern *api.PathPattern) ([]api.Entry, error) {
	snap, err := r.Snapshot(rev)
	if err != nil {
		return nil, err
	}
	return snap.Find(pattern)
}

// Query evaluates q against this snapshot.
func (s *Snapshot) Query(q api.Query) (api.Entry, error) {
	if err := q.Validate(); err != nil {
		return api.Entry{}, err
	}
	entry, err := s.Entry(q.Path)
	if err != nil {
		return api.Entry{}, err
	}
	if q.Type == api.QueryIdentity {
		return entry, nil
	}
	if entry.Type != api.EntryTypeJSON && entry.Type != api.EntryTypeYAML {
		return api.Entry{}, api.NewError(api.KindInvalidPush,
			"JSON path query requires a JSON or YAML entry, %s is %s", q.Path, entry.Type)
	}
	doc, err := entry.AsJSON()
	if err != nil {
		// Historical repositories may hold unparseable YAML; it is served
		// as plain text instead of failing the query.
		if entry.Type == api.EntryTypeYAML {
			return api.Entry{Path: entry.Path, Type: api.EntryTypeText, Content: entry.Content}, nil
		}
		return api.Entry{}, err
	}
	node, err := gabs.ParseJSON(doc)
	if err != nil {
		return api.Entry{}, api.WrapError(api.KindCorruption, err, "entry %s is not parseable JSON", q.Path)
	}
	for _, expr := range q.Expressions {
		ptr, err := jsonPathToPointer(expr)
		if err != nil {
			return api.Entry{}, err
		}
		if ptr == "" {
			continue
		}
		next, err := node.JSONPointer(ptr)
		if err != nil {
			return api.Entry{}, api.NewError(api.KindNotFound,
				"JSON path %q matched nothing in %s at revision %d", expr, q.Path, s.Revision)
		}
		node = next
	}
	return api.Entry{Path: q.Path, Type: api.EntryTypeJSON, Content: []byte(node.String())}, nil
}

// jsonPathToPointer converts a dotted JSON path expression, optionally
// rooted at '$' and using bracketed indexes, to an RFC 6901 pointer.
func jsonPathToPointer(expr string) (string, error) {
	e := strings.TrimSpace(expr)
	e = strings.TrimPrefix(e, "$")
	var sb strings.Builder
	for len(e) > 0 {
		switch e[0] {
		case '.':
			e = e[1:]
			if e == "" {
				return "", api.NewError(api.KindInvalidPush, "JSON path %q ends with '.'", expr)
			}
		case '[':
			end := strings.IndexByte(e, ']')
			if end < 0 {
				return "", api.NewError(api.KindInvalidPush, "JSON path %q has an unclosed bracket", expr)
			}
			token := strings.Trim(e[1:end], `'"`)
			if token == "" {
				return "", api.NewError(api.KindInvalidPush, "JSON path %q has an empty selector", expr)
			}
			sb.WriteByte('/')
			sb.WriteString(escapePointerToken(token))
			e = e[end+1:]
		default:
			stop := strings.IndexAny(e, ".[")
			token := e
			if stop >= 0 {
				token = e[:stop]
				e = e[stop:]
			} else {
				e = ""
			}
			sb.WriteByte('/')
			sb.WriteString(escapePointerToken(token))
		}
	}
	return sb.String(), nil
}

func escapePointerToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

// History returns the commits in [from, to] whose change set intersects
// pattern, ordered from `from` towards `to`. maxCommits of zero means
// no limit.
func (r *Repository) History(from, to api.Revision, pattern *api.PathPattern, maxCommits int) ([]api.Commit, error) {
	nf, err := r.Normalize(from)
	if err != nil {
		return nil, err
	}
	nt, err := r.Normalize(to)
	if err != nil {
		return nil, err
	}
	lo, hi, descending := nf, nt, false
	if lo > hi {
		lo, hi, descending = nt, nf, true
	}

	var out []api.Commit
	_, c, err := r.commitAt(hi)
	if err != nil {
		return nil, err
	}
	for c != nil && c.Revision >= lo {
		paths, err := r.changedPaths(c)
		if err != nil {
			return nil, err
		}
		if pattern.MatchAny(paths) {
			out = append(out, c.Message())
		}
		if c.Parent == "" {
			break
		}
		data, err := r.store.Get(storage.KindCommit, c.Parent)
		if err != nil {
			return nil, err
		}
		if c, err = storage.DecodeCommit(data); err != nil {
			return nil, err
		}
	}
	if !descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if maxCommits > 0 && len(out) > maxCommits {
		out = out[:maxCommits]
	}
	return out, nil
}

// changedPaths compares a commit's tree manifest with its parent's.
// Only manifests are loaded; blob content is never touched.
func (r *Repository) changedPaths(c *storage.Commit) ([]string, error) {
	cur, err := r.manifest(c.Tree)
	if err != nil {
		return nil, err
	}
	parent := map[string]storage.ID{}
	if c.Parent != "" {
		data, err := r.store.Get(storage.KindCommit, c.Parent)
		if err != nil {
			return nil, err
		}
		pc, err := storage.DecodeCommit(data)
		if err != nil {
			return nil, err
		}
		if parent, err = r.manifest(pc.Tree); err != nil {
			return nil, err
		}
	}
	changed := sets.New[string]()
	for path, id := range cur {
		if parent[path] != id {
			changed.Insert(path)
		}
	}
	for path := range parent {
		if _, ok := cur[path]; !ok {
			changed.Insert(path)
		}
	}
	return sets.List(changed), nil
}

func (r *Repository) manifest(tree storage.ID) (map[string]storage.ID, error) {
	data, err := r.store.Get(storage.KindTree, tree)
	if err != nil {
		return nil, err
	}
	t, err := storage.DecodeTree(data)
	if err != nil {
		return nil, err
	}
	m := make(map[string]storage.ID, len(t.Entries))
	for _, te := range t.Entries {
		m[te.Path] = te.Blob
	}
	return m, nil
}

// LatestMatch returns the newest revision greater than lastKnown whose
// change set intersects pattern, or false when no such commit exists.
func (r *Repository) LatestMatch(lastKnown api.Revision, pattern *api.PathPattern) (api.Revision, bool, error) {
	head := r.Head()
	if lastKnown >= head {
		return 0, false, nil
	}
	_, c, err := r.commitAt(head)
	if err != nil {
		return 0, false, err
	}
	for c != nil && c.Revision > lastKnown {
		paths, err := r.changedPaths(c)
		if err != nil {
			return 0, false, err
		}
		if pattern.MatchAny(paths) {
			return c.Revision, true, nil
		}
		if c.Parent == "" {
			break
		}
		data, err := r.store.Get(storage.KindCommit, c.Parent)
		if err != nil {
			return 0, false, err
		}
		if c, err = storage.DecodeCommit(data); err != nil {
			return 0, false, err
		}
	}
	return 0, false, nil
}

// Diff returns the changes transforming the matching entries at from
// into those at to.
func (r *Repository) Diff(from, to api.Revision, pattern *api.PathPattern) ([]api.Change, error) {
	sf, err := r.Snapshot(from)
	if err != nil {
		return nil, err
	}
	st, err := r.Snapshot(to)
	if err != nil {
		return nil, err
	}
	paths := sets.New[string]()
	for _, p := range sf.paths {
		if pattern.Match(p) {
			paths.Insert(p)
		}
	}
	for _, p := range st.paths {
		if pattern.Match(p) {
			paths.Insert(p)
		}
	}
	var out []api.Change
	for _, p := range sets.List(paths) {
		change, err := diffEntry(sf, st, p)
		if err != nil {
			return nil, err
		}
		if change != nil {
			out = append(out, *change)
		}
	}
	return out, nil
}

func diffEntry(from, to *Snapshot, path string) (*api.Change, error) {
	inFrom := from.Contains(path)
	inTo := to.Contains(path)
	switch {
	case !inFrom && !inTo:
		return nil, nil
	case !inFrom:
		e, err := to.Entry(path)
		if err != nil {
			return nil, err
		}
		c := upsertFor(e)
		return &c, nil
	case !inTo:
		c := api.NewRemove(path)
		return &c, nil
	}
	fe, err := from.Entry(path)
	if err != nil {
		return nil, err
	}
	te, err := to.Entry(path)
	if err != nil {
		return nil, err
	}
	if fe.Equal(te) {
		return nil, nil
	}
	if fe.Type == api.EntryTypeJSON && te.Type == api.EntryTypeJSON {
		patch, err := diff.JSON(fe.Content, te.Content)
		if err != nil {
			return nil, err
		}
		c := api.NewApplyJSONPatch(path, patch)
		return &c, nil
	}
	if fe.Type == api.EntryTypeText && te.Type == api.EntryTypeText {
		patch, err := diff.Text(path, string(fe.Content), string(te.Content))
		if err != nil {
			return nil, err
		}
		c := api.NewApplyTextPatch(path, patch)
		return &c, nil
	}
	c := upsertFor(te)
	return &c, nil
}

func upsertFor(e api.Entry) api.Change {
	switch e.Type {
	case api.EntryTypeJSON:
		return api.NewUpsertJSON(e.Path, e.Content)
	case api.EntryTypeYAML:
		return api.NewUpsertYAML(e.Path, string(e.Content))
	}
	return api.NewUpsertText(e.Path, string(e.Content))
}

// DiffQuery describes how the result of q changed between two
// revisions. A nil change means the result is identical.
func (r *Repository) DiffQuery(from, to api.Revision, q api.Query) (*api.Change, error) {
	sf, err := r.Snapshot(from)
	if err != nil {
		return nil, err
	}
	st, err := r.Snapshot(to)
	if err != nil {
		return nil, err
	}
	fe, ferr := sf.Query(q)
	te, terr := st.Query(q)
	switch {
	case ferr != nil && terr != nil:
		if api.IsNotFound(ferr) && api.IsNotFound(terr) {
			return nil, nil
		}
		return nil, terr
	case ferr != nil:
		if !api.IsNotFound(ferr) {
			return nil, ferr
		}
		c := upsertFor(te)
		return &c, nil
	case terr != nil:
		if !api.IsNotFound(terr) {
			return nil, terr
		}
		c := api.NewRemove(q.Path)
		return &c, nil
	}
	if fe.Equal(te) {
		return nil, nil
	}
	if fe.Type == api.EntryTypeJSON && te.Type == api.EntryTypeJSON {
		patch, err := diff.JSON(fe.Content, te.Content)
		if err != nil {
			return nil, err
		}
		c := api.NewApplyJSONPatch(q.Path, patch)
		return &c, nil
	}
	patch, err := diff.Text(q.Path, string(fe.Content), string(te.Content))
	if err != nil {
		return nil, err
	}
	c := api.NewApplyTextPatch(q.Path, patch)
	return &c, nil
}
