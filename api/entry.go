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

package api

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"sigs.k8s.io/yaml"
)

// EntryType selects how an entry's content is interpreted.
type EntryType string

const (
	// EntryTypeJSON entries carry a canonical JSON document.
	EntryTypeJSON EntryType = "JSON"
	// EntryTypeYAML entries carry YAML text, parsed to JSON node shape
	// for queries and diffs.
	EntryTypeYAML EntryType = "YAML"
	// EntryTypeText entries carry opaque text.
	EntryTypeText EntryType = "TEXT"
	// EntryTypeDirectory entries have no content of their own.
	EntryTypeDirectory EntryType = "DIRECTORY"
)

// EntryTypeOf derives the entry type from a path. The extension match is
// case-insensitive; directory paths end with '/'.
func EntryTypeOf(path string) EntryType {
	if IsDirPath(path) {
		return EntryTypeDirectory
	}
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".json"):
		return EntryTypeJSON
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return EntryTypeYAML
	}
	return EntryTypeText
}

// Entry is a (path, type, content) triple. Entries are value types and
// compared structurally: two JSON entries are equal when their parsed
// values are, regardless of formatting.
type Entry struct {
	Path    string    `json:"path"`
	Type    EntryType `json:"type"`
	Content []byte    `json:"content,omitempty"`
}

// TextEntry makes a text entry at path.
func TextEntry(path, text string) Entry {
	return Entry{Path: path, Type: EntryTypeText, Content: []byte(text)}
}

// JSONEntry makes a JSON entry, canonicalizing the content.
func JSONEntry(path string, content []byte) (Entry, error) {
	c, err := CanonicalJSON(content)
	if err != nil {
		return Entry{}, NewError(KindInvalidPush, "entry %s is not valid JSON: %v", path, err)
	}
	return Entry{Path: path, Type: EntryTypeJSON, Content: c}, nil
}

// DirectoryEntry makes a directory entry. Content is always nil.
func DirectoryEntry(path string) Entry {
	return Entry{Path: path, Type: EntryTypeDirectory}
}

// AsJSON returns the content as a JSON document. YAML content is
// converted; invalid YAML returns an error so callers can fall back to
// the raw text.
func (e Entry) AsJSON() ([]byte, error) {
	switch e.Type {
	case EntryTypeJSON:
		return e.Content, nil
	case EntryTypeYAML:
		j, err := yaml.YAMLToJSON(e.Content)
		if err != nil {
			return nil, NewError(KindInvalidPush, "entry %s is not valid YAML: %v", e.Path, err)
		}
		return j, nil
	}
	return nil, NewError(KindInvalidPush, "entry %s has no JSON representation", e.Path)
}

// Equal reports structural equality.
func (e Entry) Equal(other Entry) bool {
	if e.Path != other.Path || e.Type != other.Type {
		return false
	}
	if e.Type == EntryTypeJSON {
		return JSONEqual(e.Content, other.Content)
	}
	return bytes.Equal(e.Content, other.Content)
}

// CanonicalJSON re-encodes doc into the canonical compact form with
// object keys sorted. Round-tripping through this form is the identity
// for every already-canonical document.
func CanonicalJSON(doc []byte) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// JSONEqual reports whether two JSON documents carry the same value.
func JSONEqual(a, b []byte) bool {
	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
