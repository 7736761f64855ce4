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
	"encoding/json"
)

// ChangeType discriminates the Change union.
type ChangeType string

const (
	ChangeUpsertText     ChangeType = "UPSERT_TEXT"
	ChangeUpsertJSON     ChangeType = "UPSERT_JSON"
	ChangeUpsertYAML     ChangeType = "UPSERT_YAML"
	ChangeApplyJSONPatch ChangeType = "APPLY_JSON_PATCH"
	ChangeApplyTextPatch ChangeType = "APPLY_TEXT_PATCH"
	ChangeRemove         ChangeType = "REMOVE"
	ChangeRename         ChangeType = "RENAME"
)

// Change is one user-supplied edit inside a push. Content is
// interpreted per type: a JSON string for text upserts, text patches and
// rename targets; a JSON document for JSON/YAML upserts; an RFC 6902
// operation array for JSON patches; absent for removals.
type Change struct {
	Type    ChangeType      `json:"type"`
	Path    string          `json:"path"`
	Content json.RawMessage `json:"content,omitempty"`
}

// NewUpsertText replaces or creates the text entry at path.
func NewUpsertText(path, text string) Change {
	content, _ := json.Marshal(text)
	return Change{Type: ChangeUpsertText, Path: path, Content: content}
}

// NewUpsertJSON replaces or creates the JSON entry at path. doc must be
// a valid JSON document.
func NewUpsertJSON(path string, doc []byte) Change {
	return Change{Type: ChangeUpsertJSON, Path: path, Content: json.RawMessage(doc)}
}

// NewUpsertYAML replaces or creates the YAML entry at path with raw YAML
// text.
func NewUpsertYAML(path, text string) Change {
	content, _ := json.Marshal(text)
	return Change{Type: ChangeUpsertYAML, Path: path, Content: content}
}

// NewApplyJSONPatch applies an RFC 6902 patch (extended with
// safeReplace) to the JSON entry at path.
func NewApplyJSONPatch(path string, patch []byte) Change {
	return Change{Type: ChangeApplyJSONPatch, Path: path, Content: json.RawMessage(patch)}
}

// NewApplyTextPatch applies a unified diff to the text entry at path.
func NewApplyTextPatch(path, patch string) Change {
	content, _ := json.Marshal(patch)
	return Change{Type: ChangeApplyTextPatch, Path: path, Content: content}
}

// NewRemove deletes the entry at path.
func NewRemove(path string) Change {
	return Change{Type: ChangeRemove, Path: path}
}

// NewRename moves the entry at path to newPath.
func NewRename(path, newPath string) Change {
	content, _ := json.Marshal(newPath)
	return Change{Type: ChangeRename, Path: path, Content: content}
}

// Text decodes the content as a JSON string. Valid only for text
// upserts, YAML upserts, text patches and renames.
func (c Change) Text() (string, error) {
	var s string
	if err := json.Unmarshal(c.Content, &s); err != nil {
		return "", NewError(KindInvalidPush, "change %s at %s has non-string content", c.Type, c.Path)
	}
	return s, nil
}

// Validate checks the path grammar and the content shape.
func (c Change) Validate() error {
	if _, err := NormalizePath(c.Path); err != nil {
		return err
	}
	switch c.Type {
	case ChangeUpsertText, ChangeApplyTextPatch:
		_, err := c.Text()
		return err
	case ChangeUpsertJSON:
		if _, err := CanonicalJSON(c.Content); err != nil {
			return NewError(KindInvalidPush, "change at %s is not valid JSON: %v", c.Path, err)
		}
		if EntryTypeOf(c.Path) != EntryTypeJSON {
			return NewError(KindInvalidPush, "JSON upsert requires a .json path: %s", c.Path)
		}
	case ChangeUpsertYAML:
		if _, err := c.Text(); err != nil {
			return err
		}
		if EntryTypeOf(c.Path) != EntryTypeYAML {
			return NewError(KindInvalidPush, "YAML upsert requires a .yaml or .yml path: %s", c.Path)
		}
	case ChangeApplyJSONPatch:
		var ops []json.RawMessage
		if err := json.Unmarshal(c.Content, &ops); err != nil {
			return NewError(KindInvalidPush, "change at %s is not a JSON patch: %v", c.Path, err)
		}
	case ChangeRemove:
	case ChangeRename:
		target, err := c.Text()
		if err != nil {
			return err
		}
		if _, err := NormalizePath(target); err != nil {
			return err
		}
	default:
		return NewError(KindInvalidPush, "unknown change type %q", c.Type)
	}
	return nil
}
