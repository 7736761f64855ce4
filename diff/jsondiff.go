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

// Package diff computes and applies the two patch formats the commit
// engine stores: RFC 6902 JSON patches (extended with safeReplace) and
// unified text diffs.
package diff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/mirador-project/mirador/api"
)

// Operation is one RFC 6902 operation. From is only set on move and
// copy operations; OldValue is only meaningful for the safeReplace
// extension, which tests the current value before replacing it.
type Operation struct {
	Op       string          `json:"op"`
	Path     string          `json:"path"`
	From     string          `json:"from,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	OldValue json.RawMessage `json:"oldValue,omitempty"`
}

// escapePointer applies RFC 6901 token escaping.
func escapePointer(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

// JSON computes an RFC 6902 patch transforming from into to. Objects
// are diffed per key; arrays and scalars are replaced wholesale. The
// patch is empty exactly when the two documents carry the same value.
func JSON(from, to []byte) ([]byte, error) {
	var a, b interface{}
	if err := json.Unmarshal(from, &a); err != nil {
		return nil, fmt.Errorf("diff source: %w", err)
	}
	if err := json.Unmarshal(to, &b); err != nil {
		return nil, fmt.Errorf("diff target: %w", err)
	}
	ops := diffValue("", a, b, nil)
	if ops == nil {
		ops = []Operation{}
	}
	return json.Marshal(ops)
}

func diffValue(path string, a, b interface{}, ops []Operation) []Operation {
	if reflect.DeepEqual(a, b) {
		return ops
	}
	ma, aok := a.(map[string]interface{})
	mb, bok := b.(map[string]interface{})
	if aok && bok {
		keys := make([]string, 0, len(ma)+len(mb))
		seen := map[string]bool{}
		for k := range ma {
			keys = append(keys, k)
			seen[k] = true
		}
		for k := range mb {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := path + "/" + escapePointer(k)
			av, inA := ma[k]
			bv, inB := mb[k]
			switch {
			case inA && !inB:
				ops = append(ops, Operation{Op: "remove", Path: child})
			case !inA && inB:
				ops = append(ops, Operation{Op: "add", Path: child, Value: mustRaw(bv)})
			default:
				ops = diffValue(child, av, bv, ops)
			}
		}
		return ops
	}
	return append(ops, Operation{Op: "replace", Path: path, Value: mustRaw(b)})
}

func mustRaw(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// v came out of json.Unmarshal; re-encoding cannot fail.
		panic(err)
	}
	return raw
}

// ApplyJSON applies patch to doc. safeReplace operations are expanded
// into a test followed by a replace before the standard application.
// Any application failure, including a failed test, is a
// ChangePatchConflict.
func ApplyJSON(doc, patch []byte) ([]byte, error) {
	var ops []Operation
	if err := json.Unmarshal(patch, &ops); err != nil {
		return nil, api.NewError(api.KindInvalidPush, "malformed JSON patch: %v", err)
	}
	expanded := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.Op == "safeReplace" {
			expanded = append(expanded,
				Operation{Op: "test", Path: op.Path, Value: op.OldValue},
				Operation{Op: "replace", Path: op.Path, Value: op.Value})
			continue
		}
		expanded = append(expanded, op)
	}
	raw, err := json.Marshal(expanded)
	if err != nil {
		return nil, err
	}
	p, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, api.NewError(api.KindInvalidPush, "malformed JSON patch: %v", err)
	}
	out, err := p.Apply(doc)
	if err != nil {
		return nil, api.WrapError(api.KindChangePatchConflict, err, "JSON patch did not apply")
	}
	return out, nil
}
