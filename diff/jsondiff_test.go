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

package diff

import (
	"testing"

	"github.com/mirador-project/mirador/api"
)

func TestJSONDiffRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		from string
		to   string
	}{
		{name: "replace scalar", from: `{"a":"b"}`, to: `{"a":"c"}`},
		{name: "add key", from: `{"a":1}`, to: `{"a":1,"b":2}`},
		{name: "remove key", from: `{"a":1,"b":2}`, to: `{"a":1}`},
		{name: "nested object", from: `{"a":{"b":{"c":1}}}`, to: `{"a":{"b":{"c":2,"d":3}}}`},
		{name: "array replaced", from: `{"a":[1,2,3]}`, to: `{"a":[1,2]}`},
		{name: "type change", from: `{"a":{"b":1}}`, to: `{"a":[1]}`},
		{name: "root type change", from: `[1,2]`, to: `{"a":1}`},
		{name: "escaped keys", from: `{"a/b":1,"c~d":2}`, to: `{"a/b":9,"c~d":2}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			patch, err := JSON([]byte(tc.from), []byte(tc.to))
			if err != nil {
				t.Fatalf("diff: %v", err)
			}
			applied, err := ApplyJSON([]byte(tc.from), patch)
			if err != nil {
				t.Fatalf("apply %s: %v", patch, err)
			}
			if !api.JSONEqual(applied, []byte(tc.to)) {
				t.Errorf("round trip: patch %s applied to %s gave %s, expected %s", patch, tc.from, applied, tc.to)
			}
		})
	}
}

func TestJSONDiffEqualIsEmpty(t *testing.T) {
	patch, err := JSON([]byte(`{"a": [1, 2], "b": "x"}`), []byte(`{"b":"x","a":[1,2]}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(patch) != "[]" {
		t.Errorf("expected empty patch, got %s", patch)
	}
}

func TestApplyJSONSafeReplace(t *testing.T) {
	doc := []byte(`{"a":"old"}`)
	good := []byte(`[{"op":"safeReplace","path":"/a","oldValue":"old","value":"new"}]`)
	out, err := ApplyJSON(doc, good)
	if err != nil {
		t.Fatalf("safeReplace with matching oldValue: %v", err)
	}
	if !api.JSONEqual(out, []byte(`{"a":"new"}`)) {
		t.Errorf("unexpected result %s", out)
	}

	bad := []byte(`[{"op":"safeReplace","path":"/a","oldValue":"stale","value":"new"}]`)
	if _, err := ApplyJSON(doc, bad); !api.IsChangePatchConflict(err) {
		t.Errorf("expected ChangePatchConflict, got %v", err)
	}
}

func TestApplyJSONMoveAndCopy(t *testing.T) {
	doc := []byte(`{"a":1,"b":2}`)
	out, err := ApplyJSON(doc, []byte(`[{"op":"move","from":"/a","path":"/c"}]`))
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !api.JSONEqual(out, []byte(`{"b":2,"c":1}`)) {
		t.Errorf("unexpected move result %s", out)
	}

	out, err = ApplyJSON(doc, []byte(`[{"op":"copy","from":"/b","path":"/d"}]`))
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !api.JSONEqual(out, []byte(`{"a":1,"b":2,"d":2}`)) {
		t.Errorf("unexpected copy result %s", out)
	}
}

func TestApplyJSONTestFailure(t *testing.T) {
	doc := []byte(`{"a":1}`)
	patch := []byte(`[{"op":"test","path":"/a","value":2},{"op":"replace","path":"/a","value":3}]`)
	if _, err := ApplyJSON(doc, patch); !api.IsChangePatchConflict(err) {
		t.Errorf("expected ChangePatchConflict, got %v", err)
	}
}
