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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEntryTypeOf(t *testing.T) {
	testCases := []struct {
		path     string
		expected EntryType
	}{
		{"/a.json", EntryTypeJSON},
		{"/a.JSON", EntryTypeJSON},
		{"/a.yaml", EntryTypeYAML},
		{"/a.yml", EntryTypeYAML},
		{"/a.txt", EntryTypeText},
		{"/a", EntryTypeText},
		{"/a/", EntryTypeDirectory},
		{"/", EntryTypeDirectory},
	}
	for _, tc := range testCases {
		if got := EntryTypeOf(tc.path); got != tc.expected {
			t.Errorf("EntryTypeOf(%q): expected %s, got %s", tc.path, tc.expected, got)
		}
	}
}

func TestCanonicalJSON(t *testing.T) {
	in := []byte(` {"b": 1,   "a": [1, 2,   3]} `)
	out, err := CanonicalJSON(in)
	if err != nil {
		t.Fatal(err)
	}
	expected := `{"a":[1,2,3],"b":1}`
	if diff := cmp.Diff(expected, string(out)); diff != "" {
		t.Errorf("canonical form mismatch (-want +got):\n%s", diff)
	}
	// Canonicalization is idempotent.
	again, err := CanonicalJSON(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(out) {
		t.Errorf("not idempotent: %s vs %s", again, out)
	}
}

func TestEntryEqual(t *testing.T) {
	a, err := JSONEntry("/a.json", []byte(`{"x": 1, "y": 2}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := JSONEntry("/a.json", []byte(`{"y":2,"x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Error("structurally equal JSON entries compared unequal")
	}
	if a.Equal(TextEntry("/a.json", `{"x":1,"y":2}`)) {
		t.Error("JSON and text entries compared equal")
	}
	if !TextEntry("/t.txt", "hi").Equal(TextEntry("/t.txt", "hi")) {
		t.Error("identical text entries compared unequal")
	}
}

func TestEntryAsJSONFromYAML(t *testing.T) {
	e := Entry{Path: "/c.yaml", Type: EntryTypeYAML, Content: []byte("a: 1\nb:\n  - x\n  - y\n")}
	j, err := e.AsJSON()
	if err != nil {
		t.Fatal(err)
	}
	c, err := CanonicalJSON(j)
	if err != nil {
		t.Fatal(err)
	}
	if string(c) != `{"a":1,"b":["x","y"]}` {
		t.Errorf("unexpected conversion: %s", c)
	}

	bad := Entry{Path: "/c.yaml", Type: EntryTypeYAML, Content: []byte(":\n\t- not yaml")}
	if _, err := bad.AsJSON(); err == nil {
		t.Error("invalid YAML converted without error")
	}
}
