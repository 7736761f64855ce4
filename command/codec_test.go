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

package command

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/mirador-project/mirador/api"
)

var base = Base{
	TS: time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
	By: api.Author{Name: "alice", Email: "alice@example.com"},
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
	}{
		{
			name: "create project",
			cmd:  &CreateProject{Base: base, Project: "foo"},
		},
		{
			name: "purge repository",
			cmd:  &PurgeRepository{Base: base, Project: "foo", Repo: "bar"},
		},
		{
			name: "forced push",
			cmd: &Push{
				Base:         base,
				Project:      "foo",
				Repo:         "bar",
				BaseRevision: 7,
				Summary:      "Update /a.json",
				Markup:       api.MarkupMarkdown,
				Changes: []api.Change{
					api.NewUpsertJSON("/a.json", []byte(`{"k":1}`)),
					api.NewRemove("/b.txt"),
				},
				Force: true,
			},
		},
		{
			name: "server status",
			cmd:  &UpdateServerStatus{Base: base, Writable: false},
		},
		{
			name: "create session",
			cmd: &CreateSession{
				Base:      base,
				SessionID: "8f14e45f-ceea-4672-8d2b-1bb1a9d79e42",
				Session:   json.RawMessage(`{"username":"alice"}`),
			},
		},
		{
			name: "remove session",
			cmd:  &RemoveSession{Base: base, SessionID: "8f14e45f-ceea-4672-8d2b-1bb1a9d79e42"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.cmd)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, tc.cmd.Type(), got.Type())
			if d := cmp.Diff(tc.cmd, got); d != "" {
				t.Errorf("round trip (-want +got):\n%s", d)
			}
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	got, err := Decode([]byte(`{"type":"CREATE_PROJECT","project":"foo","futureField":42}`))
	require.NoError(t, err)
	require.Equal(t, "foo", got.(*CreateProject).Project)
}

func TestDecodeUnknownTypeIsFatal(t *testing.T) {
	_, err := Decode([]byte(`{"type":"DEPLOY_SPACESHIP"}`))
	require.True(t, api.IsCorruption(err), "got %v", err)

	_, err = Decode([]byte(`not json`))
	require.True(t, api.IsCorruption(err), "got %v", err)
}

func TestEncodeRejectsTransform(t *testing.T) {
	_, err := Encode(&Transform{Base: base})
	require.Error(t, err)
}

func TestTransformMaterialize(t *testing.T) {
	tr := &Transform{
		Base:    base,
		Project: "foo",
		Repo:    "bar",
		Path:    "/counter.json",
		Summary: "Bump counter",
		Func: func(current json.RawMessage) (json.RawMessage, error) {
			var v int
			require.NoError(t, json.Unmarshal(current, &v))
			return json.Marshal(v + 1)
		},
	}
	push, err := tr.Materialize(json.RawMessage(`41`))
	require.NoError(t, err)
	require.Equal(t, api.Head, push.BaseRevision)
	require.Len(t, push.Changes, 1)
	require.Equal(t, "/counter.json", push.Changes[0].Path)
	require.JSONEq(t, `42`, string(push.Changes[0].Content))

	// An identity transform is redundant.
	tr.Func = func(current json.RawMessage) (json.RawMessage, error) { return current, nil }
	_, err = tr.Materialize(json.RawMessage(`41`))
	require.True(t, api.IsRedundantChange(err), "got %v", err)
}
