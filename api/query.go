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

// QueryType discriminates query evaluation. New expression kinds get a
// new type value; unknown types are rejected at evaluation time.
type QueryType string

const (
	// QueryIdentity returns the entry at the exact path.
	QueryIdentity QueryType = "IDENTITY"
	// QueryJSONPath applies JSON-path expressions to a JSON or YAML entry.
	QueryJSONPath QueryType = "JSON_PATH"
)

// Query addresses one entry at one revision, optionally transforming it.
type Query struct {
	Path        string    `json:"path"`
	Type        QueryType `json:"type"`
	Expressions []string  `json:"expressions,omitempty"`
}

// IdentityQuery fetches the entry at path untransformed.
func IdentityQuery(path string) Query {
	return Query{Path: path, Type: QueryIdentity}
}

// JSONPathQuery extracts a sub-tree of the JSON entry at path. Each
// expression is applied to the result of the previous one.
func JSONPathQuery(path string, expressions ...string) Query {
	return Query{Path: path, Type: QueryJSONPath, Expressions: expressions}
}

// Validate checks the path grammar and the type.
func (q Query) Validate() error {
	if _, err := NormalizePath(q.Path); err != nil {
		return err
	}
	switch q.Type {
	case QueryIdentity:
	case QueryJSONPath:
		if len(q.Expressions) == 0 {
			return NewError(KindInvalidPush, "JSON path query at %s has no expressions", q.Path)
		}
	default:
		return NewError(KindInvalidPush, "unknown query type %q", q.Type)
	}
	return nil
}
