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

import "time"

// Author identifies who produced a commit or command.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// SystemAuthor is used for commits the server produces itself (mirror
// syncs, meta-repository migration).
var SystemAuthor = Author{Name: "Mirador", Email: "mirador@localhost"}

// Markup selects how a commit message's detail is rendered.
type Markup string

const (
	MarkupPlaintext Markup = "PLAINTEXT"
	MarkupMarkdown  Markup = "MARKDOWN"
)

// Commit is the immutable record of one atomic application of changes.
type Commit struct {
	Revision  Revision  `json:"revision"`
	Author    Author    `json:"author"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail,omitempty"`
	Markup    Markup    `json:"markup,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
