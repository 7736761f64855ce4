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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/mirador-project/mirador/api"
)

// Text entries are stored newline-terminated (the commit engine
// normalizes them), so every line in a diff carries its line ending and
// no "\ No newline at end of file" handling is needed.

// Text computes a unified diff transforming a into b. The result is
// empty when the two texts are identical.
func Text(path, a, b string) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "a" + path,
		ToFile:   "b" + path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}

var hunkRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ApplyText applies a unified diff to base. Context and deletion lines
// must match the base text; a mismatch is a ChangePatchConflict.
func ApplyText(path, base, patch string) (string, error) {
	baseLines := difflib.SplitLines(base)
	var out []string
	idx := 0 // next unconsumed base line

	lines := strings.Split(patch, "\n")
	for li := 0; li < len(lines); li++ {
		line := lines[li]
		switch {
		case line == "", strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
			continue
		case strings.HasPrefix(line, "@@"):
			m := hunkRe.FindStringSubmatch(line)
			if m == nil {
				return "", api.NewError(api.KindInvalidPush, "malformed hunk header %q in patch for %s", line, path)
			}
			start, _ := strconv.Atoi(m[1])
			// A zero-length source range points at the line *after* which
			// the hunk inserts, so no adjustment is needed.
			if m[2] != "0" {
				start--
			}
			if start < idx || start > len(baseLines) {
				return "", api.NewError(api.KindChangePatchConflict, "hunk at line %s is out of range for %s", m[1], path)
			}
			out = append(out, baseLines[idx:start]...)
			idx = start
		case strings.HasPrefix(line, " "):
			if idx >= len(baseLines) || trimEOL(baseLines[idx]) != line[1:] {
				return "", patchMismatch(path, idx, line[1:])
			}
			out = append(out, baseLines[idx])
			idx++
		case strings.HasPrefix(line, "-"):
			if idx >= len(baseLines) || trimEOL(baseLines[idx]) != line[1:] {
				return "", patchMismatch(path, idx, line[1:])
			}
			idx++
		case strings.HasPrefix(line, "+"):
			out = append(out, line[1:]+"\n")
		default:
			return "", api.NewError(api.KindInvalidPush, "unexpected patch line %q for %s", line, path)
		}
	}
	out = append(out, baseLines[idx:]...)
	return strings.Join(out, ""), nil
}

func patchMismatch(path string, line int, expected string) error {
	return api.NewError(api.KindChangePatchConflict,
		"patch for %s does not match base at line %d (%s)", path, line+1, fmt.Sprintf("%.40q", expected))
}

func trimEOL(s string) string {
	return strings.TrimSuffix(s, "\n")
}
