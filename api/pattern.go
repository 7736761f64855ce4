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
	"strings"

	"github.com/gobwas/glob"
)

// PathPattern is a comma-separated list of glob expressions matched
// against entry paths. '*' matches within one segment, '**' across any
// number of segments. An expression without a leading slash matches at
// any depth.
type PathPattern struct {
	raw   string
	globs []glob.Glob
}

// CompilePattern parses and compiles a pattern. The empty pattern
// matches everything.
func CompilePattern(raw string) (*PathPattern, error) {
	p := &PathPattern{raw: raw}
	alts := strings.Split(raw, ",")
	for _, alt := range alts {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		for _, expr := range expand(alt) {
			g, err := glob.Compile(expr, '/')
			if err != nil {
				return nil, NewError(KindInvalidPush, "invalid path pattern %q: %v", alt, err)
			}
			p.globs = append(p.globs, g)
		}
	}
	if len(p.globs) == 0 {
		return CompilePattern("/**")
	}
	return p, nil
}

// expand rewrites one alternative into the glob expressions to try. A
// relative expression may match at the root or below any directory, so
// it compiles to both forms.
func expand(alt string) []string {
	if strings.HasPrefix(alt, "/") {
		return []string{alt}
	}
	return []string{"/" + alt, "/**/" + alt}
}

// MustCompilePattern is CompilePattern for patterns known at compile time.
func MustCompilePattern(raw string) *PathPattern {
	p, err := CompilePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// PatternAll matches every path.
var PatternAll = MustCompilePattern("/**")

// Match reports whether path matches any alternative of the pattern.
func (p *PathPattern) Match(path string) bool {
	for _, g := range p.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// MatchAny reports whether any of the given paths matches.
func (p *PathPattern) MatchAny(paths []string) bool {
	for _, path := range paths {
		if p.Match(path) {
			return true
		}
	}
	return false
}

func (p *PathPattern) String() string {
	return p.raw
}
