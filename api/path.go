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
	"regexp"
	"strings"
)

// Path grammar: "/" segment ("/" segment)*, where a segment matches
// [A-Za-z0-9._-]+ with no leading or trailing dot and no "..". Directory
// paths end with "/"; the root "/" is a valid directory path.

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validSegment(seg string) bool {
	if seg == "" || seg == "." || seg == ".." {
		return false
	}
	if strings.HasPrefix(seg, ".") || strings.HasSuffix(seg, ".") {
		return false
	}
	return segmentRe.MatchString(seg)
}

// NormalizePath validates p as an absolute file path and returns it with
// any redundant slashes removed.
func NormalizePath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", NewError(KindInvalidPush, "path must be absolute: %q", p)
	}
	if strings.HasSuffix(p, "/") {
		return "", NewError(KindInvalidPush, "path must not end with '/': %q", p)
	}
	segs := strings.Split(p[1:], "/")
	for _, seg := range segs {
		if !validSegment(seg) {
			return "", NewError(KindInvalidPush, "path %q has an invalid segment %q", p, seg)
		}
	}
	return "/" + strings.Join(segs, "/"), nil
}

// NormalizeDirPath validates p as a directory path, always returning a
// trailing slash. "/" is accepted as-is.
func NormalizeDirPath(p string) (string, error) {
	if p == "/" {
		return p, nil
	}
	trimmed := strings.TrimSuffix(p, "/")
	n, err := NormalizePath(trimmed)
	if err != nil {
		return "", err
	}
	return n + "/", nil
}

// IsDirPath reports whether p names a directory under the path grammar.
func IsDirPath(p string) bool {
	return strings.HasSuffix(p, "/")
}

// BaseName returns the filename portion of a file path.
func BaseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// DirName returns the containing directory of p, with a trailing slash.
func DirName(p string) string {
	i := strings.LastIndexByte(strings.TrimSuffix(p, "/"), '/')
	if i <= 0 {
		return "/"
	}
	return p[:i+1]
}
