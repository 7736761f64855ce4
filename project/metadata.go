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

package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mirador-project/mirador/api"
)

// Record notes who did something and when.
type Record struct {
	Author    api.Author `json:"author"`
	Timestamp time.Time  `json:"timestamp"`
}

// RepoInfo is the lifecycle metadata of one repository. A non-nil
// Removed marks a soft delete: data is retained and the repository is
// only enumerable via the removed listings until purged or unremoved.
type RepoInfo struct {
	Name    string  `json:"name"`
	Created Record  `json:"created"`
	Removed *Record `json:"removed,omitempty"`
}

// Info is the persisted metadata of one project.
type Info struct {
	Name    string               `json:"name"`
	Created Record               `json:"created"`
	Removed *Record              `json:"removed,omitempty"`
	Repos   map[string]*RepoInfo `json:"repos"`
}

const metadataFile = "metadata.json"

// loadInfo reads a project's metadata file.
func loadInfo(dir string) (*Info, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, api.WrapError(api.KindCorruption, err, "metadata of %s is unreadable", dir)
	}
	if info.Repos == nil {
		info.Repos = map[string]*RepoInfo{}
	}
	return &info, nil
}

// saveInfo writes metadata through a temp file and an atomic rename so
// a crash never leaves a half-written file behind.
func saveInfo(dir string, info *Info) error {
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFile)); err != nil {
		return fmt.Errorf("replacing %s: %w", metadataFile, err)
	}
	return nil
}
