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

// Package metarepo interprets the designated configuration paths of
// each project's meta-repository: /mirrors/*.json and
// /credentials/*.json, one document per file, basename as id.
package metarepo

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/credential"
	"github.com/mirador-project/mirador/mirror"
	"github.com/mirador-project/mirador/repository"
)

const (
	// MirrorsDir holds one mirror document per file.
	MirrorsDir = "/mirrors/"
	// CredentialsDir holds one credential document per file.
	CredentialsDir = "/credentials/"
	// LegacyMirrorsFile is the aggregate file migrated at startup.
	LegacyMirrorsFile = "/mirrors.json"
	// LegacyCredentialsFile is the aggregate file migrated at startup.
	LegacyCredentialsFile = "/credentials.json"
)

var (
	mirrorsPattern     = api.MustCompilePattern(MirrorsDir + "*.json")
	credentialsPattern = api.MustCompilePattern(CredentialsDir + "*.json")
)

// Index is one project's parsed configuration at a revision.
type Index struct {
	Project     string
	Revision    api.Revision
	Mirrors     []*mirror.Mirror
	Credentials *credential.Store
}

func basename(path string) string {
	name := path[strings.LastIndex(path, "/")+1:]
	return strings.TrimSuffix(name, ".json")
}

// BuildIndex parses the configuration out of the meta-repository at
// rev. Undecodable documents are logged and skipped so one bad file
// never hides the rest; the push policy keeps them out in the first
// place.
func BuildIndex(project string, meta *repository.Repository, rev api.Revision) (*Index, error) {
	snap, err := meta.Snapshot(rev)
	if err != nil {
		return nil, err
	}
	log := logrus.WithField("component", "metarepo").WithField("project", project)
	idx := &Index{Project: project, Revision: snap.Revision}

	entries, err := snap.Find(mirrorsPattern)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type == api.EntryTypeDirectory {
			continue
		}
		m, err := mirror.Parse(e.Content)
		if err != nil {
			log.WithError(err).WithField("path", e.Path).Warning("skipping bad mirror config")
			continue
		}
		m.Project = project
		if m.ID != basename(e.Path) {
			log.WithField("path", e.Path).Warning("mirror id does not match its file name, skipping")
			continue
		}
		idx.Mirrors = append(idx.Mirrors, m)
	}

	entries, err = snap.Find(credentialsPattern)
	if err != nil {
		return nil, err
	}
	var creds []*credential.Credential
	for _, e := range entries {
		if e.Type == api.EntryTypeDirectory {
			continue
		}
		c, err := credential.Parse(e.Content)
		if err != nil {
			log.WithError(err).WithField("path", e.Path).Warning("skipping bad credential")
			continue
		}
		if c.ID != basename(e.Path) {
			log.WithField("path", e.Path).Warning("credential id does not match its file name, skipping")
			continue
		}
		creds = append(creds, c)
	}
	idx.Credentials = credential.NewStore(creds...)
	return idx, nil
}

// PushPolicy vets writes to the configuration paths: a document that
// does not parse as its config type, or whose id disagrees with its
// file name, is rejected before it ever reaches a commit.
func PushPolicy(c api.Change) error {
	if c.Type != api.ChangeUpsertJSON {
		return nil
	}
	switch {
	case mirrorsPattern.Match(c.Path):
		m, err := mirror.Parse(c.Content)
		if err != nil {
			return err
		}
		if m.ID != basename(c.Path) {
			return api.NewError(api.KindInvalidPush, "mirror id %q does not match file %s", m.ID, c.Path)
		}
	case credentialsPattern.Match(c.Path):
		cred, err := credential.Parse(c.Content)
		if err != nil {
			return err
		}
		if cred.ID != basename(c.Path) {
			return api.NewError(api.KindInvalidPush, "credential id %q does not match file %s", cred.ID, c.Path)
		}
	}
	return nil
}
