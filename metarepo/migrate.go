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

package metarepo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/repository"
)

// MigrateLegacy splits the aggregate /mirrors.json and
// /credentials.json files into per-document files. Duplicate ids get
// -1, -2, ... suffixes; documents without an id get one derived from
// the document's content. The migration commit is a pure function of
// the repository's current state: generated ids are content hashes and
// the timestamp is taken from the head commit, so replicas holding the
// same data write the same commit. Removing the aggregate in the same
// commit makes the migration idempotent: a migrated meta-repository
// has nothing left to migrate.
func MigrateLegacy(meta *repository.Repository, author api.Author) (bool, error) {
	snap, err := meta.Snapshot(api.Head)
	if err != nil {
		return false, err
	}
	var changes []api.Change
	for _, agg := range []struct {
		file, dir, prefix string
	}{
		{LegacyMirrorsFile, MirrorsDir, "mirror"},
		{LegacyCredentialsFile, CredentialsDir, "credential"},
	} {
		if !snap.Contains(agg.file) {
			continue
		}
		split, err := splitAggregate(snap, agg.file, agg.dir, agg.prefix)
		if err != nil {
			return false, err
		}
		changes = append(changes, split...)
		changes = append(changes, api.NewRemove(agg.file))
	}
	if len(changes) == 0 {
		return false, nil
	}
	head, err := meta.Commit(api.Head)
	if err != nil {
		return false, err
	}
	_, err = meta.Push(api.Head, author, "Migrate legacy configuration files", "",
		api.MarkupPlaintext, changes, false, head.Timestamp)
	if err != nil {
		return false, err
	}
	return true, nil
}

func splitAggregate(snap *repository.Snapshot, file, dir, prefix string) ([]api.Change, error) {
	entry, err := snap.Entry(file)
	if err != nil {
		return nil, err
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(entry.Content, &elements); err != nil {
		return nil, api.WrapError(api.KindCorruption, err, "legacy %s is not an array", file)
	}

	// Names already split in an earlier partial run stay taken.
	taken := sets.New[string]()
	for _, p := range snap.Paths() {
		if strings.HasPrefix(p, dir) {
			taken.Insert(basename(p))
		}
	}

	var changes []api.Change
	for _, raw := range elements {
		doc, err := gabs.ParseJSON(raw)
		if err != nil {
			return nil, api.WrapError(api.KindCorruption, err, "legacy element in %s", file)
		}
		id, _ := doc.Path("id").Data().(string)
		if id == "" {
			sum := sha256.Sum256(raw)
			id = fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(sum[:4]))
		}
		final := id
		for n := 1; taken.Has(final); n++ {
			final = fmt.Sprintf("%s-%d", id, n)
		}
		taken.Insert(final)
		if _, err := doc.Set(final, "id"); err != nil {
			return nil, err
		}
		changes = append(changes, api.NewUpsertJSON(dir+final+".json", doc.Bytes()))
	}
	return changes, nil
}
