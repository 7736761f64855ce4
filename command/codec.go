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
	"fmt"

	"github.com/mirador-project/mirador/api"
)

// The wire form is the command's own JSON with a "type" discriminator
// merged in. Unknown fields are ignored on decode (forward compatible);
// an unknown type is fatal, because a replica that cannot interpret a
// log entry must not silently diverge.

type typeHeader struct {
	Type Type `json:"type"`
}

// Encode serializes c for the log.
func Encode(c Command) ([]byte, error) {
	if _, ok := c.(*Transform); ok {
		return nil, api.NewError(api.KindInvalidPush, "TRANSFORM must be materialized into PUSH before logging")
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s command: %w", c.Type(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flattening %s command: %w", c.Type(), err)
	}
	fields["type"] = json.RawMessage(`"` + string(c.Type()) + `"`)
	return json.Marshal(fields)
}

// Decode deserializes one log entry payload.
func Decode(data []byte) (Command, error) {
	var h typeHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, api.WrapError(api.KindCorruption, err, "undecodable command")
	}
	var c Command
	switch h.Type {
	case TypeCreateProject:
		c = &CreateProject{}
	case TypeRemoveProject:
		c = &RemoveProject{}
	case TypeUnremoveProject:
		c = &UnremoveProject{}
	case TypePurgeProject:
		c = &PurgeProject{}
	case TypeCreateRepository:
		c = &CreateRepository{}
	case TypeRemoveRepository:
		c = &RemoveRepository{}
	case TypeUnremoveRepository:
		c = &UnremoveRepository{}
	case TypePurgeRepository:
		c = &PurgeRepository{}
	case TypePush:
		c = &Push{}
	case TypeUpdateServerStatus:
		c = &UpdateServerStatus{}
	case TypeCreateSession:
		c = &CreateSession{}
	case TypeRemoveSession:
		c = &RemoveSession{}
	default:
		return nil, api.NewError(api.KindCorruption, "unknown command type %q", h.Type)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, api.WrapError(api.KindCorruption, err, "undecodable %s command", h.Type)
	}
	return c, nil
}
