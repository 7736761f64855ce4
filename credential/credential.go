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

// Package credential implements the typed credentials mirrors
// authenticate with, stored as JSON files in the meta-repository.
package credential

import (
	"encoding/json"
	"fmt"

	"github.com/gobwas/glob"

	"github.com/mirador-project/mirador/api"
)

// Type discriminates credential payloads.
type Type string

const (
	// TypeNone authenticates as nobody; useful for public remotes.
	TypeNone Type = "none"
	// TypePassword is username plus password over HTTP(S).
	TypePassword Type = "password"
	// TypePublicKey is an SSH key pair.
	TypePublicKey Type = "public_key"
	// TypeAccessToken is a bearer token over HTTP(S).
	TypeAccessToken Type = "access_token"
)

// Credential is one stored credential. The sensitive fields travel
// only between the store and the git transport, never in listings.
type Credential struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	Enabled bool   `json:"enabled"`
	// HostnamePatterns selects the remotes this credential applies to.
	// A credential with no patterns matches nothing.
	HostnamePatterns []string `json:"hostnamePatterns,omitempty"`

	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	PrivateKey  string `json:"privateKey,omitempty"`
	Passphrase  string `json:"passphrase,omitempty"`

	compiled []glob.Glob
}

// UnmarshalJSON defaults Enabled to true when the field is absent.
func (c *Credential) UnmarshalJSON(data []byte) error {
	type alias Credential
	a := alias{Enabled: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Credential(a)
	return nil
}

// Parse decodes and validates one credential document.
func Parse(data []byte) (*Credential, error) {
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, api.WrapError(api.KindInvalidPush, err, "undecodable credential")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the type, its required fields and the hostname
// patterns, compiling the patterns as a side effect.
func (c *Credential) Validate() error {
	if c.ID == "" {
		return api.NewError(api.KindInvalidPush, "credential has no id")
	}
	switch c.Type {
	case TypeNone:
	case TypePassword:
		if c.Username == "" || c.Password == "" {
			return api.NewError(api.KindInvalidPush, "password credential %s needs username and password", c.ID)
		}
	case TypePublicKey:
		if c.Username == "" || c.PrivateKey == "" {
			return api.NewError(api.KindInvalidPush, "public key credential %s needs username and private key", c.ID)
		}
	case TypeAccessToken:
		if c.AccessToken == "" {
			return api.NewError(api.KindInvalidPush, "access token credential %s needs a token", c.ID)
		}
	default:
		return api.NewError(api.KindInvalidPush, "credential %s has unknown type %q", c.ID, c.Type)
	}
	c.compiled = c.compiled[:0]
	for _, p := range c.HostnamePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return api.WrapError(api.KindInvalidPush, err, "credential %s has a bad hostname pattern %q", c.ID, p)
		}
		c.compiled = append(c.compiled, g)
	}
	return nil
}

// Matches reports whether this credential applies to hostname. A
// disabled credential or one without patterns never matches.
func (c *Credential) Matches(hostname string) bool {
	if !c.Enabled || len(c.HostnamePatterns) == 0 {
		return false
	}
	if len(c.compiled) != len(c.HostnamePatterns) {
		if err := c.Validate(); err != nil {
			return false
		}
	}
	for _, g := range c.compiled {
		if g.Match(hostname) {
			return true
		}
	}
	return false
}

// Redacted returns a listing-safe copy with sensitive fields blanked.
func (c *Credential) Redacted() *Credential {
	out := *c
	out.Password = ""
	out.AccessToken = ""
	out.PrivateKey = ""
	out.Passphrase = ""
	out.compiled = nil
	return &out
}

func (c *Credential) String() string {
	return fmt.Sprintf("%s(%s)", c.ID, c.Type)
}

// Store resolves credentials in insertion order.
type Store struct {
	creds []*Credential
}

// NewStore keeps creds in the given order; resolution is first match
// wins.
func NewStore(creds ...*Credential) *Store {
	return &Store{creds: creds}
}

// ByID finds a credential by id.
func (s *Store) ByID(id string) (*Credential, error) {
	for _, c := range s.creds {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, api.NewError(api.KindNotFound, "credential %s does not exist", id)
}

// ForHostname returns the first enabled credential whose patterns
// match hostname, or a TypeNone fallback when nothing matches.
func (s *Store) ForHostname(hostname string) *Credential {
	for _, c := range s.creds {
		if c.Matches(hostname) {
			return c
		}
	}
	return &Credential{Type: TypeNone, Enabled: true}
}

// List returns redacted copies in insertion order.
func (s *Store) List() []*Credential {
	out := make([]*Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c.Redacted())
	}
	return out
}
