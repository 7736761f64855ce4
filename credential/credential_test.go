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

package credential

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirador-project/mirador/api"
)

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		ok   bool
	}{
		{
			name: "password",
			doc:  `{"id":"a","type":"password","username":"u","password":"p","hostnamePatterns":["github.com"]}`,
			ok:   true,
		},
		{
			name: "password missing secret",
			doc:  `{"id":"a","type":"password","username":"u"}`,
		},
		{
			name: "access token",
			doc:  `{"id":"b","type":"access_token","accessToken":"tok"}`,
			ok:   true,
		},
		{
			name: "public key missing private key",
			doc:  `{"id":"c","type":"public_key","username":"git"}`,
		},
		{
			name: "none",
			doc:  `{"id":"d","type":"none"}`,
			ok:   true,
		},
		{
			name: "unknown type",
			doc:  `{"id":"e","type":"kerberos"}`,
		},
		{
			name: "missing id",
			doc:  `{"type":"none"}`,
		},
		{
			name: "bad pattern",
			doc:  `{"id":"f","type":"none","hostnamePatterns":["[unclosed"]}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.True(t, api.IsInvalidPush(err), "got %v", err)
			}
		})
	}
}

func TestEnabledDefaultsTrue(t *testing.T) {
	c, err := Parse([]byte(`{"id":"a","type":"none"}`))
	require.NoError(t, err)
	require.True(t, c.Enabled)

	c, err = Parse([]byte(`{"id":"a","type":"none","enabled":false}`))
	require.NoError(t, err)
	require.False(t, c.Enabled)
}

func TestHostnameMatching(t *testing.T) {
	c, err := Parse([]byte(`{"id":"a","type":"access_token","accessToken":"t","hostnamePatterns":["git.example.com","*.github.com"]}`))
	require.NoError(t, err)

	require.True(t, c.Matches("git.example.com"))
	require.True(t, c.Matches("api.github.com"))
	require.False(t, c.Matches("example.com"))

	// No patterns means no hosts, not all hosts.
	none, err := Parse([]byte(`{"id":"b","type":"access_token","accessToken":"t"}`))
	require.NoError(t, err)
	require.False(t, none.Matches("git.example.com"))

	// Disabled credentials never match.
	c.Enabled = false
	require.False(t, c.Matches("git.example.com"))
}

func TestStoreFirstMatchWins(t *testing.T) {
	first, err := Parse([]byte(`{"id":"first","type":"access_token","accessToken":"t1","hostnamePatterns":["*.example.com"]}`))
	require.NoError(t, err)
	second, err := Parse([]byte(`{"id":"second","type":"access_token","accessToken":"t2","hostnamePatterns":["git.example.com"]}`))
	require.NoError(t, err)
	s := NewStore(first, second)

	require.Equal(t, "first", s.ForHostname("git.example.com").ID)
	require.Equal(t, TypeNone, s.ForHostname("nowhere.net").Type)

	got, err := s.ByID("second")
	require.NoError(t, err)
	require.Equal(t, "t2", got.AccessToken)
	_, err = s.ByID("third")
	require.True(t, api.IsNotFound(err))
}

func TestRedactedHidesSecrets(t *testing.T) {
	c, err := Parse([]byte(`{"id":"a","type":"public_key","username":"git","publicKey":"pub","privateKey":"priv","passphrase":"pw"}`))
	require.NoError(t, err)
	r := c.Redacted()
	require.Empty(t, r.PrivateKey)
	require.Empty(t, r.Passphrase)
	require.Equal(t, "pub", r.PublicKey)
	require.Equal(t, "git", r.Username)
}
