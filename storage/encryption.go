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

package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// box wraps payloads with envelope encryption: each object gets a fresh
// data-encryption key, itself sealed under the repository key. Rotating
// the repository key only requires re-wrapping the DEKs.
type box struct {
	kek cipher.AEAD
}

type envelope struct {
	WrappedDEK []byte `json:"dek"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func newBox(key []byte) (*box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("repository key must be 32 bytes, got %d", len(key))
	}
	kek, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &box{kek: kek}, nil
}

func (b *box) seal(data []byte) ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, err
	}
	aead, err := newAEAD(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	kekNonce := make([]byte, b.kek.NonceSize())
	if _, err := io.ReadFull(rand.Reader, kekNonce); err != nil {
		return nil, err
	}
	env := envelope{
		WrappedDEK: append(kekNonce, b.kek.Seal(nil, kekNonce, dek, nil)...),
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, data, nil),
	}
	return json.Marshal(env)
}

func (b *box) open(payload []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	ns := b.kek.NonceSize()
	if len(env.WrappedDEK) < ns {
		return nil, errors.New("wrapped key too short")
	}
	dek, err := b.kek.Open(nil, env.WrappedDEK[:ns], env.WrappedDEK[ns:], nil)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(dek)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, env.Nonce, env.Ciphertext, nil)
}
