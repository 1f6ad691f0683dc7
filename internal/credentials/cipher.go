// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving the data key from the master key.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	keyLength         = 32
	saltLength        = 16
)

// ErrInvalidCiphertext is returned when a sealed value cannot be opened,
// either because it is malformed or because it was tampered with.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Cipher seals credential secrets with AES-256-GCM.
//
// The data key is derived from the master key and a per-database salt with
// Argon2id, so a copied database is useless without the master key. Every
// value gets a fresh nonce and is bound to its (user, connector) pair as
// additional data, so ciphertext cannot be moved between rows.
//
// Sealed format: [nonce][ciphertext+tag].
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the data key from master and salt.
func NewCipher(master, salt []byte) (*Cipher, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("master key too short: need at least 16 bytes, got %d", len(master))
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt too short: need at least 8 bytes, got %d", len(salt))
	}

	key := argon2.IDKey(master, salt, argon2Time, argon2Memory, argon2Parallelism, keyLength)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewSalt returns a random salt for NewCipher.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

func binding(userID, connectorID string) []byte {
	return []byte(userID + "\x00" + connectorID)
}

// Seal encrypts plaintext for the given pair. An empty plaintext seals to nil.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (c *Cipher) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the nonce", ErrInvalidCiphertext, len(sealed))
	}
	plaintext, err := c.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}
