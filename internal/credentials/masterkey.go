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
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

// Master key sources.
const (
	SourceEnv      = "env"
	SourceKeychain = "keychain"
	SourceFile     = "file"
)

const (
	// MasterKeyEnv holds a base64 master key.
	MasterKeyEnv = "SWITCHBOARD_MASTER_KEY"

	keychainService = "switchboard"
	keychainUser    = "credentials-master-key"
)

// ErrMasterKeyNotFound is returned when the configured source holds no key.
var ErrMasterKeyNotFound = errors.New("master key not found")

// MasterKeyOptions selects where the master key lives.
type MasterKeyOptions struct {
	// Source is env, keychain or file.
	Source string
	// Path is the key file for SourceFile.
	Path string
	// Create generates and stores a key when none exists. Not supported for env.
	Create bool
}

// LoadMasterKey resolves the master key. The env variable always wins when
// set, so headless deployments can override any configured source.
func LoadMasterKey(opts MasterKeyOptions) ([]byte, error) {
	if v := os.Getenv(MasterKeyEnv); v != "" {
		return decodeKey(v, MasterKeyEnv)
	}

	switch opts.Source {
	case "", SourceEnv:
		return nil, fmt.Errorf("%w: set %s", ErrMasterKeyNotFound, MasterKeyEnv)
	case SourceKeychain:
		return keychainKey(opts.Create)
	case SourceFile:
		return fileKey(opts.Path, opts.Create)
	default:
		return nil, fmt.Errorf("unknown master key source %q", opts.Source)
	}
}

func keychainKey(create bool) ([]byte, error) {
	v, err := keyring.Get(keychainService, keychainUser)
	if err == nil {
		return decodeKey(v, "keychain")
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("reading master key from keychain: %w", err)
	}
	if !create {
		return nil, fmt.Errorf("%w in keychain", ErrMasterKeyNotFound)
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(keychainService, keychainUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("storing master key in keychain: %w", err)
	}
	return key, nil
}

func fileKey(path string, create bool) ([]byte, error) {
	if path == "" {
		return nil, errors.New("master key file path is required")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		return decodeKey(strings.TrimSpace(string(data)), path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading master key file: %w", err)
	}
	if !create {
		return nil, fmt.Errorf("%w at %s", ErrMasterKeyNotFound, path)
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing master key file: %w", err)
	}
	return key, nil
}

func decodeKey(v, source string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decoding master key from %s: %w", source, err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("master key from %s must be %d bytes, got %d", source, keyLength, len(key))
	}
	return key, nil
}

func generateKey() ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	return key, nil
}
