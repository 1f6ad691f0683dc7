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
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/connector"
)

func TestSQLiteRepository(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds", "switchboard.db")

	repo, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	_, err = repo.Load(ctx, "alice", "gmail")
	assert.ErrorIs(t, err, ErrNotFound)

	exp := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rec := &Record{
		UserID: "alice", ConnectorID: "gmail", Kind: connector.AuthOAuth2,
		AccessSealed: []byte{1, 2, 3}, RefreshSealed: []byte{4, 5},
		ExpiresAt: &exp, Scopes: []string{"mail.read"}, Status: StatusActive,
		UpdatedAt: exp.Add(-time.Hour),
	}
	require.NoError(t, repo.Save(ctx, rec))
	require.NoError(t, repo.Save(ctx, &Record{
		UserID: "bob", ConnectorID: "slack", Kind: connector.AuthBearer,
		AccessSealed: []byte{9}, Status: StatusActive, UpdatedAt: exp,
	}))

	got, err := repo.Load(ctx, "alice", "gmail")
	require.NoError(t, err)
	assert.Equal(t, rec.AccessSealed, got.AccessSealed)
	assert.Equal(t, rec.Scopes, got.Scopes)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt))

	rec.Status = StatusRevoked
	rec.AccessSealed = nil
	require.NoError(t, repo.Save(ctx, rec), "upsert")
	got, _ = repo.Load(ctx, "alice", "gmail")
	assert.Equal(t, StatusRevoked, got.Status)
	assert.Empty(t, got.AccessSealed)

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].UserID)
	assert.Nil(t, all[1].ExpiresAt)

	bobs, err := repo.List(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bobs, 1)

	require.NoError(t, repo.Delete(ctx, "bob", "slack"))
	_, err = repo.Load(ctx, "bob", "slack")
	assert.ErrorIs(t, err, ErrNotFound)

	salt, err := repo.Salt(ctx)
	require.NoError(t, err)
	assert.Len(t, salt, saltLength)
	again, err := repo.Salt(ctx)
	require.NoError(t, err)
	assert.Equal(t, salt, again, "salt is stable")
}

func TestStore_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	s := NewStore(repo, sharedCipher(t))
	require.NoError(t, s.Put(ctx, Credential{
		UserID: "alice", ConnectorID: "jira", Kind: connector.AuthBasic,
		Username: "alice@example.com", AccessSecret: "api-token",
	}))

	cred, err := s.Get(ctx, "alice", "jira")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", cred.Username)
	assert.Equal(t, "api-token", cred.AccessSecret)
}

func TestOAuth2Refresher(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"refresh_token": r.PostForm.Get("refresh_token"),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "ya29.new",
			"refresh_token": "1//rotated",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	r := NewOAuth2Refresher(map[string]OAuthClient{
		"gmail": {ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL},
	}, srv.Client())

	tok, err := r.Refresh(context.Background(), Credential{ConnectorID: "gmail", RefreshSecret: "1//old"})
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", gotForm["grant_type"])
	assert.Equal(t, "1//old", gotForm["refresh_token"])
	assert.Equal(t, "ya29.new", tok.AccessSecret)
	assert.Equal(t, "1//rotated", tok.RefreshSecret)
	require.NotNil(t, tok.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *tok.ExpiresAt, time.Minute)

	_, err = r.Refresh(context.Background(), Credential{ConnectorID: "slack", RefreshSecret: "x"})
	assert.ErrorIs(t, err, ErrNoRefresher)
}

func TestLoadMasterKey(t *testing.T) {
	key := make([]byte, keyLength)
	for i := range key {
		key[i] = byte(i)
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	t.Run("env wins", func(t *testing.T) {
		t.Setenv(MasterKeyEnv, encoded)
		got, err := LoadMasterKey(MasterKeyOptions{Source: SourceFile, Path: "/nonexistent"})
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("env wrong length", func(t *testing.T) {
		t.Setenv(MasterKeyEnv, base64.StdEncoding.EncodeToString([]byte("short")))
		_, err := LoadMasterKey(MasterKeyOptions{})
		assert.Error(t, err)
	})

	t.Run("file created once", func(t *testing.T) {
		t.Setenv(MasterKeyEnv, "")
		path := filepath.Join(t.TempDir(), "keys", "master.key")

		_, err := LoadMasterKey(MasterKeyOptions{Source: SourceFile, Path: path})
		assert.ErrorIs(t, err, ErrMasterKeyNotFound)

		first, err := LoadMasterKey(MasterKeyOptions{Source: SourceFile, Path: path, Create: true})
		require.NoError(t, err)
		second, err := LoadMasterKey(MasterKeyOptions{Source: SourceFile, Path: path})
		require.NoError(t, err)
		assert.Equal(t, first, second)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("unknown source", func(t *testing.T) {
		t.Setenv(MasterKeyEnv, "")
		_, err := LoadMasterKey(MasterKeyOptions{Source: "vault"})
		assert.Error(t, err)
	})
}
