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

// Package credentials stores per-user connector credentials encrypted at
// rest and keeps OAuth2 access tokens fresh.
//
// The engine only ever asks the Store for a usable credential. How the
// credential was first obtained (an OAuth authorize/callback exchange, a key
// pasted on the command line) is outside this package; Put accepts the
// result.
//
// Refresh is single-flight per (user, connector): while one refresh is in
// progress every other caller for the same pair waits for its result instead
// of presenting the refresh token a second time. Some providers rotate
// refresh tokens on use, so a duplicate refresh would invalidate the first.
package credentials

import (
	"log/slog"
	"time"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/log"
)

// Status is the lifecycle state of a credential.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusError   Status = "error"
	StatusRevoked Status = "revoked"
)

// Credential is a decrypted credential for one user and connector.
type Credential struct {
	UserID      string             `json:"userId"`
	ConnectorID string             `json:"connectorId"`
	Kind        connector.AuthKind `json:"kind"`

	// Username accompanies AccessSecret for basic auth.
	Username string `json:"username,omitempty"`

	// AccessSecret is the token, key or password presented upstream.
	AccessSecret string `json:"-"`

	// RefreshSecret is the OAuth2 refresh token, if any.
	RefreshSecret string `json:"-"`

	// ExpiresAt is nil for credentials that never expire.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	Scopes    []string  `json:"scopes,omitempty"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Expired reports whether the credential has passed its expiry.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// ExpiresWithin reports whether the credential expires before now+d.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt != nil && !now.Add(d).Before(*c.ExpiresAt)
}

// Refreshable reports whether a refresh token is available.
func (c *Credential) Refreshable() bool { return c.RefreshSecret != "" }

// LogValue keeps secrets out of logs.
func (c *Credential) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("user", c.UserID),
		slog.String(log.ConnectorKey, c.ConnectorID),
		slog.String("kind", string(c.Kind)),
		slog.String(log.StatusKey, string(c.Status)),
		slog.String("access", log.Redact(c.AccessSecret)),
	}
	if c.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *c.ExpiresAt))
	}
	return slog.GroupValue(attrs...)
}

// Token is the result of a refresh.
type Token struct {
	AccessSecret string

	// RefreshSecret replaces the stored refresh token when non-empty.
	RefreshSecret string

	ExpiresAt *time.Time
	Scopes    []string
}
