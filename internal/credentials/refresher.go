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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, cred Credential) (Token, error)

func (f RefresherFunc) Refresh(ctx context.Context, cred Credential) (Token, error) {
	return f(ctx, cred)
}

// ErrNoRefresher is returned when a connector has no refresh configuration.
var ErrNoRefresher = errors.New("no token refresher configured for connector")

// OAuthClient is the OAuth2 client registration for one connector.
type OAuthClient struct {
	ClientID     string   `yaml:"client_id" json:"clientId"`
	ClientSecret string   `yaml:"client_secret" json:"-"`
	TokenURL     string   `yaml:"token_url" json:"tokenUrl"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// OAuth2Refresher refreshes tokens with the standard refresh_token grant.
type OAuth2Refresher struct {
	configs map[string]*oauth2.Config
	client  *http.Client
}

// NewOAuth2Refresher builds a refresher from per-connector client
// registrations. client may be nil.
func NewOAuth2Refresher(clients map[string]OAuthClient, client *http.Client) *OAuth2Refresher {
	configs := make(map[string]*oauth2.Config, len(clients))
	for id, c := range clients {
		configs[id] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL},
			Scopes:       c.Scopes,
		}
	}
	return &OAuth2Refresher{configs: configs, client: client}
}

// Refresh implements Refresher.
func (r *OAuth2Refresher) Refresh(ctx context.Context, cred Credential) (Token, error) {
	cfg, ok := r.configs[cred.ConnectorID]
	if !ok {
		return Token{}, fmt.Errorf("%w %s", ErrNoRefresher, cred.ConnectorID)
	}
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	// An empty access token forces the source to hit the token endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshSecret})
	tok, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refreshing %s token: %w", cred.ConnectorID, err)
	}

	out := Token{AccessSecret: tok.AccessToken, RefreshSecret: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		out.ExpiresAt = &exp
	}
	return out, nil
}

// JWTExpiry returns the exp claim of a JWT without verifying its signature.
// The engine is not the audience of the token; it only needs to know when
// to stop presenting it.
func JWTExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
