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
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/log"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

const (
	// DefaultRefreshBuffer refreshes tokens this long before they expire.
	DefaultRefreshBuffer = 5 * time.Minute

	// DefaultRefreshTimeout bounds one upstream refresh.
	DefaultRefreshTimeout = 30 * time.Second
)

// Refresh results reported to observers.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
)

// Provider is what the execution engine needs from a credential store.
type Provider interface {
	Get(ctx context.Context, userID, connectorID string) (*Credential, error)
	Refresh(ctx context.Context, userID, connectorID string) (*Credential, error)
	Revoke(ctx context.Context, userID, connectorID string) error
}

// Store implements Provider on top of a Repository.
type Store struct {
	repo      Repository
	cipher    *Cipher
	refresher Refresher

	buffer  time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	observe func(result string)

	flights singleflight.Group
}

var _ Provider = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithRefresher sets the token refresher.
func WithRefresher(r Refresher) Option { return func(s *Store) { s.refresher = r } }

// WithRefreshBuffer sets how early tokens are refreshed.
func WithRefreshBuffer(d time.Duration) Option { return func(s *Store) { s.buffer = d } }

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithRefreshObserver is called with RefreshSuccess or RefreshFailure after
// every upstream refresh.
func WithRefreshObserver(fn func(result string)) Option {
	return func(s *Store) { s.observe = fn }
}

// NewStore creates a store. Secrets are sealed with cipher.
func NewStore(repo Repository, cipher *Cipher, opts ...Option) *Store {
	s := &Store{
		repo:    repo,
		cipher:  cipher,
		buffer:  DefaultRefreshBuffer,
		timeout: DefaultRefreshTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(s.logger, "credentials")
	return s
}

func authErr(userID, connectorID, reason string, cause error) error {
	return &sberrors.AuthenticationError{ConnectorID: connectorID, UserID: userID, Reason: reason, Cause: cause}
}

// Get returns a usable credential, refreshing it first when it expires
// within the refresh buffer.
func (s *Store) Get(ctx context.Context, userID, connectorID string) (*Credential, error) {
	cred, err := s.load(ctx, userID, connectorID)
	if err != nil {
		return nil, err
	}
	if err := usable(cred); err != nil {
		return nil, err
	}

	now := s.now()
	if !cred.ExpiresWithin(now, s.buffer) {
		return cred, nil
	}
	if !cred.Refreshable() {
		if !cred.Expired(now) {
			return cred, nil
		}
		cred.Status = StatusExpired
		if err := s.save(ctx, cred); err != nil {
			s.logger.Warn("failed to mark credential expired", slog.Any("credential", cred), log.Error(err))
		}
		return nil, authErr(userID, connectorID, "credential expired and cannot be refreshed", nil)
	}
	return s.refresh(ctx, userID, connectorID, false)
}

// Refresh forces a refresh through the same single-flight path as Get.
func (s *Store) Refresh(ctx context.Context, userID, connectorID string) (*Credential, error) {
	return s.refresh(ctx, userID, connectorID, true)
}

// Revoke marks the credential revoked and discards its secrets. Revoking a
// missing or already revoked credential succeeds.
func (s *Store) Revoke(ctx context.Context, userID, connectorID string) error {
	rec, err := s.repo.Load(ctx, userID, connectorID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status == StatusRevoked {
		return nil
	}
	rec.Status = StatusRevoked
	rec.AccessSealed = nil
	rec.RefreshSealed = nil
	rec.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, rec); err != nil {
		return err
	}
	s.logger.Info("credential revoked", slog.String("user", userID), slog.String(log.ConnectorKey, connectorID))
	return nil
}

// Put stores a credential obtained out of band. Bearer tokens that are JWTs
// without an explicit expiry take it from their exp claim.
func (s *Store) Put(ctx context.Context, cred Credential) error {
	if cred.UserID == "" || cred.ConnectorID == "" {
		return &sberrors.ValidationError{Field: "credential", Message: "user and connector are required"}
	}
	if cred.AccessSecret == "" && cred.RefreshSecret == "" {
		return &sberrors.ValidationError{Field: "credential.secret", Message: "an access or refresh secret is required"}
	}
	if cred.ExpiresAt == nil && cred.Kind == connector.AuthBearer {
		if exp, ok := JWTExpiry(cred.AccessSecret); ok {
			cred.ExpiresAt = &exp
		}
	}
	if cred.Status == "" {
		cred.Status = StatusActive
	}
	return s.save(ctx, &cred)
}

// List returns the credentials for userID, or every credential when userID
// is empty, with secrets removed.
func (s *Store) List(ctx context.Context, userID string) ([]Credential, error) {
	recs, err := s.repo.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Credential, len(recs))
	for i, rec := range recs {
		out[i] = Credential{
			UserID:      rec.UserID,
			ConnectorID: rec.ConnectorID,
			Kind:        rec.Kind,
			Username:    rec.Username,
			ExpiresAt:   rec.ExpiresAt,
			Scopes:      rec.Scopes,
			Status:      rec.Status,
			UpdatedAt:   rec.UpdatedAt,
		}
	}
	return out, nil
}

func usable(c *Credential) error {
	switch c.Status {
	case StatusRevoked:
		return authErr(c.UserID, c.ConnectorID, "credential has been revoked", nil)
	case StatusError:
		return authErr(c.UserID, c.ConnectorID, "credential needs re-authorization after a failed refresh", nil)
	}
	return nil
}

// refresh runs at most one upstream refresh per (user, connector) at a time.
// The refresh itself is detached from the caller's cancellation so that one
// impatient caller cannot fail the refresh for everyone waiting on it; each
// caller still stops waiting when its own context ends.
func (s *Store) refresh(ctx context.Context, userID, connectorID string, force bool) (*Credential, error) {
	key := userID + "\x00" + connectorID
	ch := s.flights.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.doRefresh(rctx, userID, connectorID, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred := *res.Val.(*Credential)
		return &cred, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) doRefresh(ctx context.Context, userID, connectorID string, force bool) (*Credential, error) {
	cred, err := s.load(ctx, userID, connectorID)
	if err != nil {
		return nil, err
	}
	if err := usable(cred); err != nil {
		return nil, err
	}
	// A flight that finished just before this one may already have
	// refreshed the token.
	if !force && !cred.ExpiresWithin(s.now(), s.buffer) {
		return cred, nil
	}
	if !cred.Refreshable() {
		return nil, authErr(userID, connectorID, "credential has no refresh token", nil)
	}
	if s.refresher == nil {
		return nil, authErr(userID, connectorID, "token refresh is not configured", ErrNoRefresher)
	}

	logger := s.logger.With(slog.String("user", userID), slog.String(log.ConnectorKey, connectorID))
	start := s.now()
	tok, err := s.refresher.Refresh(ctx, *cred)
	if err != nil {
		s.report(RefreshFailure)
		cred.Status = StatusError
		if serr := s.save(ctx, cred); serr != nil {
			logger.Warn("failed to record refresh failure", log.Error(serr))
		}
		logger.Warn("token refresh failed", log.Error(err))
		return nil, authErr(userID, connectorID, "token refresh failed", err)
	}

	cred.AccessSecret = tok.AccessSecret
	if tok.RefreshSecret != "" {
		cred.RefreshSecret = tok.RefreshSecret
	}
	cred.ExpiresAt = tok.ExpiresAt
	if len(tok.Scopes) > 0 {
		cred.Scopes = tok.Scopes
	}
	cred.Status = StatusActive
	if err := s.save(ctx, cred); err != nil {
		s.report(RefreshFailure)
		return nil, authErr(userID, connectorID, "storing refreshed token failed", err)
	}

	s.report(RefreshSuccess)
	logger.Info("token refreshed", slog.Int64(log.DurationKey, s.now().Sub(start).Milliseconds()))
	return cred, nil
}

func (s *Store) report(result string) {
	if s.observe != nil {
		s.observe(result)
	}
}

func (s *Store) load(ctx context.Context, userID, connectorID string) (*Credential, error) {
	rec, err := s.repo.Load(ctx, userID, connectorID)
	if errors.Is(err, ErrNotFound) {
		return nil, authErr(userID, connectorID, "no credential stored", nil)
	}
	if err != nil {
		return nil, authErr(userID, connectorID, "credential storage unavailable", err)
	}

	aad := binding(userID, connectorID)
	access, err := s.cipher.Open(rec.AccessSealed, aad)
	if err != nil {
		return nil, authErr(userID, connectorID, "stored credential cannot be decrypted", err)
	}
	refresh, err := s.cipher.Open(rec.RefreshSealed, aad)
	if err != nil {
		return nil, authErr(userID, connectorID, "stored credential cannot be decrypted", err)
	}

	return &Credential{
		UserID:        rec.UserID,
		ConnectorID:   rec.ConnectorID,
		Kind:          rec.Kind,
		Username:      rec.Username,
		AccessSecret:  string(access),
		RefreshSecret: string(refresh),
		ExpiresAt:     rec.ExpiresAt,
		Scopes:        rec.Scopes,
		Status:        rec.Status,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}

func (s *Store) save(ctx context.Context, c *Credential) error {
	aad := binding(c.UserID, c.ConnectorID)
	access, err := s.cipher.Seal([]byte(c.AccessSecret), aad)
	if err != nil {
		return fmt.Errorf("sealing access secret: %w", err)
	}
	refresh, err := s.cipher.Seal([]byte(c.RefreshSecret), aad)
	if err != nil {
		return fmt.Errorf("sealing refresh secret: %w", err)
	}
	c.UpdatedAt = s.now()
	return s.repo.Save(ctx, &Record{
		UserID:        c.UserID,
		ConnectorID:   c.ConnectorID,
		Kind:          c.Kind,
		Username:      c.Username,
		AccessSealed:  access,
		RefreshSealed: refresh,
		ExpiresAt:     c.ExpiresAt,
		Scopes:        c.Scopes,
		Status:        c.Status,
		UpdatedAt:     c.UpdatedAt,
	})
}
