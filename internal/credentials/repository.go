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
	"sort"
	"sync"
	"time"

	"github.com/tombee/switchboard/internal/connector"
)

// ErrNotFound is returned by a Repository when no record exists.
var ErrNotFound = errors.New("credential not found")

// Record is the stored form of a Credential. Secrets are sealed.
type Record struct {
	UserID        string
	ConnectorID   string
	Kind          connector.AuthKind
	Username      string
	AccessSealed  []byte
	RefreshSealed []byte
	ExpiresAt     *time.Time
	Scopes        []string
	Status        Status
	UpdatedAt     time.Time
}

// Repository persists credential records.
type Repository interface {
	Load(ctx context.Context, userID, connectorID string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	// List returns every record for userID, or all records when userID is
	// empty, ordered by user then connector.
	List(ctx context.Context, userID string) ([]Record, error)
	Delete(ctx context.Context, userID, connectorID string) error
}

type recordKey struct{ user, connector string }

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[recordKey]Record)}
}

func (m *MemoryRepository) Load(_ context.Context, userID, connectorID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey{userID, connectorID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryRepository) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey{rec.UserID, rec.ConnectorID}] = *rec
	return nil
}

func (m *MemoryRepository) List(_ context.Context, userID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for k, rec := range m.records {
		if userID == "" || k.user == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ConnectorID < out[j].ConnectorID
	})
	return out, nil
}

func (m *MemoryRepository) Delete(_ context.Context, userID, connectorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, recordKey{userID, connectorID})
	return nil
}
