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

// Package registry holds the set of known connector descriptors.
//
// Readers never lock: every lookup goes through an immutable Snapshot that
// writers replace atomically. A caller that needs a consistent view across
// several lookups (the router scoring every connector, for example) takes a
// Snapshot once and reads from it.
package registry

import (
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/log"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// ToolRef is the connector operation a flat tool id resolves to.
type ToolRef struct {
	ConnectorID string
	Operation   string
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	version uint64
	byID    map[string]*connector.Descriptor
	ids     []string
	tools   map[string]ToolRef
}

var emptySnapshot = &Snapshot{
	byID:  map[string]*connector.Descriptor{},
	tools: map[string]ToolRef{},
}

// Version increases by one on every change to the registry.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of registered connectors.
func (s *Snapshot) Len() int { return len(s.ids) }

// Lookup returns the descriptor registered under id.
func (s *Snapshot) Lookup(id string) (*connector.Descriptor, error) {
	d, ok := s.byID[id]
	if !ok {
		return nil, &sberrors.NotFoundError{Resource: "connector", ID: id}
	}
	return d, nil
}

// Operation resolves a connector operation.
func (s *Snapshot) Operation(id, name string) (*connector.Descriptor, *connector.OperationSpec, error) {
	d, err := s.Lookup(id)
	if err != nil {
		return nil, nil, err
	}
	op, ok := d.Operation(name)
	if !ok {
		return nil, nil, &sberrors.NotFoundError{Resource: "operation", ID: id + "." + name}
	}
	return d, op, nil
}

// ResolveTool maps a flat tool id such as "gmail_send" to its operation.
func (s *Snapshot) ResolveTool(toolID string) (ToolRef, error) {
	ref, ok := s.tools[toolID]
	if !ok {
		return ToolRef{}, &sberrors.NotFoundError{Resource: "tool", ID: toolID}
	}
	return ref, nil
}

// Tools returns the registered tool ids, sorted.
func (s *Snapshot) Tools() []string {
	out := make([]string, 0, len(s.tools))
	for id := range s.tools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// List yields descriptors accepted by every filter, ordered by id. The
// sequence is finite and may be ranged over any number of times.
func (s *Snapshot) List(filters ...Filter) iter.Seq[*connector.Descriptor] {
	return func(yield func(*connector.Descriptor) bool) {
	next:
		for _, id := range s.ids {
			d := s.byID[id]
			for _, f := range filters {
				if !f(d) {
					continue next
				}
			}
			if !yield(d) {
				return
			}
		}
	}
}

// with returns a copy of s with d added or replaced.
func (s *Snapshot) with(d *connector.Descriptor) (*Snapshot, error) {
	next := &Snapshot{
		version: s.version + 1,
		byID:    make(map[string]*connector.Descriptor, len(s.byID)+1),
		tools:   make(map[string]ToolRef, len(s.tools)),
	}
	for id, existing := range s.byID {
		if id != d.ID {
			next.byID[id] = existing
		}
	}
	next.byID[d.ID] = d
	if err := next.index(); err != nil {
		return nil, err
	}
	return next, nil
}

func buildSnapshot(version uint64, ds []*connector.Descriptor) (*Snapshot, error) {
	s := &Snapshot{
		version: version,
		byID:    make(map[string]*connector.Descriptor, len(ds)),
		tools:   make(map[string]ToolRef),
	}
	for _, d := range ds {
		if _, dup := s.byID[d.ID]; dup {
			return nil, &sberrors.DuplicateConnectorError{ID: d.ID, ExistingVersion: s.byID[d.ID].VersionLabel(), NewVersion: d.VersionLabel()}
		}
		s.byID[d.ID] = d
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return s, nil
}

// index rebuilds the sorted id list and the tool table.
func (s *Snapshot) index() error {
	s.ids = make([]string, 0, len(s.byID))
	for id := range s.byID {
		s.ids = append(s.ids, id)
	}
	sort.Strings(s.ids)

	s.tools = make(map[string]ToolRef)
	for _, id := range s.ids {
		for _, op := range s.byID[id].Operations {
			if op.Tool == "" {
				continue
			}
			if prev, ok := s.tools[op.Tool]; ok {
				return &sberrors.ValidationError{
					Field:   id + ".operations." + op.Name + ".tool",
					Message: fmt.Sprintf("tool id %q is already used by %s.%s", op.Tool, prev.ConnectorID, prev.Operation),
				}
			}
			s.tools[op.Tool] = ToolRef{ConnectorID: id, Operation: op.Name}
		}
	}
	return nil
}

// Registry stores connector descriptors.
type Registry struct {
	// mu serializes writers; readers use snap.
	mu     sync.Mutex
	snap   atomic.Pointer[Snapshot]
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(r.logger, "registry")
	r.snap.Store(emptySnapshot)
	return r
}

// RegisterOption modifies a single Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	override bool
}

// WithOverride replaces an existing descriptor with a different version.
func WithOverride() RegisterOption {
	return func(o *registerOptions) { o.override = true }
}

// Register validates d and adds it to the registry. Registering a descriptor
// identical to the one already present is a no-op. Registering a different
// descriptor under an existing id fails with DuplicateConnectorError unless
// WithOverride is given. The registry takes ownership of d.
func (r *Registry) Register(d *connector.Descriptor, opts ...RegisterOption) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := d.Normalize(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if existing, ok := cur.byID[d.ID]; ok {
		if existing.Hash() == d.Hash() {
			return nil
		}
		if !o.override {
			return &sberrors.DuplicateConnectorError{
				ID:              d.ID,
				ExistingVersion: existing.VersionLabel(),
				NewVersion:      d.VersionLabel(),
			}
		}
	}

	next, err := cur.with(d)
	if err != nil {
		return err
	}
	r.snap.Store(next)
	r.logger.Info("connector registered",
		slog.String(log.ConnectorKey, d.ID),
		slog.String("version", d.VersionLabel()),
		slog.Int("operations", len(d.Operations)))
	return nil
}

// Replace swaps the whole registry contents for ds in one step. On any
// validation failure the current contents are kept.
func (r *Registry) Replace(ds []*connector.Descriptor) error {
	for _, d := range ds {
		if err := d.Normalize(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := buildSnapshot(r.snap.Load().version+1, ds)
	if err != nil {
		return err
	}
	r.snap.Store(next)
	r.logger.Info("registry replaced", slog.Int("connectors", next.Len()), slog.Uint64("version", next.version))
	return nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// Lookup returns the descriptor registered under id.
func (r *Registry) Lookup(id string) (*connector.Descriptor, error) {
	return r.snap.Load().Lookup(id)
}

// List yields descriptors from the snapshot current at call time.
func (r *Registry) List(filters ...Filter) iter.Seq[*connector.Descriptor] {
	return r.snap.Load().List(filters...)
}

// ResolveTool maps a flat tool id to its operation.
func (r *Registry) ResolveTool(toolID string) (ToolRef, error) {
	return r.snap.Load().ResolveTool(toolID)
}
