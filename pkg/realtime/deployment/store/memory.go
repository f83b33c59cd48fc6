// Package store provides deployment.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/altan/realtime/pkg/realtime/deployment"
	"github.com/tsarna/go-structdiff"
	"go.uber.org/zap"
)

// Memory keeps deployment documents grouped by interface. It is safe for
// concurrent use.
type Memory struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	interfaces map[string]map[string]map[string]any // interface id -> deployment id -> document
	owners     map[string]string                    // deployment id -> interface id
}

var _ deployment.Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		logger:     logger,
		interfaces: make(map[string]map[string]map[string]any),
		owners:     make(map[string]string),
	}
}

func (s *Memory) Add(ctx context.Context, p deployment.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(p.ID)
	s.putLocked(p.InterfaceID, p.ID, cloneDocument(p.Fields))
	return nil
}

func (s *Memory) Update(ctx context.Context, p deployment.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.owners[p.ID]; ok && owner != p.InterfaceID {
		// The deployment moved; carry its document along.
		doc := s.interfaces[owner][p.ID]
		s.removeLocked(p.ID)
		s.putLocked(p.InterfaceID, p.ID, doc)
	}

	return s.mergeLocked(p.InterfaceID, p)
}

func (s *Memory) UpdateAnywhere(ctx context.Context, p deployment.Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[p.ID]
	if !ok {
		owner, ok = s.scanLocked(p.ID)
	}
	if !ok {
		return false, nil
	}
	return true, s.mergeLocked(owner, p)
}

func (s *Memory) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id), nil
}

func (s *Memory) Get(ctx context.Context, id string) (deployment.Deployment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.owners[id]
	if !ok {
		return deployment.Deployment{}, false, nil
	}
	d, err := deployment.Decode(s.interfaces[owner][id])
	return d, true, err
}

// ByInterface returns the deployments of one interface ordered by id.
func (s *Memory) ByInterface(ctx context.Context, interfaceID string) ([]deployment.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.interfaces[interfaceID]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]deployment.Deployment, 0, len(ids))
	for _, id := range ids {
		d, err := deployment.Decode(docs[id])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Memory) mergeLocked(interfaceID string, p deployment.Patch) error {
	doc, ok := s.interfaces[interfaceID][p.ID]
	if !ok {
		s.putLocked(interfaceID, p.ID, cloneDocument(p.Fields))
		return nil
	}

	merged, err := merge(doc, p.Fields)
	if err != nil {
		return fmt.Errorf("failed to merge deployment %s: %w", p.ID, err)
	}
	s.logChanges(p.ID, doc, merged)
	s.interfaces[interfaceID][p.ID] = merged
	return nil
}

func (s *Memory) putLocked(interfaceID, id string, doc map[string]any) {
	docs, ok := s.interfaces[interfaceID]
	if !ok {
		docs = make(map[string]map[string]any)
		s.interfaces[interfaceID] = docs
	}
	docs[id] = doc
	s.owners[id] = interfaceID
}

func (s *Memory) removeLocked(id string) bool {
	owner, ok := s.owners[id]
	if !ok {
		if owner, ok = s.scanLocked(id); !ok {
			return false
		}
	}

	delete(s.owners, id)
	docs := s.interfaces[owner]
	delete(docs, id)
	if len(docs) == 0 {
		delete(s.interfaces, owner)
	}
	return true
}

// scanLocked looks through every interface for id. The owner index normally
// answers first; the scan covers documents placed without it.
func (s *Memory) scanLocked(id string) (string, bool) {
	for interfaceID, docs := range s.interfaces {
		if _, ok := docs[id]; ok {
			s.owners[id] = interfaceID
			return interfaceID, true
		}
	}
	return "", false
}

func (s *Memory) logChanges(id string, before, after map[string]any) {
	if ce := s.logger.Check(zap.DebugLevel, "Deployment changed"); ce != nil {
		changes, err := structdiff.Diff(before, after)
		if err != nil {
			return
		}
		ce.Write(zap.String("id", id), zap.Any("changes", changes))
	}
}

// merge applies patch on top of a copy of doc. Nested objects are merged
// recursively and a nil value deletes the key.
func merge(doc, patch map[string]any) (map[string]any, error) {
	merged := cloneDocument(doc)
	if err := structdiff.Apply(&merged, patch); err != nil {
		return nil, err
	}
	return merged, nil
}

func cloneDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if nested, ok := v.(map[string]any); ok {
			v = cloneDocument(nested)
		}
		out[k] = v
	}
	return out
}
