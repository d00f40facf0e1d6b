package memory

import (
	"context"
	"sync"

	"github.com/aescanero/scapipe/internal/domain"
)

// ProvenanceStore implements ports.ProvenanceStore using an in-memory slice.
type ProvenanceStore struct {
	mu      sync.RWMutex
	nextID  int64
	records []domain.PackageProvenanceRecord
}

// NewProvenanceStore creates an empty provenance store.
func NewProvenanceStore() *ProvenanceStore {
	return &ProvenanceStore{}
}

// RecordPackageProvenance appends the record and assigns its id.
func (s *ProvenanceStore) RecordPackageProvenance(ctx context.Context, rec domain.PackageProvenanceRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID
	s.records = append(s.records, rec)
	return rec.ID, nil
}

// FindPackageProvenances returns the matching records ordered by id.
func (s *ProvenanceStore) FindPackageProvenances(ctx context.Context, pkg domain.Package) ([]domain.PackageProvenanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PackageProvenanceRecord
	for _, rec := range s.records {
		if rec.Matches(pkg) {
			out = append(out, rec)
		}
	}
	return out, nil
}
