// Package provenance determines where the source code of a package comes from,
// based on the provenance rows recorded by earlier scans.
package provenance

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/ports"
)

// Resolver answers provenance queries from a ProvenanceStore.
type Resolver struct {
	store  ports.ProvenanceStore
	logger *zap.Logger
}

// NewResolver creates a new provenance resolver
func NewResolver(store ports.ProvenanceStore, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Record stores a provenance row and returns its id.
func (r *Resolver) Record(ctx context.Context, rec domain.PackageProvenanceRecord) (int64, error) {
	if rec.Identifier.IsEmpty() {
		return 0, fmt.Errorf("%w: package identifier is required", domain.ErrInvalidConfiguration)
	}
	if rec.Artifact == nil && rec.Vcs == nil {
		return 0, fmt.Errorf("%w: artifact or vcs is required", domain.ErrInvalidConfiguration)
	}
	return r.store.RecordPackageProvenance(ctx, rec)
}

// FindProvenance returns the provenance recorded for pkg. Rows recorded for the
// declared source artifact are preferred over rows for the declared VCS location;
// among equals the oldest row wins. Packages without a usable row are Unknown.
func (r *Resolver) FindProvenance(ctx context.Context, pkg domain.Package) (domain.Provenance, error) {
	rows, err := r.store.FindPackageProvenances(ctx, pkg)
	if err != nil {
		return domain.Provenance{}, fmt.Errorf("failed to find package provenances: %w", err)
	}
	if len(rows) == 0 {
		return domain.UnknownProvenance(""), nil
	}

	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := rank(rows[i], pkg), rank(rows[j], pkg)
		if ri != rj {
			return ri < rj
		}
		return rows[i].ID < rows[j].ID
	})
	selected := rows[0]

	if len(rows) > 1 {
		r.logger.Debug("multiple provenances recorded",
			zap.String("package", pkg.ID.String()),
			zap.Int("rows", len(rows)),
			zap.Int64("selected", selected.ID))
	}

	switch {
	case selected.ErrorMessage != "":
		return domain.UnknownProvenance(selected.ErrorMessage), nil
	case selected.MatchesArtifact(pkg):
		return domain.ArtifactProvenance(*selected.Artifact), nil
	case selected.ResolvedRevision == "":
		return domain.UnknownProvenance(""), nil
	default:
		return domain.RepositoryProvenance(*selected.Vcs, selected.ResolvedRevision, selected.ClonedRevision, selected.IsFixedRevision), nil
	}
}

func rank(rec domain.PackageProvenanceRecord, pkg domain.Package) int {
	switch {
	case rec.MatchesArtifact(pkg):
		return 0
	case rec.MatchesVcs(pkg):
		return 1
	default:
		return 2
	}
}
