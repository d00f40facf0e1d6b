// Package postgres stores package provenance rows in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ProvenanceStore implements ports.ProvenanceStore on a pgx pool.
type ProvenanceStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect opens a pool for dsn and verifies the connection.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*ProvenanceStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewProvenanceStore(pool, logger), nil
}

// NewProvenanceStore wraps an existing pool.
func NewProvenanceStore(pool *pgxpool.Pool, logger *zap.Logger) *ProvenanceStore {
	return &ProvenanceStore{pool: pool, logger: logger}
}

// Close releases the pool.
func (s *ProvenanceStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema files in name order. Every file is idempotent.
func (s *ProvenanceStore) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}
		s.logger.Info("running migration", zap.String("file", entry.Name()))
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("postgres: execute migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// RecordPackageProvenance inserts a provenance row and returns its id.
func (s *ProvenanceStore) RecordPackageProvenance(ctx context.Context, rec domain.PackageProvenanceRecord) (int64, error) {
	var (
		artifactURL, artifactHash, artifactAlg *string
		vcsType, vcsURL, vcsRevision, vcsPath  *string
	)
	if rec.Artifact != nil {
		artifactURL, artifactHash, artifactAlg = &rec.Artifact.URL, &rec.Artifact.HashValue, &rec.Artifact.HashAlgorithm
	}
	if rec.Vcs != nil {
		vcsType, vcsURL, vcsRevision, vcsPath = &rec.Vcs.Type, &rec.Vcs.URL, &rec.Vcs.Revision, &rec.Vcs.Path
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO package_provenances (
			identifier_type, identifier_namespace, identifier_name, identifier_version,
			artifact_url, artifact_hash_value, artifact_hash_algorithm,
			vcs_type, vcs_url, vcs_revision, vcs_path,
			resolved_revision, cloned_revision, is_fixed_revision, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id`,
		rec.Identifier.Type, rec.Identifier.Namespace, rec.Identifier.Name, rec.Identifier.Version,
		artifactURL, artifactHash, artifactAlg,
		vcsType, vcsURL, vcsRevision, vcsPath,
		rec.ResolvedRevision, rec.ClonedRevision, rec.IsFixedRevision, rec.ErrorMessage,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: record package provenance: %w", err)
	}
	return id, nil
}

// FindPackageProvenances returns the rows recorded for the package's declared
// artifact or VCS location, ordered by id.
func (s *ProvenanceStore) FindPackageProvenances(ctx context.Context, pkg domain.Package) ([]domain.PackageProvenanceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, artifact_url, artifact_hash_value, artifact_hash_algorithm,
		        vcs_type, vcs_url, vcs_revision, vcs_path,
		        resolved_revision, cloned_revision, is_fixed_revision, error_message
		 FROM package_provenances
		 WHERE identifier_type = $1 AND identifier_namespace = $2
		   AND identifier_name = $3 AND identifier_version = $4
		 ORDER BY id`,
		pkg.ID.Type, pkg.ID.Namespace, pkg.ID.Name, pkg.ID.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: query package provenances: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PackageProvenanceRecord, error) {
		var (
			rec                                    domain.PackageProvenanceRecord
			artifactURL, artifactHash, artifactAlg *string
			vcsType, vcsURL, vcsRevision, vcsPath  *string
		)
		err := row.Scan(&rec.ID, &artifactURL, &artifactHash, &artifactAlg,
			&vcsType, &vcsURL, &vcsRevision, &vcsPath,
			&rec.ResolvedRevision, &rec.ClonedRevision, &rec.IsFixedRevision, &rec.ErrorMessage)
		if err != nil {
			return rec, err
		}
		rec.Identifier = pkg.ID
		if artifactURL != nil {
			rec.Artifact = &domain.RemoteArtifact{URL: *artifactURL, HashValue: deref(artifactHash), HashAlgorithm: deref(artifactAlg)}
		}
		if vcsType != nil {
			rec.Vcs = &domain.VcsInfo{Type: *vcsType, URL: deref(vcsURL), Revision: deref(vcsRevision), Path: deref(vcsPath)}
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan package provenances: %w", err)
	}

	matching := records[:0]
	for _, rec := range records {
		if rec.Matches(pkg) {
			matching = append(matching, rec)
		}
	}
	return matching, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
