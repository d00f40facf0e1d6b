package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
)

// Set SCAPIPE_TEST_POSTGRES_DSN to run against a live database.
func newTestStore(t *testing.T) *ProvenanceStore {
	t.Helper()
	dsn := os.Getenv("SCAPIPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCAPIPE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := Connect(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestProvenanceStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := domain.Identifier{Type: "Maven", Namespace: "org.example", Name: "lib-" + t.Name(), Version: "1.0"}
	vcs := domain.VcsInfo{Type: "Git", URL: "https://example.com/lib.git", Revision: "v1.0"}
	artifact := domain.RemoteArtifact{URL: "https://example.com/lib-1.0-sources.jar", HashValue: "abc", HashAlgorithm: "SHA-1"}

	vcsID, err := store.RecordPackageProvenance(ctx, domain.PackageProvenanceRecord{
		Identifier: id, Vcs: &vcs, ResolvedRevision: "deadbeef", IsFixedRevision: true,
	})
	require.NoError(t, err)
	artifactID, err := store.RecordPackageProvenance(ctx, domain.PackageProvenanceRecord{
		Identifier: id, Artifact: &artifact,
	})
	require.NoError(t, err)

	rows, err := store.FindPackageProvenances(ctx, domain.Package{ID: id, SourceArtifact: artifact, Vcs: vcs})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, vcsID, rows[0].ID)
	assert.Equal(t, "deadbeef", rows[0].ResolvedRevision)
	assert.Equal(t, artifactID, rows[1].ID)
	assert.Equal(t, artifact, *rows[1].Artifact)

	rows, err = store.FindPackageProvenances(ctx, domain.Package{ID: id, SourceArtifact: artifact})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, artifactID, rows[0].ID)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_package_provenances.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "package_provenances")
}
