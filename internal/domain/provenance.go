package domain

// ProvenanceKind tells which variant a Provenance holds.
type ProvenanceKind string

const (
	ProvenanceArtifact   ProvenanceKind = "artifact"
	ProvenanceRepository ProvenanceKind = "repository"
	ProvenanceUnknown    ProvenanceKind = "unknown"
)

// Provenance is the recorded origin of a package's source code. Exactly one of
// the variant fields is set, matching Kind; use the constructors.
type Provenance struct {
	Kind             ProvenanceKind  `json:"kind"`
	Artifact         *RemoteArtifact `json:"artifact,omitempty"`
	Vcs              *VcsInfo        `json:"vcs,omitempty"`
	ResolvedRevision string          `json:"resolvedRevision,omitempty"`
	ClonedRevision   string          `json:"clonedRevision,omitempty"`
	IsFixedRevision  bool            `json:"isFixedRevision,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// ArtifactProvenance returns a provenance pointing at a source artifact.
func ArtifactProvenance(artifact RemoteArtifact) Provenance {
	return Provenance{Kind: ProvenanceArtifact, Artifact: &artifact}
}

// RepositoryProvenance returns a provenance pointing at a resolved VCS revision.
func RepositoryProvenance(vcs VcsInfo, resolvedRevision, clonedRevision string, fixed bool) Provenance {
	return Provenance{
		Kind:             ProvenanceRepository,
		Vcs:              &vcs,
		ResolvedRevision: resolvedRevision,
		ClonedRevision:   clonedRevision,
		IsFixedRevision:  fixed,
	}
}

// UnknownProvenance returns a provenance for packages whose origin could not be determined.
func UnknownProvenance(message string) Provenance {
	return Provenance{Kind: ProvenanceUnknown, Message: message}
}

// PackageProvenanceRecord is a stored provenance row. Artifact or Vcs tells which
// declared location the row was recorded for.
type PackageProvenanceRecord struct {
	ID               int64           `json:"id"`
	Identifier       Identifier      `json:"identifier"`
	Artifact         *RemoteArtifact `json:"artifact,omitempty"`
	Vcs              *VcsInfo        `json:"vcs,omitempty"`
	ResolvedRevision string          `json:"resolvedRevision,omitempty"`
	ClonedRevision   string          `json:"clonedRevision,omitempty"`
	IsFixedRevision  bool            `json:"isFixedRevision,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
}

// MatchesArtifact reports whether the row was recorded for the package's declared artifact.
func (r PackageProvenanceRecord) MatchesArtifact(pkg Package) bool {
	return r.Artifact != nil && !pkg.SourceArtifact.IsEmpty() && *r.Artifact == pkg.SourceArtifact
}

// MatchesVcs reports whether the row was recorded for the package's declared VCS location.
func (r PackageProvenanceRecord) MatchesVcs(pkg Package) bool {
	return r.Vcs != nil && !pkg.Vcs.IsEmpty() && *r.Vcs == pkg.Vcs
}

// Matches reports whether the row belongs to the package.
func (r PackageProvenanceRecord) Matches(pkg Package) bool {
	return r.Identifier == pkg.ID && (r.MatchesArtifact(pkg) || r.MatchesVcs(pkg))
}
