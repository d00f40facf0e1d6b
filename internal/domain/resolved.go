package domain

import "fmt"

// PackageCurationData holds the metadata a curation overrides.
type PackageCurationData struct {
	Comment                string            `json:"comment,omitempty" yaml:"comment,omitempty"`
	ConcludedLicense       string            `json:"concludedLicense,omitempty" yaml:"concluded_license,omitempty"`
	Description            string            `json:"description,omitempty" yaml:"description,omitempty"`
	Homepage               string            `json:"homepage,omitempty" yaml:"homepage_url,omitempty"`
	SourceArtifact         *RemoteArtifact   `json:"sourceArtifact,omitempty" yaml:"source_artifact,omitempty"`
	Vcs                    *VcsInfo          `json:"vcs,omitempty" yaml:"vcs,omitempty"`
	DeclaredLicenseMapping map[string]string `json:"declaredLicenseMapping,omitempty" yaml:"declared_license_mapping,omitempty"`
}

// PackageCuration corrects the metadata of one package.
type PackageCuration struct {
	ID   Identifier          `json:"id" yaml:"id"`
	Data PackageCurationData `json:"data" yaml:"curations"`
}

// ProviderReference names the provider a group of curations came from.
type ProviderReference struct {
	Name string `json:"name"`
}

// ResolvedPackageCurations are the curations delivered by one provider.
type ResolvedPackageCurations struct {
	Provider  ProviderReference `json:"provider"`
	Curations []PackageCuration `json:"curations"`
}

// PathExclude marks files of a package as not distributed.
type PathExclude struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Reason  string `json:"reason" yaml:"reason"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// LicenseFindingCuration corrects a license detected by the scanner.
type LicenseFindingCuration struct {
	Path             string `json:"path" yaml:"path"`
	DetectedLicense  string `json:"detectedLicense,omitempty" yaml:"detected_license,omitempty"`
	ConcludedLicense string `json:"concludedLicense" yaml:"concluded_license"`
	Reason           string `json:"reason" yaml:"reason"`
	Comment          string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// PackageConfiguration applies excludes and license finding curations to the
// package matching ID and the given source location.
type PackageConfiguration struct {
	ID                      Identifier               `json:"id" yaml:"id"`
	SourceArtifactURL       string                   `json:"sourceArtifactUrl,omitempty" yaml:"source_artifact_url,omitempty"`
	Vcs                     *VcsInfo                 `json:"vcs,omitempty" yaml:"vcs,omitempty"`
	PathExcludes            []PathExclude            `json:"pathExcludes,omitempty" yaml:"path_excludes,omitempty"`
	LicenseFindingCurations []LicenseFindingCuration `json:"licenseFindingCurations,omitempty" yaml:"license_finding_curations,omitempty"`
}

// Key identifies the package configuration within a set.
func (c PackageConfiguration) Key() string {
	key := c.ID.String() + "|" + c.SourceArtifactURL
	if c.Vcs != nil {
		key += fmt.Sprintf("|%s|%s|%s|%s", c.Vcs.Type, c.Vcs.URL, c.Vcs.Revision, c.Vcs.Path)
	}
	return key
}

// IssueResolution resolves analysis issues matching Message.
type IssueResolution struct {
	Message string `json:"message" yaml:"message"`
	Reason  string `json:"reason" yaml:"reason"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// RuleViolationResolution resolves policy violations matching Message.
type RuleViolationResolution struct {
	Message string `json:"message" yaml:"message"`
	Reason  string `json:"reason" yaml:"reason"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// VulnerabilityResolution resolves the vulnerability with ExternalID.
type VulnerabilityResolution struct {
	ExternalID string `json:"externalId" yaml:"id"`
	Reason     string `json:"reason" yaml:"reason"`
	Comment    string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// Resolutions groups all resolution kinds.
type Resolutions struct {
	Issues          []IssueResolution         `json:"issues,omitempty" yaml:"issues,omitempty"`
	RuleViolations  []RuleViolationResolution `json:"ruleViolations,omitempty" yaml:"rule_violations,omitempty"`
	Vulnerabilities []VulnerabilityResolution `json:"vulnerabilities,omitempty" yaml:"vulnerabilities,omitempty"`
}

// ResolvedConfiguration is computed once per run and shared by all its stages.
type ResolvedConfiguration struct {
	PackageConfigurations []PackageConfiguration `json:"packageConfigurations"`
	// PackageCurations are grouped by provider, highest priority first.
	PackageCurations []ResolvedPackageCurations `json:"packageCurations"`
	Resolutions      Resolutions                `json:"resolutions"`
}

// Curations flattens the provider groups into a single list. For a package
// curated by several providers only the entries of the highest priority provider
// are kept.
func (c *ResolvedConfiguration) Curations() []PackageCuration {
	owner := make(map[string]int)
	var out []PackageCuration
	for i, group := range c.PackageCurations {
		for _, cur := range group.Curations {
			key := cur.ID.String()
			if o, ok := owner[key]; ok && o != i {
				continue
			}
			owner[key] = i
			out = append(out, cur)
		}
	}
	return out
}

// CurationFor returns the winning curation for id.
func (c *ResolvedConfiguration) CurationFor(id Identifier) (PackageCuration, bool) {
	for _, group := range c.PackageCurations {
		for _, cur := range group.Curations {
			if cur.ID == id {
				return cur, true
			}
		}
	}
	return PackageCuration{}, false
}
