package domain

// ProviderType selects how a configuration provider fetches its data.
type ProviderType string

const (
	// ProviderTypeFile reads a YAML (or JSON) document from the local filesystem.
	ProviderTypeFile ProviderType = "file"
	// ProviderTypeHTTP fetches a YAML (or JSON) document over HTTP.
	ProviderTypeHTTP ProviderType = "http"
)

// ProviderConfig configures one curation, package configuration or resolution provider.
type ProviderConfig struct {
	Type ProviderType `json:"type"`
	Name string       `json:"name"`
	// Priority orders providers; a lower value wins over a higher one.
	Priority int    `json:"priority"`
	Disabled bool   `json:"disabled,omitempty"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	// Secrets maps option names (e.g. "token") to secret storage paths.
	Secrets map[string]string `json:"secrets,omitempty"`
}

// AnalyzerJobConfiguration configures the dependency analysis stage.
type AnalyzerJobConfiguration struct {
	AllowDynamicVersions     bool              `json:"allowDynamicVersions,omitempty"`
	PackageCurationProviders []ProviderConfig  `json:"packageCurationProviders,omitempty"`
	Parameters               map[string]string `json:"parameters,omitempty"`
}

// AdvisorJobConfiguration configures the vulnerability advisory stage.
type AdvisorJobConfiguration struct {
	Advisors   []string          `json:"advisors,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ScannerJobConfiguration configures the source scanning stage.
type ScannerJobConfiguration struct {
	SkipConcluded bool              `json:"skipConcluded,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
}

// EvaluatorJobConfiguration configures the policy evaluation stage.
type EvaluatorJobConfiguration struct {
	RuleSet                       string            `json:"ruleSet,omitempty"`
	PackageConfigurationProviders []ProviderConfig  `json:"packageConfigurationProviders,omitempty"`
	ResolutionProviders           []ProviderConfig  `json:"resolutionProviders,omitempty"`
	Parameters                    map[string]string `json:"parameters,omitempty"`
}

// ReporterJobConfiguration configures the report generation stage.
type ReporterJobConfiguration struct {
	Formats    []string          `json:"formats,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// JobConfigurations holds one sub-configuration per stage; a nil entry disables the stage.
type JobConfigurations struct {
	Analyzer  *AnalyzerJobConfiguration  `json:"analyzer,omitempty"`
	Advisor   *AdvisorJobConfiguration   `json:"advisor,omitempty"`
	Scanner   *ScannerJobConfiguration   `json:"scanner,omitempty"`
	Evaluator *EvaluatorJobConfiguration `json:"evaluator,omitempty"`
	Reporter  *ReporterJobConfiguration  `json:"reporter,omitempty"`
}

// Enabled reports whether the stage has a configuration.
func (c JobConfigurations) Enabled(stage Stage) bool {
	switch stage {
	case StageAnalyze:
		return c.Analyzer != nil
	case StageAdvise:
		return c.Advisor != nil
	case StageScan:
		return c.Scanner != nil
	case StageEvaluate:
		return c.Evaluator != nil
	case StageReport:
		return c.Reporter != nil
	}
	return false
}

// EnabledStages returns the enabled stages in pipeline order.
func (c JobConfigurations) EnabledStages() []Stage {
	var stages []Stage
	for _, s := range Pipeline {
		if c.Enabled(s) {
			stages = append(stages, s)
		}
	}
	return stages
}

// FirstStage returns the first enabled stage.
func (c JobConfigurations) FirstStage() (Stage, bool) {
	stages := c.EnabledStages()
	if len(stages) == 0 {
		return "", false
	}
	return stages[0], true
}

// NextStage returns the first enabled stage after the given one.
func (c JobConfigurations) NextStage(after Stage) (Stage, bool) {
	idx := after.Index()
	for _, s := range Pipeline[idx+1:] {
		if c.Enabled(s) {
			return s, true
		}
	}
	return "", false
}

// CurationProviders returns the curation providers of the analyzer stage.
func (c JobConfigurations) CurationProviders() []ProviderConfig {
	if c.Analyzer == nil {
		return nil
	}
	return c.Analyzer.PackageCurationProviders
}

// PackageConfigurationProviders returns the package configuration providers of the evaluator stage.
func (c JobConfigurations) PackageConfigurationProviders() []ProviderConfig {
	if c.Evaluator == nil {
		return nil
	}
	return c.Evaluator.PackageConfigurationProviders
}

// ResolutionProviders returns the resolution providers of the evaluator stage.
func (c JobConfigurations) ResolutionProviders() []ProviderConfig {
	if c.Evaluator == nil {
		return nil
	}
	return c.Evaluator.ResolutionProviders
}
