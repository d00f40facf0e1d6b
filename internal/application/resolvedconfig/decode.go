package resolvedconfig

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/aescanero/scapipe/internal/domain"
)

func decodeCurations(data []byte) ([]domain.PackageCuration, error) {
	var curations []domain.PackageCuration
	if err := yaml.Unmarshal(data, &curations); err != nil {
		return nil, fmt.Errorf("decode curations: %w", err)
	}
	for i, c := range curations {
		if c.ID.IsEmpty() {
			return nil, fmt.Errorf("curation %d: missing package identifier", i)
		}
	}
	return curations, nil
}

func decodePackageConfigurations(data []byte) ([]domain.PackageConfiguration, error) {
	var configs []domain.PackageConfiguration
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("decode package configurations: %w", err)
	}
	for i, c := range configs {
		if c.ID.IsEmpty() {
			return nil, fmt.Errorf("package configuration %d: missing package identifier", i)
		}
	}
	return configs, nil
}

func decodeResolutions(data []byte) (domain.Resolutions, error) {
	var res domain.Resolutions
	if err := yaml.Unmarshal(data, &res); err != nil {
		return domain.Resolutions{}, fmt.Errorf("decode resolutions: %w", err)
	}
	for i, r := range res.Issues {
		if r.Message == "" {
			return domain.Resolutions{}, fmt.Errorf("issue resolution %d: missing message", i)
		}
	}
	for i, r := range res.RuleViolations {
		if r.Message == "" {
			return domain.Resolutions{}, fmt.Errorf("rule violation resolution %d: missing message", i)
		}
	}
	for i, r := range res.Vulnerabilities {
		if r.ExternalID == "" {
			return domain.Resolutions{}, fmt.Errorf("vulnerability resolution %d: missing id", i)
		}
	}
	return res, nil
}
