package orchestrator

import (
	"fmt"

	"github.com/aescanero/scapipe/internal/domain"
)

// Validator validates run requests
type Validator struct{}

// NewValidator creates a new run request validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks that a run can be created for the request. All errors wrap
// domain.ErrInvalidConfiguration.
func (v *Validator) Validate(repositoryID, revision string, jc domain.JobConfigurations) error {
	if repositoryID == "" {
		return fmt.Errorf("%w: repository id is required", domain.ErrInvalidConfiguration)
	}
	if revision == "" {
		return fmt.Errorf("%w: revision is required", domain.ErrInvalidConfiguration)
	}
	if len(jc.EnabledStages()) == 0 {
		return fmt.Errorf("%w: at least one stage must be enabled", domain.ErrInvalidConfiguration)
	}

	lists := map[string][]domain.ProviderConfig{
		"package curation":      jc.CurationProviders(),
		"package configuration": jc.PackageConfigurationProviders(),
		"resolution":            jc.ResolutionProviders(),
	}
	for kind, providers := range lists {
		if err := v.validateProviders(providers); err != nil {
			return fmt.Errorf("%w: invalid %s provider: %v", domain.ErrInvalidConfiguration, kind, err)
		}
	}

	return nil
}

// validateProviders validates one provider list
func (v *Validator) validateProviders(providers []domain.ProviderConfig) error {
	names := make(map[string]bool)
	for _, p := range providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		names[p.Name] = true

		switch p.Type {
		case domain.ProviderTypeFile:
			if p.Path == "" {
				return fmt.Errorf("provider %s: path is required", p.Name)
			}
		case domain.ProviderTypeHTTP:
			if p.URL == "" {
				return fmt.Errorf("provider %s: url is required", p.Name)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}
