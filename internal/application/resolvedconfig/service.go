// Package resolvedconfig computes the configuration shared by all stages of a
// run exactly once and serves it from the store afterwards.
package resolvedconfig

import (
	"context"
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/ports"
)

// Resolution outcomes reported to metrics.
const (
	OutcomeComputed = "computed"
	OutcomeCached   = "cached"
	OutcomeFailed   = "failed"
)

// cacheSize bounds the number of runs whose configuration is kept in memory.
// Evicted configurations are read from the store again.
const cacheSize = 1024

// Service resolves and caches per-run configurations. Returned configurations
// are shared and must be treated as read-only.
type Service struct {
	store   ports.ResolvedConfigurationStore
	sources SourceFactory
	metrics ports.MetricsCollector
	logger  *zap.Logger

	group singleflight.Group
	cache *lru.Cache[string, *domain.ResolvedConfiguration]
}

// NewService creates a new resolved configuration service
func NewService(store ports.ResolvedConfigurationStore, sources SourceFactory, metrics ports.MetricsCollector, logger *zap.Logger) *Service {
	return newServiceWithCacheSize(store, sources, metrics, logger, cacheSize)
}

func newServiceWithCacheSize(store ports.ResolvedConfigurationStore, sources SourceFactory, metrics ports.MetricsCollector, logger *zap.Logger, size int) *Service {
	if size < 1 {
		size = cacheSize
	}
	cache, _ := lru.New[string, *domain.ResolvedConfiguration](size)
	return &Service{
		store:   store,
		sources: sources,
		metrics: metrics,
		logger:  logger,
		cache:   cache,
	}
}

// Resolve returns the run's configuration, computing and storing it if no
// configuration was stored before. Concurrent callers share one computation.
func (s *Service) Resolve(ctx context.Context, run *domain.Run) (*domain.ResolvedConfiguration, error) {
	if cfg, ok := s.cached(run.ID); ok {
		s.metrics.RecordResolvedConfiguration(OutcomeCached)
		return cfg, nil
	}

	v, err, _ := s.group.Do(run.ID, func() (interface{}, error) {
		if cfg, ok := s.cached(run.ID); ok {
			return cfg, nil
		}

		cfg, err := s.store.GetResolvedConfiguration(ctx, run.ID)
		if err == nil {
			s.remember(run.ID, cfg)
			s.metrics.RecordResolvedConfiguration(OutcomeCached)
			return cfg, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to load resolved configuration: %w", err)
		}

		cfg, err = s.compute(ctx, run.JobConfigurations)
		if err != nil {
			s.metrics.RecordResolvedConfiguration(OutcomeFailed)
			s.logger.Error("configuration resolution failed",
				zap.String("run_id", run.ID),
				zap.Error(err))
			return nil, err
		}

		if err := s.store.SaveResolvedConfiguration(ctx, run.ID, cfg); err != nil {
			if !errors.Is(err, domain.ErrAlreadyExists) {
				return nil, fmt.Errorf("failed to save resolved configuration: %w", err)
			}
			// Another process stored first; its result is authoritative.
			cfg, err = s.store.GetResolvedConfiguration(ctx, run.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load resolved configuration: %w", err)
			}
		}

		s.remember(run.ID, cfg)
		s.metrics.RecordResolvedConfiguration(OutcomeComputed)
		s.logger.Info("configuration resolved",
			zap.String("run_id", run.ID),
			zap.Int("curation_providers", len(cfg.PackageCurations)),
			zap.Int("package_configurations", len(cfg.PackageConfigurations)))
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ResolvedConfiguration), nil
}

// Get returns the stored configuration of a run without computing it.
func (s *Service) Get(ctx context.Context, runID string) (*domain.ResolvedConfiguration, error) {
	if cfg, ok := s.cached(runID); ok {
		return cfg, nil
	}
	cfg, err := s.store.GetResolvedConfiguration(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.remember(runID, cfg)
	return cfg, nil
}

// Invalidate drops the cached configuration of a run.
func (s *Service) Invalidate(runID string) {
	s.cache.Remove(runID)
	s.group.Forget(runID)
}

func (s *Service) cached(runID string) (*domain.ResolvedConfiguration, bool) {
	return s.cache.Get(runID)
}

func (s *Service) remember(runID string, cfg *domain.ResolvedConfiguration) {
	s.cache.Add(runID, cfg)
}

// compute fetches all enabled providers concurrently and merges their data in
// priority order.
func (s *Service) compute(ctx context.Context, jc domain.JobConfigurations) (*domain.ResolvedConfiguration, error) {
	curationProviders := ordered(jc.CurationProviders())
	configProviders := ordered(jc.PackageConfigurationProviders())
	resolutionProviders := ordered(jc.ResolutionProviders())

	curations := make([]domain.ResolvedPackageCurations, len(curationProviders))
	configs := make([][]domain.PackageConfiguration, len(configProviders))
	resolutions := make([]domain.Resolutions, len(resolutionProviders))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range curationProviders {
		i, p := i, p
		g.Go(func() error {
			data, err := s.fetch(gctx, p)
			if err != nil {
				return err
			}
			list, err := decodeCurations(data)
			if err != nil {
				return malformed(p, err)
			}
			curations[i] = domain.ResolvedPackageCurations{
				Provider:  domain.ProviderReference{Name: p.Name},
				Curations: list,
			}
			return nil
		})
	}
	for i, p := range configProviders {
		i, p := i, p
		g.Go(func() error {
			data, err := s.fetch(gctx, p)
			if err != nil {
				return err
			}
			list, err := decodePackageConfigurations(data)
			if err != nil {
				return malformed(p, err)
			}
			configs[i] = list
			return nil
		})
	}
	for i, p := range resolutionProviders {
		i, p := i, p
		g.Go(func() error {
			data, err := s.fetch(gctx, p)
			if err != nil {
				return err
			}
			res, err := decodeResolutions(data)
			if err != nil {
				return malformed(p, err)
			}
			resolutions[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &domain.ResolvedConfiguration{
		PackageConfigurations: mergePackageConfigurations(configs),
		PackageCurations:      curations,
		Resolutions:           mergeResolutions(resolutions),
	}, nil
}

func (s *Service) fetch(ctx context.Context, p domain.ProviderConfig) ([]byte, error) {
	src, err := s.sources.NewSource(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigurationResolutionFailed, err)
	}
	data, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %s unreachable: %v", domain.ErrConfigurationResolutionFailed, p.Name, err)
	}
	return data, nil
}

func malformed(p domain.ProviderConfig, err error) error {
	return fmt.Errorf("%w: provider %s delivered malformed data: %v", domain.ErrConfigurationResolutionFailed, p.Name, err)
}

// ordered drops disabled providers and sorts the rest by ascending priority
// value, keeping configuration order for ties.
func ordered(providers []domain.ProviderConfig) []domain.ProviderConfig {
	out := make([]domain.ProviderConfig, 0, len(providers))
	for _, p := range providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func mergePackageConfigurations(groups [][]domain.PackageConfiguration) []domain.PackageConfiguration {
	seen := make(map[string]bool)
	out := make([]domain.PackageConfiguration, 0)
	for _, group := range groups {
		for _, c := range group {
			key := c.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func mergeResolutions(groups []domain.Resolutions) domain.Resolutions {
	var out domain.Resolutions
	seenIssues := make(map[domain.IssueResolution]bool)
	seenViolations := make(map[domain.RuleViolationResolution]bool)
	seenVulns := make(map[domain.VulnerabilityResolution]bool)

	for _, g := range groups {
		for _, r := range g.Issues {
			if !seenIssues[r] {
				seenIssues[r] = true
				out.Issues = append(out.Issues, r)
			}
		}
		for _, r := range g.RuleViolations {
			if !seenViolations[r] {
				seenViolations[r] = true
				out.RuleViolations = append(out.RuleViolations, r)
			}
		}
		for _, r := range g.Vulnerabilities {
			if !seenVulns[r] {
				seenVulns[r] = true
				out.Vulnerabilities = append(out.Vulnerabilities, r)
			}
		}
	}

	sort.SliceStable(out.Issues, func(i, j int) bool { return out.Issues[i].Message < out.Issues[j].Message })
	sort.SliceStable(out.RuleViolations, func(i, j int) bool { return out.RuleViolations[i].Message < out.RuleViolations[j].Message })
	sort.SliceStable(out.Vulnerabilities, func(i, j int) bool {
		return out.Vulnerabilities[i].ExternalID < out.Vulnerabilities[j].ExternalID
	})
	return out
}
