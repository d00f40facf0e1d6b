package resolvedconfig

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/ports"
)

// Source fetches the raw document of one provider.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// SourceFactory creates the source of a provider configuration. Configuration
// problems are reported as domain.ErrInvalidConfiguration.
type SourceFactory interface {
	NewSource(ctx context.Context, cfg domain.ProviderConfig) (Source, error)
}

// maxDocumentSize bounds a provider document.
const maxDocumentSize = 16 << 20

// DefaultSourceFactory creates file and http sources.
type DefaultSourceFactory struct {
	secrets ports.SecretStorage
	client  *http.Client
}

// NewDefaultSourceFactory creates a factory resolving http credentials from secrets.
// A nil client uses one with a 30 second timeout.
func NewDefaultSourceFactory(secrets ports.SecretStorage, client *http.Client) *DefaultSourceFactory {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DefaultSourceFactory{secrets: secrets, client: client}
}

// NewSource implements SourceFactory.
func (f *DefaultSourceFactory) NewSource(ctx context.Context, cfg domain.ProviderConfig) (Source, error) {
	switch cfg.Type {
	case domain.ProviderTypeFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: provider %s: path is required", domain.ErrInvalidConfiguration, cfg.Name)
		}
		return fileSource{path: cfg.Path}, nil
	case domain.ProviderTypeHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: provider %s: url is required", domain.ErrInvalidConfiguration, cfg.Name)
		}
		src := httpSource{client: f.client, url: cfg.URL}
		if path, ok := cfg.Secrets["token"]; ok {
			token, err := f.readSecret(ctx, cfg.Name, path)
			if err != nil {
				return nil, err
			}
			src.token = token
		}
		return src, nil
	default:
		return nil, fmt.Errorf("%w: provider %s: unknown type %q", domain.ErrInvalidConfiguration, cfg.Name, cfg.Type)
	}
}

func (f *DefaultSourceFactory) readSecret(ctx context.Context, provider, path string) (string, error) {
	if f.secrets == nil {
		return "", fmt.Errorf("%w: provider %s: no secret storage configured", domain.ErrInvalidConfiguration, provider)
	}
	value, ok, err := f.secrets.ReadSecret(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: provider %s: read secret %s: %v", domain.ErrInvalidConfiguration, provider, path, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: provider %s: secret %s not found", domain.ErrInvalidConfiguration, provider, path)
	}
	return value, nil
}

type fileSource struct {
	path string
}

func (s fileSource) Fetch(ctx context.Context) ([]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readDocument(f, s.path)
}

type httpSource struct {
	client *http.Client
	url    string
	token  string
}

func (s httpSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/yaml, application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, s.url)
	}
	return readDocument(resp.Body, s.url)
}

// readDocument reads r up to maxDocumentSize and rejects larger documents.
func readDocument(r io.Reader, location string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("document %s exceeds %d bytes", location, maxDocumentSize)
	}
	return data, nil
}
