// Package kubernetes implements a transport that starts one Kubernetes Job per
// message and lets the started pod read that message from its environment.
package kubernetes

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/caarlos0/env/v10"
)

// Config configures the Jobs created for one endpoint.
type Config struct {
	Namespace       string   `env:"NAMESPACE"`
	ImageName       string   `env:"IMAGE_NAME"`
	ImagePullPolicy string   `env:"IMAGE_PULL_POLICY" envDefault:"Never"`
	RestartPolicy   string   `env:"RESTART_POLICY" envDefault:"OnFailure"`
	BackoffLimit    int32    `env:"BACKOFF_LIMIT" envDefault:"2"`
	Commands        Commands `env:"COMMANDS"`
	ServiceAccount  string   `env:"SERVICE_ACCOUNT"`
	// Finished Jobs and their pods are garbage collected after this many seconds.
	TTLSecondsAfterFinished int32 `env:"TTL_SECONDS_AFTER_FINISHED" envDefault:"86400"`
}

// Commands is a container command line. It is read from a single string split
// at whitespace outside double quotes.
type Commands []string

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Commands) UnmarshalText(text []byte) error {
	*c = SplitCommands(string(text))
	return nil
}

// LoadConfig reads the variables carrying prefix from environ. A nil environ
// reads the process environment.
func LoadConfig(prefix string, environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: prefix, Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse kubernetes transport config: %w", err)
	}
	return cfg, nil
}

// Validate checks the required settings and the allowed policy values.
func (c Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("kubernetes transport: namespace is required")
	}
	if c.ImageName == "" {
		return fmt.Errorf("kubernetes transport: image name is required")
	}
	switch c.ImagePullPolicy {
	case "Always", "IfNotPresent", "Never":
	default:
		return fmt.Errorf("kubernetes transport: invalid image pull policy %q", c.ImagePullPolicy)
	}
	switch c.RestartPolicy {
	case "OnFailure", "Never":
	default:
		return fmt.Errorf("kubernetes transport: invalid restart policy %q", c.RestartPolicy)
	}
	if c.BackoffLimit < 0 {
		return fmt.Errorf("kubernetes transport: backoff limit must not be negative")
	}
	if c.TTLSecondsAfterFinished < 0 {
		return fmt.Errorf("kubernetes transport: ttl seconds after finished must not be negative")
	}
	return nil
}

// SplitCommands splits s at every whitespace character followed by an even
// number of double quotes, so whitespace inside a quoted part is kept. Tokens
// starting and ending with a quote lose those quotes; empty tokens are dropped.
func SplitCommands(s string) []string {
	var tokens []string
	add := func(token string) {
		if len(token) >= 2 && strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`) {
			token = token[1 : len(token)-1]
		}
		if token != "" && token != `"` {
			tokens = append(tokens, token)
		}
	}

	quotesAfter := strings.Count(s, `"`)
	start := 0
	for i, r := range s {
		switch {
		case r == '"':
			quotesAfter--
		case isCommandSpace(r) && quotesAfter%2 == 0:
			add(s[start:i])
			start = i + utf8.RuneLen(r)
		}
	}
	add(s[start:])
	return tokens
}

func isCommandSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
