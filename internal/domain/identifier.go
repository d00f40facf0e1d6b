package domain

import (
	"fmt"
	"strings"
)

// Identifier uniquely names a package as "type:namespace:name:version".
type Identifier struct {
	Type      string `json:"type" yaml:"type"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Name      string `json:"name" yaml:"name"`
	Version   string `json:"version" yaml:"version"`
}

func (i Identifier) String() string {
	return strings.Join([]string{i.Type, i.Namespace, i.Name, i.Version}, ":")
}

// IsEmpty reports whether no name has been set.
func (i Identifier) IsEmpty() bool {
	return i.Type == "" && i.Name == ""
}

// ParseIdentifier parses the "type:namespace:name:version" form.
func ParseIdentifier(s string) (Identifier, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return Identifier{}, fmt.Errorf("malformed package identifier %q", s)
	}
	id := Identifier{Type: parts[0], Namespace: parts[1], Name: parts[2], Version: parts[3]}
	if id.Type == "" || id.Name == "" {
		return Identifier{}, fmt.Errorf("malformed package identifier %q", s)
	}
	return id, nil
}

// UnmarshalYAML accepts both the string form used by curation files and the mapping form.
func (i *Identifier) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		id, err := ParseIdentifier(s)
		if err != nil {
			return err
		}
		*i = id
		return nil
	}
	type plain Identifier
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*i = Identifier(p)
	return nil
}

// RemoteArtifact is a downloadable source or binary archive.
type RemoteArtifact struct {
	URL           string `json:"url" yaml:"url"`
	HashValue     string `json:"hashValue,omitempty" yaml:"hash_value,omitempty"`
	HashAlgorithm string `json:"hashAlgorithm,omitempty" yaml:"hash_algorithm,omitempty"`
}

// IsEmpty reports whether no URL has been set.
func (a RemoteArtifact) IsEmpty() bool {
	return a.URL == ""
}

// VcsInfo describes a location in a version control system.
type VcsInfo struct {
	Type     string `json:"type" yaml:"type"`
	URL      string `json:"url" yaml:"url"`
	Revision string `json:"revision" yaml:"revision"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
}

// IsEmpty reports whether no URL has been set.
func (v VcsInfo) IsEmpty() bool {
	return v.URL == ""
}

// Package is a dependency with its declared source locations.
type Package struct {
	ID             Identifier     `json:"id"`
	SourceArtifact RemoteArtifact `json:"sourceArtifact"`
	Vcs            VcsInfo        `json:"vcs"`
}
