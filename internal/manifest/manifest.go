// Package manifest encodes and decodes the per-module dependency manifest.
//
// The manifest pins the dependencies of a module to commit ids:
//
//	dependencies:
//	  ../base:
//	    ref: 1a2b3c...
//	    required: true
//
// Serialization is deterministic, entries are always emitted sorted by
// dependency name.
package manifest

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// FileName is the fixed path of the dependency manifest inside a module
// repository.
const FileName = "dependencies.yaml"

// Entry pins a single dependency to a commit id.
type Entry struct {
	Ref      string `yaml:"ref"`
	Required bool   `yaml:"required"`
}

// DependencyMap maps a dependency name to its pinned entry.
// It marshals with lexicographically sorted keys.
type DependencyMap map[string]*Entry

// File is the decoded form of a dependencies.yaml file.
type File struct {
	Dependencies DependencyMap `yaml:"dependencies"`
}

// ParseError is returned when a manifest can not be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing dependency manifest failed: %s", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// MarshalYAML implements deterministic marshalling, the map is encoded as a
// yaml mapping with sorted keys.
func (m DependencyMap) MarshalYAML() (interface{}, error) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	node := &yaml.Node{Kind: yaml.MappingNode}

	for _, key := range keys {
		var keyNode, valueNode yaml.Node

		if err := keyNode.Encode(key); err != nil {
			return nil, err
		}

		if err := valueNode.Encode(m[key]); err != nil {
			return nil, err
		}

		node.Content = append(node.Content, &keyNode, &valueNode)
	}

	return node, nil
}

// Encode serializes the manifest to its on-disk textual form.
func Encode(f *File) ([]byte, error) {
	buf := &bytes.Buffer{}

	encoder := yaml.NewEncoder(buf)
	encoder.SetIndent(2)

	if err := encoder.Encode(f); err != nil {
		return nil, fmt.Errorf("encoding dependency manifest failed: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a dependencies.yaml blob.
//
// Dependency names are recorded relative to the module, e.g. "../base".
// To allow comparing manifests of differently rooted modules, relative names
// are normalized to paths rooted at the product namespace by resolving them
// against repoPath. Names that are already rooted and names starting with "/"
// are kept untouched.
func Decode(data []byte, repoPath string) (*File, error) {
	var result File

	if err := yaml.Unmarshal(data, &result); err != nil {
		return nil, &ParseError{Err: err}
	}

	normalized := make(DependencyMap, len(result.Dependencies))
	for name, entry := range result.Dependencies {
		normalized[normalizeName(name, repoPath)] = entry
	}
	result.Dependencies = normalized

	return &result, nil
}

func normalizeName(name, repoPath string) string {
	if name != "." && name != ".." &&
		!strings.HasPrefix(name, "./") && !strings.HasPrefix(name, "../") {
		return name
	}

	return path.Clean(path.Join(repoPath, name))
}
