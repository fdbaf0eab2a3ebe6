package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

type fieldRuleDoc struct {
	Target string `yaml:"target"`
	Key    string `yaml:"key,omitempty"`
	Column string `yaml:"column"`
}

type fieldMapDoc struct {
	Fields []fieldRuleDoc `yaml:"fields"`
}

// LoadFieldMap reads a payload-mapping override from a YAML file.
func LoadFieldMap(path string) (domain.FieldMap, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return domain.FieldMap{}, fmt.Errorf("failed to get absolute path: %w", err)
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return domain.FieldMap{}, fmt.Errorf("failed to read field map: %w", err)
	}
	var doc fieldMapDoc
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return domain.FieldMap{}, fmt.Errorf("failed to parse field map YAML: %w", err)
	}
	if len(doc.Fields) == 0 {
		return domain.FieldMap{}, fmt.Errorf("no field rules in %s", path)
	}
	m := domain.FieldMap{Rules: make([]domain.FieldRule, 0, len(doc.Fields))}
	for _, r := range doc.Fields {
		m.Rules = append(m.Rules, domain.FieldRule{Target: domain.FieldTarget(r.Target), Key: r.Key, Column: r.Column})
	}
	if err := m.Validate(); err != nil {
		return domain.FieldMap{}, fmt.Errorf("invalid field map %s: %w", path, err)
	}
	return m, nil
}

// GetFieldMap returns the mapping for the configured path, falling back
// to the built-in default when the path is empty or unreadable.
func (c Config) GetFieldMap() domain.FieldMap {
	if c.FieldMapPath == "" {
		return domain.DefaultFieldMap()
	}
	m, err := LoadFieldMap(c.FieldMapPath)
	if err != nil {
		return domain.DefaultFieldMap()
	}
	return m
}
