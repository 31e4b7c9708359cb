package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedPackVersions is the api_version range this build accepts.
const SupportedPackVersions = ">=1.0.0, <2.0.0"

// PackRule is one rule of a policy pack. Exactly one of Expression (CEL)
// or Pattern (regexp over the command) is set.
type PackRule struct {
	Meta       `yaml:",inline"`
	Expression string `yaml:"expression,omitempty"`
	Pattern    string `yaml:"pattern,omitempty"`
	Disabled   bool   `yaml:"disabled,omitempty"`
}

// Pack is a versioned set of additional rules loaded from YAML.
type Pack struct {
	APIVersion  string     `yaml:"api_version"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Rules       []PackRule `yaml:"rules"`
}

// LoadPack reads and version-checks a policy pack.
func LoadPack(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy pack: read %s: %w", path, err)
	}
	return ParsePack(data)
}

// ParsePack decodes a policy pack and checks its api_version.
func ParsePack(data []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy pack: parse: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy pack: missing name")
	}
	v, err := semver.NewVersion(p.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("policy pack %s: invalid api_version %q: %w", p.Name, p.APIVersion, err)
	}
	c, err := semver.NewConstraint(SupportedPackVersions)
	if err != nil {
		return nil, err
	}
	if !c.Check(v) {
		return nil, fmt.Errorf("policy pack %s: api_version %s not in %s", p.Name, v, SupportedPackVersions)
	}
	return &p, nil
}

// Compile turns enabled pack rules into catalog rules.
func (p *Pack) Compile() ([]Rule, error) {
	var out []Rule
	for _, pr := range p.Rules {
		if pr.Disabled {
			continue
		}
		if pr.Name == "" {
			return nil, fmt.Errorf("rule without name")
		}
		if _, err := ParseSeverity(string(pr.Severity)); err != nil {
			return nil, fmt.Errorf("rule %s: %w", pr.Name, err)
		}
		switch {
		case pr.Expression != "" && pr.Pattern != "":
			return nil, fmt.Errorf("rule %s: expression and pattern are exclusive", pr.Name)
		case pr.Expression != "":
			r, err := NewCELRule(pr.Meta, pr.Expression)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		case pr.Pattern != "":
			re, err := regexp.Compile(pr.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", pr.Name, err)
			}
			out = append(out, PatternRule{Info: pr.Meta, Pattern: re})
		default:
			return nil, fmt.Errorf("rule %s: needs expression or pattern", pr.Name)
		}
	}
	return out, nil
}

// PackFiles lists the .yaml and .yml files of dir in name order.
func PackFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policy pack: read dir %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
