package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/clawgate/internal/classify"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

// Profile is a YAML policy file shared between machines or checked into a
// repository:
//
//	mode: auto
//	sandbox:
//	  roots: [~/src/project]
//	  deny: ["*.pem", .env]
//	  network:
//	    enabled: true
//	    allow_domains: [pkg.go.dev]
//	overrides:
//	  - pattern: make deploy*
//	    tier: destructive
type Profile struct {
	Mode      string              `yaml:"mode,omitempty"`
	Sandbox   *sandbox.Config     `yaml:"sandbox,omitempty"`
	Overrides []classify.Override `yaml:"overrides,omitempty"`
}

func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

func (p *Profile) apply(cfg *Config) {
	if p.Mode != "" {
		cfg.Agent.Mode = p.Mode
	}
	if p.Sandbox != nil {
		cfg.Sandbox = *p.Sandbox
	}
	if len(p.Overrides) > 0 {
		cfg.Overrides = p.Overrides
	}
}
