package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gonkalabs/trustlayer-proxy/internal/policy"
)

// PolicyFile is the YAML policy document.
//
//	allowed_domains: [api.openai.com, "*.openai.azure.com"]
//	security:
//	  prompt_injection_patterns: ["ignore previous instructions"]
//	injection_rules:
//	  - {id: role-play, pattern: 'pretend\s+to\s+be'}
//	text_fields: ["messages.*.content", "prompt"]
//
// Omitted allowed_domains or injection_rules fall back to the built-in
// defaults; an explicit empty list disables them.
type PolicyFile struct {
	AllowedDomains *[]string `yaml:"allowed_domains"`
	Security       struct {
		PromptInjectionPatterns []string `yaml:"prompt_injection_patterns"`
	} `yaml:"security"`
	InjectionRules *[]policy.Rule `yaml:"injection_rules"`
	TextFields     []string       `yaml:"text_fields"`
}

// Policy is a loaded policy file.
type Policy struct {
	Gate       policy.Config
	TextFields []string // nil means the built-in field list
}

// LoadPolicy reads path, or returns the built-in policy when path is empty.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{Gate: policy.DefaultConfig()}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: policy: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes a YAML policy document. Other top-level keys, such as
// the redis or proxy sections of a combined config file, are ignored.
func ParsePolicy(raw []byte) (*Policy, error) {
	var f PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: policy: %w", err)
	}

	def := policy.DefaultConfig()
	p := &Policy{TextFields: f.TextFields}
	p.Gate.AllowedHosts = def.AllowedHosts
	if f.AllowedDomains != nil {
		p.Gate.AllowedHosts = *f.AllowedDomains
	}
	p.Gate.Rules = def.Rules
	if f.InjectionRules != nil {
		p.Gate.Rules = *f.InjectionRules
	}
	p.Gate.Phrases = f.Security.PromptInjectionPatterns
	return p, nil
}
