// Package policy loads per-entity-type approval rules from a YAML file.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"formgate/api/internal/store"
)

// Rules are the effective approval rules for one entity type.
type Rules struct {
	ApprovalRequired        bool
	RestoreRequiresApproval bool
	PublishOnApprove        bool
	ForbidSelfReview        bool
	WorkflowConfig          json.RawMessage
}

type ruleFile struct {
	ApprovalRequired        *bool          `yaml:"approval_required"`
	RestoreRequiresApproval *bool          `yaml:"restore_requires_approval"`
	PublishOnApprove        *bool          `yaml:"publish_on_approve"`
	ForbidSelfReview        *bool          `yaml:"forbid_self_review"`
	WorkflowConfig          map[string]any `yaml:"workflow_config"`
}

type file struct {
	Defaults    ruleFile            `yaml:"defaults"`
	EntityTypes map[string]ruleFile `yaml:"entity_types"`
}

type Policy struct {
	defaults Rules
	byType   map[store.EntityType]Rules
}

// Default requires approval everywhere and publishes on approval.
func Default() *Policy {
	return &Policy{
		defaults: Rules{
			ApprovalRequired:        true,
			RestoreRequiresApproval: true,
			PublishOnApprove:        true,
		},
		byType: map[store.EntityType]Rules{},
	}
}

// Load reads a policy file. An empty path yields Default().
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Policy, error) {
	var parsed file
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	p := Default()
	defaults, err := merge(p.defaults, parsed.Defaults)
	if err != nil {
		return nil, fmt.Errorf("policy defaults: %w", err)
	}
	p.defaults = defaults

	for name, override := range parsed.EntityTypes {
		entityType := store.EntityType(name)
		if !entityType.Valid() {
			return nil, fmt.Errorf("policy: unknown entity type %q", name)
		}
		rules, err := merge(p.defaults, override)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		p.byType[entityType] = rules
	}
	return p, nil
}

func merge(base Rules, override ruleFile) (Rules, error) {
	out := base
	if override.ApprovalRequired != nil {
		out.ApprovalRequired = *override.ApprovalRequired
	}
	if override.RestoreRequiresApproval != nil {
		out.RestoreRequiresApproval = *override.RestoreRequiresApproval
	}
	if override.PublishOnApprove != nil {
		out.PublishOnApprove = *override.PublishOnApprove
	}
	if override.ForbidSelfReview != nil {
		out.ForbidSelfReview = *override.ForbidSelfReview
	}
	if override.WorkflowConfig != nil {
		encoded, err := json.Marshal(override.WorkflowConfig)
		if err != nil {
			return Rules{}, fmt.Errorf("encode workflow_config: %w", err)
		}
		out.WorkflowConfig = encoded
	}
	return out, nil
}

func (p *Policy) For(entityType store.EntityType) Rules {
	if rules, ok := p.byType[entityType]; ok {
		return rules
	}
	return p.defaults
}

// ForbidsSelfReview matches versioning.WithSelfReviewPolicy.
func (p *Policy) ForbidsSelfReview(entityType store.EntityType) bool {
	return p.For(entityType).ForbidSelfReview
}
