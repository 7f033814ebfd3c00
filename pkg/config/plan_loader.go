package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// RolloutPlan describes one deployment target's canary shape: the stage
// percentages, the services restarted at each stage, and the probe
// schedule that gates progression.
type RolloutPlan struct {
	Target   string   `yaml:"target" json:"target"`
	Stages   []int    `yaml:"stages" json:"stages"`
	Services []string `yaml:"services" json:"services"`
	// Version is the semantic version this plan ships. It feeds the
	// release history, so rollbacks can name the version they restore.
	Version       string   `yaml:"version" json:"version"`
	HealthURL     string   `yaml:"health_url" json:"health_url"`
	DeployDir     string   `yaml:"deploy_dir" json:"deploy_dir"`
	ProbeCount    int      `yaml:"probe_count" json:"probe_count"`
	ProbeInterval Duration `yaml:"probe_interval" json:"probe_interval"`
}

// Duration wraps time.Duration for YAML values like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultPlan is the production rollout shape used when no plan file is
// configured.
func DefaultPlan(target string, services []string) *RolloutPlan {
	return &RolloutPlan{
		Target:        target,
		Stages:        []int{10, 50, 100},
		Services:      services,
		ProbeCount:    6,
		ProbeInterval: Duration(10 * time.Second),
	}
}

// LoadPlan loads and validates a rollout plan YAML.
func LoadPlan(path string) (*RolloutPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load rollout plan: %w", err)
	}

	var plan RolloutPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse rollout plan %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("rollout plan %s: %w", path, err)
	}
	return &plan, nil
}

// Validate checks the plan is executable: a named target, ascending
// stage percentages ending at full rollout, and a sane probe schedule.
func (p *RolloutPlan) Validate() error {
	if p.Target == "" {
		return fmt.Errorf("target is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	prev := 0
	for _, pct := range p.Stages {
		if pct <= prev || pct > 100 {
			return fmt.Errorf("stages must ascend within (0,100], got %v", p.Stages)
		}
		prev = pct
	}
	if p.Stages[len(p.Stages)-1] != 100 {
		return fmt.Errorf("final stage must be 100, got %d", p.Stages[len(p.Stages)-1])
	}
	if len(p.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}
	if p.ProbeCount <= 0 {
		return fmt.Errorf("probe_count must be positive")
	}
	if p.Version != "" {
		if _, err := semver.NewVersion(p.Version); err != nil {
			return fmt.Errorf("version %q is not semver: %w", p.Version, err)
		}
	}
	return nil
}
