package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError marks a fatal configuration problem; the CLI exits 1 on it.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "pipeline config: " + e.Msg }

func errf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// StageConfig describes one stage of the pipeline file.
type StageConfig struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Input     string         `yaml:"input"`
	Output    string         `yaml:"output"`
	BatchSize int            `yaml:"batch_size"`
	Model     string         `yaml:"model"`
	Options   map[string]any `yaml:",inline"`
}

var stageTypes = map[string]bool{
	"extract":   true,
	"transform": true,
	"load":      true,
	"validate":  true,
	"enrich":    true,
	"custom":    true,
}

// Environment holds per-env source, destination and model aliases.
type Environment struct {
	Source      map[string]string `yaml:"source"`
	Destination map[string]string `yaml:"destination"`
	Models      map[string]string `yaml:"models"`
}

// PipelineConfig is the declarative description of one ingestion pipeline,
// loaded from a single YAML file.
type PipelineConfig struct {
	Name         string                 `yaml:"name"`
	Version      string                 `yaml:"version"`
	Description  string                 `yaml:"description"`
	Stages       map[string]StageConfig `yaml:"stages"`
	Environments map[string]Environment `yaml:"environments"`
}

type fileRoot struct {
	Pipeline struct {
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		Description string `yaml:"description"`
	} `yaml:"pipeline"`
	Stages       map[string]StageConfig `yaml:"stages"`
	Environments map[string]Environment `yaml:"environments"`
}

// Load reads and validates a pipeline file.
func Load(path string) (*PipelineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errf("read %s: %v", path, err)
	}
	return Parse(raw)
}

// Parse validates raw YAML. Duplicate stage numbers and undefined model
// aliases are load-time failures, not runtime surprises.
func Parse(raw []byte) (*PipelineConfig, error) {
	var root fileRoot
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, errf("parse yaml: %v", err)
	}
	cfg := &PipelineConfig{
		Name:         root.Pipeline.Name,
		Version:      root.Pipeline.Version,
		Description:  root.Pipeline.Description,
		Stages:       root.Stages,
		Environments: root.Environments,
	}
	if cfg.Name == "" {
		return nil, errf("pipeline.name is required")
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}

	seen := map[int]string{}
	for key, sc := range cfg.Stages {
		n, err := StageNumber(key)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[n]; dup {
			return nil, errf("duplicate stage number %d (%s and %s)", n, prev, key)
		}
		seen[n] = key
		if sc.Type != "" && !stageTypes[sc.Type] {
			return nil, errf("stage %s: unknown type %q", key, sc.Type)
		}
		if sc.Model != "" && !cfg.modelDefined(sc.Model) {
			return nil, errf("stage %s: model alias %q is not defined in any environment", key, sc.Model)
		}
		if sc.BatchSize < 0 {
			return nil, errf("stage %s: batch_size must be >= 0", key)
		}
	}
	return cfg, nil
}

func (c *PipelineConfig) modelDefined(alias string) bool {
	for _, env := range c.Environments {
		if _, ok := env.Models[alias]; ok {
			return true
		}
	}
	return false
}

// StageNumber extracts N from a "stage_N" key.
func StageNumber(key string) (int, error) {
	rest, ok := strings.CutPrefix(key, "stage_")
	if !ok {
		return 0, errf("stage key %q must look like stage_<N>", key)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, errf("stage key %q: %q is not a non-negative integer", key, rest)
	}
	return n, nil
}

// StageOrder returns the stage keys sorted by number, ascending.
func (c *PipelineConfig) StageOrder() []string {
	keys := make([]string, 0, len(c.Stages))
	for k := range c.Stages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := StageNumber(keys[i])
		b, _ := StageNumber(keys[j])
		return a < b
	})
	return keys
}

// Stage looks up a stage config by number.
func (c *PipelineConfig) Stage(n int) (StageConfig, bool) {
	sc, ok := c.Stages[fmt.Sprintf("stage_%d", n)]
	return sc, ok
}

// Env resolves an environment block, falling back to "default".
func (c *PipelineConfig) Env(name string) Environment {
	if env, ok := c.Environments[name]; ok {
		return env
	}
	return c.Environments["default"]
}

// ResolveModel maps a stage's model alias to a concrete model id for env.
func (c *PipelineConfig) ResolveModel(env, alias string) (string, error) {
	e := c.Env(env)
	if id, ok := e.Models[alias]; ok {
		return id, nil
	}
	for _, other := range c.Environments {
		if id, ok := other.Models[alias]; ok {
			return id, nil
		}
	}
	return "", errf("model alias %q not resolvable in environment %q", alias, env)
}
