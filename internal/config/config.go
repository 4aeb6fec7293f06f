package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models stepline.yml: the declarative step catalog plus webhook
// subscriptions. Steps configured here run with the default handler; callers
// embedding the engine in their own program register coded handlers instead.
type Config struct {
	Catalog struct {
		Name string `yaml:"name"`
	} `yaml:"catalog"`
	Steps    []StepConfig    `yaml:"steps"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type StepConfig struct {
	ID           string               `yaml:"id"`
	Version      int                  `yaml:"version"`
	Required     bool                 `yaml:"required"`
	OptIn        bool                 `yaml:"opt_in"`
	Description  string               `yaml:"description"`
	VisibleAfter []string             `yaml:"visible_after"`
	Args         map[string]ArgConfig `yaml:"args"`
}

type ArgConfig struct {
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl catalog init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("config.steps must declare at least one step")
	}
	ids := make(map[string]bool, len(c.Steps))
	for _, s := range c.Steps {
		if s.ID == "" {
			return fmt.Errorf("config.steps contains a step without an id")
		}
		if s.Version < 1 {
			return fmt.Errorf("step %s: version must be >= 1", s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		ids[s.ID] = true
		for name, arg := range s.Args {
			if name == "" {
				return fmt.Errorf("step %s has an unnamed arg", s.ID)
			}
			if !validArgType(arg.Type) {
				return fmt.Errorf("step %s arg %s: unknown type %s", s.ID, name, arg.Type)
			}
		}
	}
	for _, s := range c.Steps {
		for _, dep := range s.VisibleAfter {
			if dep == s.ID {
				return fmt.Errorf("step %s: visible_after cannot reference itself", s.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("step %s: visible_after references unknown step %s", s.ID, dep)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s: timeout_seconds cannot be negative", hook.URL)
		}
	}
	return nil
}

func validArgType(t string) bool {
	switch t {
	case "string", "number", "boolean", "object", "array":
		return true
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stepline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// Default returns the built-in default Config.
func Default(name string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(name)))
	if err != nil {
		// The template is a compile-time constant; failing to parse it is a bug.
		panic(err)
	}
	return cfg
}

const defaultTemplate = `catalog:
  name: %s

steps:
  - id: create-account
    version: 1
    required: true
    description: "Create the account"

  - id: verify-email
    version: 1
    required: true
    description: "Verify the email address"
    visible_after: [create-account]

  - id: invite-team
    version: 1
    required: true
    opt_in: true
    description: "Invite teammates (skippable)"
    visible_after: [verify-email]
    args:
      emails:
        type: array

  - id: take-tour
    version: 1
    required: false
    opt_in: true
    description: "Take the product tour"
`
