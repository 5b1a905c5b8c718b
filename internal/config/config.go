package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"selfaudit/internal/domain"
)

// Config models selfaudit.yml.
type Config struct {
	Questionnaire Questionnaire   `yaml:"questionnaire" json:"questionnaire" validate:"required"`
	Modules       []Module        `yaml:"modules" json:"modules" validate:"required,min=1,dive"`
	Runs          RunsConfig      `yaml:"runs" json:"runs"`
	Webhooks      []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty" validate:"dive"`
}

type Questionnaire struct {
	ID      string `yaml:"id" json:"id" validate:"required"`
	Title   string `yaml:"title" json:"title"`
	Version int    `yaml:"version" json:"version" validate:"gte=0"`
}

type Module struct {
	ID          string            `yaml:"id" json:"id" validate:"required"`
	Title       string            `yaml:"title" json:"title"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Questions   []domain.Question `yaml:"questions" json:"questions" validate:"required,min=1,dive"`
}

// RunsConfig overrides the labels given to runs created without an explicit
// context.
type RunsConfig struct {
	CurrentName string `yaml:"current_name,omitempty" json:"current_name,omitempty"`
	ArchiveName string `yaml:"archive_name,omitempty" json:"archive_name,omitempty"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id" json:"id" validate:"required"`
	URL            string   `yaml:"url" json:"url" validate:"required,url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then the rules tags cannot express: unique
// ids, a single entry point per module, well-formed conditions and options.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s: failed %q check", fieldPath(fe.Namespace()), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}

	known := map[string]bool{}
	for _, m := range c.Modules {
		for _, q := range m.Questions {
			known[q.ID] = true
		}
	}
	modules := map[string]bool{}
	for i, m := range c.Modules {
		if modules[m.ID] {
			return fmt.Errorf("config modules[%d]: duplicate module id %s", i, m.ID)
		}
		modules[m.ID] = true
		seen := map[string]bool{}
		entries := 0
		for j, q := range m.Questions {
			path := fmt.Sprintf("modules[%d].questions[%d]", i, j)
			if seen[q.ID] {
				return fmt.Errorf("config %s: duplicate question id %s in module %s", path, q.ID, m.ID)
			}
			seen[q.ID] = true
			if q.EntryPoint {
				entries++
			}
			switch q.Type {
			case domain.QuestionSingleSelect, domain.QuestionMultiSelect:
				if len(q.Options) == 0 {
					return fmt.Errorf("config %s: %s question %s needs options", path, q.Type, q.ID)
				}
			}
			if err := checkCondition(q.VisibilityCondition, known); err != nil {
				return fmt.Errorf("config %s.visibility_condition: %w", path, err)
			}
			if err := checkCondition(q.HideCondition, known); err != nil {
				return fmt.Errorf("config %s.hide_condition: %w", path, err)
			}
		}
		if entries > 1 {
			return fmt.Errorf("config modules[%d]: module %s has %d entry points", i, m.ID, entries)
		}
	}
	hooks := map[string]bool{}
	for i, h := range c.Webhooks {
		if hooks[h.ID] {
			return fmt.Errorf("config webhooks[%d]: duplicate webhook id %s", i, h.ID)
		}
		hooks[h.ID] = true
	}
	return nil
}

func checkCondition(cond *domain.Condition, known map[string]bool) error {
	if cond == nil {
		return nil
	}
	if cond.QuestionID == "" && len(cond.OrConditions) == 0 {
		return fmt.Errorf("question_id is required")
	}
	if cond.QuestionID != "" {
		if !known[cond.QuestionID] {
			return fmt.Errorf("unknown question %s", cond.QuestionID)
		}
		if len(cond.AcceptableAnswers) == 0 {
			return fmt.Errorf("acceptable_answers is required for %s", cond.QuestionID)
		}
		for _, a := range cond.AcceptableAnswers {
			if !a.Valid() {
				return fmt.Errorf("invalid answer %q for %s", a, cond.QuestionID)
			}
		}
	}
	for i := range cond.OrConditions {
		if err := checkCondition(&cond.OrConditions[i], known); err != nil {
			return fmt.Errorf("or_conditions[%d]: %w", i, err)
		}
	}
	return nil
}

// fieldPath turns a validator namespace into the yaml path users edit.
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Module returns the module with the given id.
func (c *Config) Module(id string) (*Module, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Modules {
		if c.Modules[i].ID == id {
			return &c.Modules[i], true
		}
	}
	return nil, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "selfaudit.yml")
}

//go:embed default.yml
var defaultTemplate string

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the parsed default questionnaire.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default questionnaire: %v", err))
	}
	return cfg
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders cfg back to YAML.
func ToYAML(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
