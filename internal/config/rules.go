package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vitalred/referral/internal/domain/referral"
	"github.com/vitalred/referral/internal/domain/scoring"
)

// Rules are the hot-reloadable triage settings. Fields absent from the file
// keep their built-in defaults.
type Rules struct {
	Scoring   scoring.Config               `yaml:"scoring"`
	Templates map[string]referral.Template `yaml:"templates"`
}

func DefaultRules() Rules {
	return Rules{
		Scoring:   scoring.DefaultConfig(),
		Templates: referral.DefaultTemplates(),
	}
}

// LoadRules reads path, or returns the defaults when path is empty. The
// scoring section is validated by building an engine.
func LoadRules(path string) (Rules, *scoring.Engine, error) {
	rules := DefaultRules()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Rules{}, nil, fmt.Errorf("read rules file: %w", err)
		}
		if err := yaml.Unmarshal(data, &rules); err != nil {
			return Rules{}, nil, fmt.Errorf("parse rules file %s: %w", path, err)
		}
	}
	engine, err := scoring.NewEngine(rules.Scoring)
	if err != nil {
		return Rules{}, nil, err
	}
	return rules, engine, nil
}
