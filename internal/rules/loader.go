package rules

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RulesConfig represents the top-level YAML rules file.
type RulesConfig struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFromFile loads rules from a YAML file.
func LoadRulesFromFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()

	return LoadRules(f)
}

// LoadRules loads and compiles rules from a YAML reader. Structural errors
// abort loading; rules with bad patterns come back disabled.
func LoadRules(r io.Reader) ([]Rule, error) {
	var config RulesConfig
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}

	seen := make(map[string]struct{}, len(config.Rules))
	for i := range config.Rules {
		if err := config.Rules[i].Compile(); err != nil {
			return nil, fmt.Errorf("invalid rule at index %d: %w", i, err)
		}
		id := config.Rules[i].ID
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("invalid rule at index %d: %w: %s", i, ErrDuplicateRule, id)
		}
		seen[id] = struct{}{}
	}

	return config.Rules, nil
}
