package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/blazecatch/internal/rules"
)

// DocumentVersion is the export format version.
const DocumentVersion = 1

// ErrMalformedDocument is returned when an import document fails shape
// validation as a whole.
var ErrMalformedDocument = errors.New("malformed settings document")

// Document is the single JSON document used for import and export.
type Document struct {
	Version  int          `json:"version"`
	Settings *Settings    `json:"settings"`
	Rules    []rules.Rule `json:"rules"`
}

// Skipped describes a rule entry left out of an import.
type Skipped struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// ImportReport lists what an import left out.
type ImportReport struct {
	Imported int       `json:"imported"`
	Skipped  []Skipped `json:"skipped,omitempty"`
}

// Export serializes settings and rules into one JSON document.
func Export(s *Settings) ([]byte, error) {
	doc := Document{
		Version:  DocumentVersion,
		Settings: s,
		Rules:    s.Rules,
	}
	if doc.Rules == nil {
		doc.Rules = []rules.Rule{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return data, nil
}

// Import parses an exported document. A document whose overall shape is
// wrong is rejected; individual malformed rule entries are skipped and
// listed in the report.
func Import(data []byte) (*Settings, ImportReport, error) {
	var report ImportReport

	docSchema, ruleSchema, err := schemas()
	if err != nil {
		return nil, report, err
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, report, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := docSchema.Validate(instance); err != nil {
		return nil, report, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	var raw struct {
		Settings *Settings        `json:"settings"`
		Rules    []json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, report, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	s := raw.Settings
	if s == nil {
		s = Default()
	}
	s.SetDefaults()

	var ruleInstances []any
	if obj, ok := instance.(map[string]any); ok {
		ruleInstances, _ = obj["rules"].([]any)
	}

	seen := make(map[string]struct{}, len(raw.Rules))
	s.Rules = make([]rules.Rule, 0, len(raw.Rules))
	for i, entry := range raw.Rules {
		if i < len(ruleInstances) {
			if err := ruleSchema.Validate(ruleInstances[i]); err != nil {
				report.Skipped = append(report.Skipped, Skipped{Index: i, Reason: oneLine(err.Error())})
				continue
			}
		}

		var r rules.Rule
		if err := json.Unmarshal(entry, &r); err != nil {
			report.Skipped = append(report.Skipped, Skipped{Index: i, Reason: err.Error()})
			continue
		}
		if err := r.Compile(); err != nil {
			report.Skipped = append(report.Skipped, Skipped{Index: i, ID: r.ID, Reason: err.Error()})
			continue
		}
		if _, dup := seen[r.ID]; dup {
			report.Skipped = append(report.Skipped, Skipped{Index: i, ID: r.ID, Reason: rules.ErrDuplicateRule.Error()})
			continue
		}
		seen[r.ID] = struct{}{}
		s.Rules = append(s.Rules, r)
	}
	report.Imported = len(s.Rules)

	return s, report, nil
}

// LoadFile reads a settings document from disk. Files ending in .yaml or
// .yml are YAML with the same structure as the JSON export.
func LoadFile(path string) (*Settings, ImportReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ImportReport{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, ImportReport{}, err
		}
	}
	return Import(data)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return out, nil
}

// oneLine collapses a multi-line validation error.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
