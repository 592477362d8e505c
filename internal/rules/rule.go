// Package rules provides the user-authored rule set that decides whether a
// captured error is kept. Rules are evaluated in order; the first matching
// ignore rule drops the event, highlight rules only tag it.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr/vm"
)

// MatchKind selects how Pattern is interpreted.
type MatchKind string

const (
	// MatchSubstring matches when the field contains Pattern.
	MatchSubstring MatchKind = "substring"
	// MatchRegex matches Pattern as an RE2 regular expression.
	MatchRegex MatchKind = "regex"
	// MatchExpr evaluates Pattern as a boolean expr-lang expression.
	MatchExpr MatchKind = "expr"
)

// Field is the part of the event a rule inspects.
type Field string

const (
	FieldMessage Field = "message"
	FieldStack   Field = "stack"
	FieldSource  Field = "source"
)

// Action is what happens when a rule matches.
type Action string

const (
	ActionIgnore    Action = "ignore"
	ActionHighlight Action = "highlight"
)

// Scope limits where a rule applies.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeHostname Scope = "hostname"
)

// Common errors returned by the rule engine.
var (
	ErrRuleNotFound  = errors.New("rule not found")
	ErrDuplicateRule = errors.New("duplicate rule id")
)

// Rule is a single user-authored rule.
type Rule struct {
	// ID is the unique identifier for the rule.
	ID string `json:"id" yaml:"id"`
	// Description is free text shown in the settings UI.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Pattern is the substring, regex, or expression to match.
	Pattern string `json:"pattern" yaml:"pattern"`
	// MatchKind defaults to substring.
	MatchKind MatchKind `json:"match_kind" yaml:"match_kind"`
	// Field defaults to message. Ignored by expr rules.
	Field Field `json:"field" yaml:"field"`
	// Action defaults to ignore.
	Action Action `json:"action" yaml:"action"`
	// Scope defaults to global.
	Scope Scope `json:"scope" yaml:"scope"`
	// Hostname is required when Scope is hostname.
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	// CaseSensitive controls substring and regex matching.
	CaseSensitive bool `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
	// Enabled lets the user switch a rule off without deleting it.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// disabledReason is set when the pattern failed to compile.
	disabledReason string
	regex          *regexp.Regexp
	program        *vm.Program
	lowerPattern   string
}

// IsEnabled returns whether the user enabled the rule.
func (r *Rule) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// Disabled reports whether the rule was excluded at load time because its
// pattern could not be compiled.
func (r *Rule) Disabled() bool {
	return r.disabledReason != ""
}

// DisabledReason explains why the rule was disabled at load time.
func (r *Rule) DisabledReason() string {
	return r.disabledReason
}

// Active reports whether the rule takes part in evaluation.
func (r *Rule) Active() bool {
	return r.IsEnabled() && !r.Disabled()
}

// setDefaults fills in omitted enum values.
func (r *Rule) setDefaults() {
	if r.MatchKind == "" {
		r.MatchKind = MatchSubstring
	}
	if r.Field == "" {
		r.Field = FieldMessage
	}
	if r.Action == "" {
		r.Action = ActionIgnore
	}
	if r.Scope == "" {
		r.Scope = ScopeGlobal
	}
}

// Validate checks the rule's structure. It does not compile the pattern.
func (r *Rule) Validate() error {
	r.setDefaults()

	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Pattern == "" {
		return fmt.Errorf("pattern is required for rule %q", r.ID)
	}

	switch r.MatchKind {
	case MatchSubstring, MatchRegex, MatchExpr:
	default:
		return fmt.Errorf("invalid match kind %q for rule %q", r.MatchKind, r.ID)
	}
	switch r.Field {
	case FieldMessage, FieldStack, FieldSource:
	default:
		return fmt.Errorf("invalid field %q for rule %q", r.Field, r.ID)
	}
	switch r.Action {
	case ActionIgnore, ActionHighlight:
	default:
		return fmt.Errorf("invalid action %q for rule %q", r.Action, r.ID)
	}
	switch r.Scope {
	case ScopeGlobal:
	case ScopeHostname:
		if strings.TrimSpace(r.Hostname) == "" {
			return fmt.Errorf("hostname is required for hostname-scoped rule %q", r.ID)
		}
	default:
		return fmt.Errorf("invalid scope %q for rule %q", r.Scope, r.ID)
	}

	return nil
}

// Compile validates the rule and prepares its matcher. A structural problem
// is returned as an error. A pattern that fails to compile does not: the
// rule is marked disabled and skipped during evaluation.
func (r *Rule) Compile() error {
	if err := r.Validate(); err != nil {
		return err
	}

	r.disabledReason = ""
	r.regex = nil
	r.program = nil
	r.lowerPattern = strings.ToLower(r.Pattern)

	switch r.MatchKind {
	case MatchRegex:
		flags := ""
		if !r.CaseSensitive {
			flags = "(?i)"
		}
		compiled, err := regexp.Compile(flags + r.Pattern)
		if err != nil {
			r.disabledReason = fmt.Sprintf("invalid regex: %v", err)
			return nil
		}
		r.regex = compiled
	case MatchExpr:
		program, err := compileExpr(r.Pattern)
		if err != nil {
			r.disabledReason = fmt.Sprintf("invalid expression: %v", err)
			return nil
		}
		r.program = program
	}

	return nil
}

// Clone returns a copy of the rule sharing the compiled matcher.
func (r *Rule) Clone() *Rule {
	c := *r
	if r.Enabled != nil {
		enabled := *r.Enabled
		c.Enabled = &enabled
	}
	return &c
}

// Decision is the outcome of evaluating an event against the rule set.
type Decision struct {
	// Admit is false when an ignore rule matched.
	Admit bool
	// MatchedRuleID is the id of the ignore rule that rejected the event.
	MatchedRuleID string
	// Highlights lists highlight rules that matched before evaluation ended.
	Highlights []string
}
