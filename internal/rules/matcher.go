package rules

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// fieldValue returns the text a rule inspects.
func fieldValue(field Field, e *models.ErrorEvent) string {
	switch field {
	case FieldStack:
		return e.StackText()
	case FieldSource:
		return e.SourceURL()
	default:
		return e.Message
	}
}

// Match reports whether the rule matches the event. Disabled rules never
// match.
func (r *Rule) Match(e *models.ErrorEvent, hostname string) bool {
	switch r.MatchKind {
	case MatchSubstring:
		value := fieldValue(r.Field, e)
		if r.CaseSensitive {
			return strings.Contains(value, r.Pattern)
		}
		return strings.Contains(strings.ToLower(value), r.lowerPattern)
	case MatchRegex:
		if r.regex == nil {
			return false
		}
		return r.regex.MatchString(fieldValue(r.Field, e))
	case MatchExpr:
		if r.program == nil {
			return false
		}
		matched, err := runExpr(r.program, e, hostname)
		return err == nil && matched
	default:
		return false
	}
}

// appliesTo reports whether a rule's scope covers the session hostname.
func (r *Rule) appliesTo(hostname string) bool {
	if r.Scope != ScopeHostname {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(r.Hostname), hostname)
}

// compileExpr compiles an expression with type checking against the event
// environment.
func compileExpr(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression,
		expr.Env(sampleEnv()),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return program, nil
}

func runExpr(program *vm.Program, e *models.ErrorEvent, hostname string) (bool, error) {
	result, err := expr.Run(program, envFromEvent(e, hostname))
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return bool: got %T", result)
	}
	return matched, nil
}

func sampleEnv() map[string]any {
	return map[string]any{
		"message":  "",
		"stack":    "",
		"source":   "",
		"kind":     "",
		"hostname": "",
		"line":     0,
	}
}

func envFromEvent(e *models.ErrorEvent, hostname string) map[string]any {
	line := 0
	if top, ok := e.TopFrame(); ok {
		line = top.Line
	} else if e.SourceLocation != nil {
		line = e.SourceLocation.Line
	}
	return map[string]any{
		"message":  e.Message,
		"stack":    e.StackText(),
		"source":   e.SourceURL(),
		"kind":     string(e.Kind),
		"hostname": hostname,
		"line":     line,
	}
}
