package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/good-yellow-bee/blazecatch/internal/models"
)

func boolPtr(b bool) *bool { return &b }

func sampleEvent() *models.ErrorEvent {
	return &models.ErrorEvent{
		Kind:    models.KindUncaughtException,
		Message: "TypeError: Cannot read properties of undefined",
		StackFrames: []models.StackFrame{
			{Function: "render", Source: "https://shop.test/app.js", Line: 10, Column: 2},
		},
	}
}

func TestRuleValidation(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
		errMsg  string
	}{
		{name: "empty id", rule: Rule{Pattern: "x"}, wantErr: true, errMsg: "id is required"},
		{name: "empty pattern", rule: Rule{ID: "r"}, wantErr: true, errMsg: "pattern is required"},
		{name: "bad match kind", rule: Rule{ID: "r", Pattern: "x", MatchKind: "glob"}, wantErr: true, errMsg: "invalid match kind"},
		{name: "bad field", rule: Rule{ID: "r", Pattern: "x", Field: "title"}, wantErr: true, errMsg: "invalid field"},
		{name: "bad action", rule: Rule{ID: "r", Pattern: "x", Action: "mute"}, wantErr: true, errMsg: "invalid action"},
		{name: "bad scope", rule: Rule{ID: "r", Pattern: "x", Scope: "tab"}, wantErr: true, errMsg: "invalid scope"},
		{name: "hostname scope without hostname", rule: Rule{ID: "r", Pattern: "x", Scope: ScopeHostname}, wantErr: true, errMsg: "hostname is required"},
		{name: "defaults", rule: Rule{ID: "r", Pattern: "x"}},
		{name: "hostname scope", rule: Rule{ID: "r", Pattern: "x", Scope: ScopeHostname, Hostname: "shop.test"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Compile()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q should contain %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRuleDefaults(t *testing.T) {
	r := Rule{ID: "r", Pattern: "x"}
	if err := r.Compile(); err != nil {
		t.Fatal(err)
	}
	if r.MatchKind != MatchSubstring || r.Field != FieldMessage || r.Action != ActionIgnore || r.Scope != ScopeGlobal {
		t.Errorf("defaults not applied: %+v", r)
	}
}

func TestRuleCompile_BadPatternDisables(t *testing.T) {
	for _, r := range []Rule{
		{ID: "re", Pattern: "[invalid(regex", MatchKind: MatchRegex},
		{ID: "ex", Pattern: "message ===", MatchKind: MatchExpr},
		{ID: "ex-type", Pattern: `message + "x"`, MatchKind: MatchExpr},
	} {
		if err := r.Compile(); err != nil {
			t.Fatalf("%s: bad pattern must not be a load error: %v", r.ID, err)
		}
		if !r.Disabled() || r.DisabledReason() == "" {
			t.Errorf("%s: rule should be disabled", r.ID)
		}
		if r.Match(sampleEvent(), "") {
			t.Errorf("%s: disabled rule matched", r.ID)
		}
	}
}

func TestRuleMatch(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"substring case-insensitive", Rule{Pattern: "typeerror"}, true},
		{"substring case-sensitive miss", Rule{Pattern: "typeerror", CaseSensitive: true}, false},
		{"substring miss", Rule{Pattern: "ReferenceError"}, false},
		{"regex message", Rule{Pattern: `^TypeError: .*undefined$`, MatchKind: MatchRegex}, true},
		{"regex stack", Rule{Pattern: `render \(https://shop\.test`, MatchKind: MatchRegex, Field: FieldStack}, true},
		{"substring source", Rule{Pattern: "shop.test/app.js", Field: FieldSource}, true},
		{"substring source miss", Rule{Pattern: "cdn.test", Field: FieldSource}, false},
		{"expr", Rule{Pattern: `kind == "uncaught_exception" && line > 5`, MatchKind: MatchExpr}, true},
		{"expr hostname", Rule{Pattern: `hostname endsWith "shop.test"`, MatchKind: MatchExpr}, true},
		{"expr miss", Rule{Pattern: `message contains "timeout"`, MatchKind: MatchExpr}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule
			r.ID = "r"
			if err := r.Compile(); err != nil {
				t.Fatal(err)
			}
			if r.Disabled() {
				t.Fatalf("rule unexpectedly disabled: %s", r.DisabledReason())
			}
			if got := r.Match(sampleEvent(), "www.shop.test"); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_FirstIgnoreWins(t *testing.T) {
	e := NewEngine(nil)
	err := e.Replace([]Rule{
		{ID: "hl", Pattern: "TypeError", Action: ActionHighlight},
		{ID: "ig-1", Pattern: "Cannot read"},
		{ID: "ig-2", Pattern: "undefined"},
	})
	if err != nil {
		t.Fatal(err)
	}

	d := e.Evaluate(sampleEvent(), "shop.test")
	if d.Admit {
		t.Fatal("event should be rejected")
	}
	if d.MatchedRuleID != "ig-1" {
		t.Errorf("MatchedRuleID = %q, want ig-1", d.MatchedRuleID)
	}
}

func TestEngine_HighlightNeverBlocks(t *testing.T) {
	e := NewEngine(nil)
	if err := e.Replace([]Rule{
		{ID: "hl-1", Pattern: "TypeError", Action: ActionHighlight},
		{ID: "hl-2", Pattern: "undefined", Action: ActionHighlight},
		{ID: "ig", Pattern: "nomatch"},
	}); err != nil {
		t.Fatal(err)
	}

	d := e.Evaluate(sampleEvent(), "")
	if !d.Admit {
		t.Fatal("highlight rules must not block")
	}
	if len(d.Highlights) != 2 || d.Highlights[0] != "hl-1" || d.Highlights[1] != "hl-2" {
		t.Errorf("Highlights = %v", d.Highlights)
	}
}

func TestEngine_HostnameScope(t *testing.T) {
	e := NewEngine(nil)
	if err := e.Replace([]Rule{
		{ID: "site", Pattern: "TypeError", Scope: ScopeHostname, Hostname: "Shop.Test"},
	}); err != nil {
		t.Fatal(err)
	}

	if d := e.Evaluate(sampleEvent(), "other.test"); !d.Admit {
		t.Error("hostname rule applied to another host")
	}
	if d := e.Evaluate(sampleEvent(), "shop.test"); d.Admit {
		t.Error("hostname rule did not apply to its host")
	}
}

func TestEngine_SkipsDisabledAndUserDisabled(t *testing.T) {
	e := NewEngine(nil)
	if err := e.Replace([]Rule{
		{ID: "bad", Pattern: "(", MatchKind: MatchRegex},
		{ID: "off", Pattern: "TypeError", Enabled: boolPtr(false)},
		{ID: "good", Pattern: "never matches"},
	}); err != nil {
		t.Fatal(err)
	}

	if d := e.Evaluate(sampleEvent(), ""); !d.Admit {
		t.Errorf("event rejected by %q", d.MatchedRuleID)
	}
	rules := e.Rules()
	if len(rules) != 3 || !rules[0].Disabled() {
		t.Error("disabled rule should be kept in the rule set")
	}
}

func TestEngine_ReplaceRejectsStructuralErrors(t *testing.T) {
	e := NewEngine(nil)
	if err := e.Replace([]Rule{{ID: "a", Pattern: "x"}}); err != nil {
		t.Fatal(err)
	}

	if err := e.Replace([]Rule{{ID: "b", Pattern: "x"}, {Pattern: "no id"}}); err == nil {
		t.Fatal("expected error")
	}
	if err := e.Replace([]Rule{{ID: "b", Pattern: "x"}, {ID: "b", Pattern: "y"}}); !errors.Is(err, ErrDuplicateRule) {
		t.Fatalf("duplicate ids err = %v", err)
	}
	if rules := e.Rules(); len(rules) != 1 || rules[0].ID != "a" {
		t.Errorf("rule set changed after failed replace: %+v", rules)
	}
}

func TestEngine_AddRemove(t *testing.T) {
	e := NewEngine(nil)

	if _, err := e.AddRule(Rule{ID: "a", Pattern: "TypeError"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddRule(Rule{ID: "a", Pattern: "other"}); !errors.Is(err, ErrDuplicateRule) {
		t.Errorf("duplicate add err = %v", err)
	}
	if _, err := e.AddRule(Rule{Pattern: "no id"}); err == nil {
		t.Error("invalid rule should be rejected")
	}
	if d := e.Evaluate(sampleEvent(), ""); d.Admit {
		t.Error("added rule not applied")
	}

	if err := e.RemoveRule("a"); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveRule("a"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second remove err = %v", err)
	}
	if d := e.Evaluate(sampleEvent(), ""); !d.Admit {
		t.Error("removed rule still applied")
	}

	stats := e.Stats()
	if stats.EventsEvaluated != 2 || stats.EventsRejected != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEngine_RulesReturnsCopies(t *testing.T) {
	e := NewEngine(nil)
	if _, err := e.AddRule(Rule{ID: "a", Pattern: "TypeError"}); err != nil {
		t.Fatal(err)
	}
	rules := e.Rules()
	rules[0].Pattern = "changed"

	got, ok := e.GetRule("a")
	if !ok || got.Pattern != "TypeError" {
		t.Errorf("engine rule mutated through Rules(): %+v", got)
	}
}

func TestLoadRules(t *testing.T) {
	yamlDoc := `
rules:
  - id: ignore-extensions
    pattern: "chrome-extension://"
    field: source
  - id: highlight-checkout
    pattern: "checkout"
    action: highlight
    scope: hostname
    hostname: shop.test
  - id: broken
    pattern: "[oops"
    match_kind: regex
`
	rules, err := LoadRules(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d rules", len(rules))
	}
	if rules[0].Field != FieldSource || rules[0].Action != ActionIgnore {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if !rules[2].Disabled() {
		t.Error("broken regex should be disabled, not fatal")
	}

	if _, err := LoadRules(strings.NewReader("rules:\n  - pattern: x\n")); err == nil {
		t.Error("rule without id should fail to load")
	}
}
