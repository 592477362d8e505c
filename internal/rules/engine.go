package rules

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazecatch/internal/metrics"
	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// Engine evaluates events against the ordered rule set. It is shared by all
// sessions and safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	rules  []*Rule
	logger *zap.Logger
	stats  EngineStats
}

// EngineStats tracks engine statistics using atomic operations for lock-free access.
type EngineStats struct {
	EventsEvaluated atomic.Int64
	EventsRejected  atomic.Int64
	Highlights      atomic.Int64
}

// EngineStatsSnapshot is a snapshot of engine statistics for reporting.
type EngineStatsSnapshot struct {
	EventsEvaluated int64 `json:"events_evaluated"`
	EventsRejected  int64 `json:"events_rejected"`
	Highlights      int64 `json:"highlights"`
}

// NewEngine creates an engine with no rules.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.With(zap.String("component", "rules"))}
}

// Evaluate runs the event through the rule set for a session on hostname.
func (e *Engine) Evaluate(event *models.ErrorEvent, hostname string) Decision {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	e.stats.EventsEvaluated.Add(1)

	decision := Decision{Admit: true}
	for _, rule := range rules {
		if !rule.Active() || !rule.appliesTo(hostname) {
			continue
		}
		if !rule.Match(event, hostname) {
			continue
		}

		metrics.RuleMatches.WithLabelValues(string(rule.Action)).Inc()

		if rule.Action == ActionHighlight {
			e.stats.Highlights.Add(1)
			decision.Highlights = append(decision.Highlights, rule.ID)
			continue
		}

		e.stats.EventsRejected.Add(1)
		decision.Admit = false
		decision.MatchedRuleID = rule.ID
		return decision
	}
	return decision
}

// Replace swaps the whole rule set. Every rule is compiled first; if any has
// a structural error nothing is replaced. Rules whose pattern fails to
// compile are kept but disabled.
func (e *Engine) Replace(rules []Rule) error {
	compiled := make([]*Rule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for i := range rules {
		r := rules[i].Clone()
		if err := r.Compile(); err != nil {
			return fmt.Errorf("invalid rule at index %d: %w", i, err)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("invalid rule at index %d: %w: %s", i, ErrDuplicateRule, r.ID)
		}
		seen[r.ID] = struct{}{}
		compiled = append(compiled, r)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()

	e.reportDisabled(compiled)
	return nil
}

// AddRule appends a rule to the end of the rule set.
func (e *Engine) AddRule(rule Rule) (*Rule, error) {
	r := rule.Clone()
	if err := r.Compile(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	for _, existing := range e.rules {
		if existing.ID == r.ID {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
	}
	// Copy on write: Evaluate iterates a snapshot without holding the lock.
	next := make([]*Rule, len(e.rules), len(e.rules)+1)
	copy(next, e.rules)
	e.rules = append(next, r)
	snapshot := e.rules
	e.mu.Unlock()

	e.reportDisabled(snapshot)
	return r.Clone(), nil
}

// RemoveRule removes a rule by id.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, rule := range e.rules {
		if rule.ID == id {
			next := make([]*Rule, 0, len(e.rules)-1)
			next = append(next, e.rules[:i]...)
			next = append(next, e.rules[i+1:]...)
			e.rules = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// GetRule returns a copy of a rule by id.
func (e *Engine) GetRule(id string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if rule.ID == id {
			return rule.Clone(), true
		}
	}
	return nil, false
}

// Rules returns copies of all rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]Rule, len(e.rules))
	for i, rule := range e.rules {
		result[i] = *rule.Clone()
	}
	return result
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() EngineStatsSnapshot {
	return EngineStatsSnapshot{
		EventsEvaluated: e.stats.EventsEvaluated.Load(),
		EventsRejected:  e.stats.EventsRejected.Load(),
		Highlights:      e.stats.Highlights.Load(),
	}
}

func (e *Engine) reportDisabled(rules []*Rule) {
	disabled := 0
	for _, r := range rules {
		if r.Disabled() {
			disabled++
			e.logger.Warn("rule disabled",
				zap.String("rule_id", r.ID),
				zap.String("reason", r.DisabledReason()),
			)
		}
	}
	metrics.RulesDisabled.Set(float64(disabled))
}
