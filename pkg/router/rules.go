package router

import (
	"sort"
	"strings"

	"github.com/zen-systems/storyloom/pkg/config"
)

// RuleSet contains the compiled routing rules for criteria matching.
type RuleSet struct {
	config *config.RoutingConfig
	// Compiled rules ordered by trigger length (longer triggers first
	// for specificity), then task type for determinism.
	rules []compiledRule
}

type compiledRule struct {
	taskType string
	trigger  string
	adapter  string
	model    string
}

// NewRuleSet creates a new rule set from routing configuration.
func NewRuleSet(cfg *config.RoutingConfig) *RuleSet {
	rs := &RuleSet{config: cfg}
	rs.compile()
	return rs
}

func (rs *RuleSet) compile() {
	rs.rules = nil

	for name, taskType := range rs.config.TaskTypes {
		for _, trigger := range taskType.Triggers {
			rs.rules = append(rs.rules, compiledRule{
				taskType: name,
				trigger:  strings.ToLower(trigger),
				adapter:  taskType.Adapter,
				model:    taskType.Model,
			})
		}
	}

	sort.SliceStable(rs.rules, func(i, j int) bool {
		if len(rs.rules[i].trigger) != len(rs.rules[j].trigger) {
			return len(rs.rules[i].trigger) > len(rs.rules[j].trigger)
		}
		return rs.rules[i].taskType < rs.rules[j].taskType
	})
}

// Match finds the most specific rule whose trigger appears in the
// criteria. It returns the default route with matched=false when no
// trigger hits.
func (rs *RuleSet) Match(criteria string) (taskType, adapter, model string, matched bool) {
	lower := strings.ToLower(criteria)

	for _, rule := range rs.rules {
		if containsTrigger(lower, rule.trigger) {
			return rule.taskType, rule.adapter, rule.model, true
		}
	}

	return "default", rs.config.Default.Adapter, rs.config.Default.Model, false
}

// containsTrigger checks if the criteria contains the trigger phrase at
// word boundaries.
func containsTrigger(criteria, trigger string) bool {
	idx := strings.Index(criteria, trigger)
	if idx == -1 {
		return false
	}

	if idx > 0 && isWordChar(criteria[idx-1]) {
		return false
	}

	endIdx := idx + len(trigger)
	if endIdx < len(criteria) && isWordChar(criteria[endIdx]) {
		return false
	}

	return true
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
