package governance

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Rule names reported by the built-in policies.
const (
	RulePredicate   = "predicate"
	RulePolicyError = "policy-error"
)

// Assessment is a policy's verdict on a tool call.
type Assessment struct {
	HighRisk bool   `json:"highRisk"`
	Rule     string `json:"rule,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Policy classifies tool calls. Implementations must be safe for concurrent use.
type Policy interface {
	Assess(ctx context.Context, toolName string, params map[string]any) (Assessment, error)
}

// PolicyFunc adapts a plain high-risk predicate to Policy.
type PolicyFunc func(toolName string, params map[string]any) bool

// Assess implements Policy.
func (f PolicyFunc) Assess(_ context.Context, toolName string, params map[string]any) (Assessment, error) {
	if !f(toolName, params) {
		return Assessment{}, nil
	}
	return Assessment{
		HighRisk: true,
		Rule:     RulePredicate,
		Reason:   fmt.Sprintf("tool %q is classified high-risk", toolName),
	}, nil
}

// Rule marks tools whose name matches a glob pattern as high-risk.
// Patterns use path.Match syntax and are compared case-insensitively.
type Rule struct {
	ID     string `yaml:"id" json:"id"`
	Match  string `yaml:"match" json:"match"`
	Reason string `yaml:"reason" json:"reason"`
}

// RuleTable is the default Policy. Allow entries are exact tool names or
// patterns that override any high-risk rule.
type RuleTable struct {
	HighRisk []Rule   `yaml:"high_risk" json:"highRisk"`
	Allow    []string `yaml:"allow" json:"allow"`
}

// DefaultRuleTable returns the built-in classification of destructive tools.
func DefaultRuleTable() *RuleTable {
	return &RuleTable{
		HighRisk: []Rule{
			{ID: "database_write", Match: "database_modify", Reason: "modifies persistent data"},
			{ID: "database_write", Match: "database_delete", Reason: "deletes persistent data"},
			{ID: "database_write", Match: "database_drop", Reason: "drops database objects"},
			{ID: "shell", Match: "shell_exec", Reason: "executes arbitrary commands"},
			{ID: "filesystem_write", Match: "filesystem_delete", Reason: "deletes files"},
			{ID: "payments", Match: "payment_transfer", Reason: "moves money"},
		},
	}
}

// LoadRuleTable reads a RuleTable from a YAML file.
func LoadRuleTable(filename string) (*RuleTable, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading rule table %s: %w", filename, err)
	}

	var t RuleTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing rule table %s: %w", filename, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("rule table %s: %w", filename, err)
	}
	return &t, nil
}

// Validate checks every pattern in the table.
func (t *RuleTable) Validate() error {
	for i, r := range t.HighRisk {
		if r.Match == "" {
			return fmt.Errorf("high_risk[%d]: empty match", i)
		}
		if _, err := path.Match(r.Match, ""); err != nil {
			return fmt.Errorf("high_risk[%d]: bad pattern %q: %w", i, r.Match, err)
		}
	}
	for i, p := range t.Allow {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("allow[%d]: bad pattern %q: %w", i, p, err)
		}
	}
	return nil
}

// Assess implements Policy. The first matching high-risk rule wins unless the
// tool is allow-listed.
func (t *RuleTable) Assess(_ context.Context, toolName string, _ map[string]any) (Assessment, error) {
	name := strings.ToLower(toolName)
	for _, p := range t.Allow {
		if matchTool(p, name) {
			return Assessment{}, nil
		}
	}
	for _, r := range t.HighRisk {
		if matchTool(r.Match, name) {
			rule := r.ID
			if rule == "" {
				rule = r.Match
			}
			return Assessment{HighRisk: true, Rule: rule, Reason: r.Reason}, nil
		}
	}
	return Assessment{}, nil
}

func matchTool(pattern, name string) bool {
	ok, err := path.Match(strings.ToLower(pattern), name)
	return err == nil && ok
}
