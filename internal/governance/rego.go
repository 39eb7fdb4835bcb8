package governance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
)

// RegoQuery is the document a RegoPolicy evaluates. Modules declare
// `package governance` and define `high_risk`, and optionally `rule` and `reason`.
const RegoQuery = "data.governance"

// RegoPolicy classifies tool calls with an OPA policy.
// The input document is {"tool": <name>, "params": <params>}.
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

// NewRegoPolicy compiles the given modules, keyed by file name.
func NewRegoPolicy(ctx context.Context, modules map[string]string) (*RegoPolicy, error) {
	if len(modules) == 0 {
		return nil, errors.New("no rego modules supplied")
	}
	opts := []func(*rego.Rego){rego.Query(RegoQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing OPA query: %w", err)
	}
	return &RegoPolicy{query: pq}, nil
}

// LoadRegoPolicy compiles every .rego file below dir.
func LoadRegoPolicy(ctx context.Context, dir string) (*RegoPolicy, error) {
	modules := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".rego") {
			return nil
		}
		src, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		rel, _ := filepath.Rel(dir, p)
		modules[rel] = string(src)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finding rego files in %s: %w", dir, err)
	}
	return NewRegoPolicy(ctx, modules)
}

// Assess implements Policy. An undefined or malformed result is an error,
// which the Recorder treats as a block.
func (p *RegoPolicy) Assess(ctx context.Context, toolName string, params map[string]any) (Assessment, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(map[string]any{
		"tool":   toolName,
		"params": params,
	}))
	if err != nil {
		return Assessment{}, fmt.Errorf("evaluating OPA query: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Assessment{}, errors.New("OPA returned no result")
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Assessment{}, fmt.Errorf("unexpected OPA result type %T", rs[0].Expressions[0].Value)
	}
	highRisk, ok := doc["high_risk"].(bool)
	if !ok {
		return Assessment{}, errors.New("OPA result has no boolean high_risk")
	}

	a := Assessment{HighRisk: highRisk}
	if !highRisk {
		return a, nil
	}
	a.Rule, _ = doc["rule"].(string)
	if a.Rule == "" {
		a.Rule = "rego"
	}
	a.Reason, _ = doc["reason"].(string)
	return a, nil
}
