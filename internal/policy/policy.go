// Package policy gates which findings are worth synthesizing proofs
// for. The gate is a compiled rego query so operators can tune
// eligibility without rebuilding the agent.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/chainproof/chainproof/internal/analyzer"
)

const eligibilityQuery = "data.chainproof.eligibility.allow"

// DefaultPolicy admits findings severe enough to act on, or lower
// severity ones the analyzer is confident about.
const DefaultPolicy = `package chainproof.eligibility

import rego.v1

default allow := false

allow if {
	input.severity in {"critical", "high", "medium"}
}

allow if {
	input.confidence >= 0.5
}
`

// Gate evaluates the eligibility policy per finding.
type Gate struct {
	preparedQuery rego.PreparedEvalQuery
}

// NewDefaultGate compiles the built-in policy.
func NewDefaultGate() (*Gate, error) {
	return NewGate(map[string]string{"default.rego": DefaultPolicy})
}

// NewGateFromDir compiles every .rego file in dir.
func NewGateFromDir(policiesDir string) (*Gate, error) {
	policies, err := readPolicies(policiesDir)
	if err != nil {
		return nil, err
	}

	return NewGate(policies)
}

func NewGate(policies map[string]string) (*Gate, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("no policies provided")
	}

	compiler := ast.NewCompiler()
	modules := make(map[string]*ast.Module)

	for filename, content := range policies {
		module, err := ast.ParseModuleWithOpts(filename, content, ast.ParserOptions{
			RegoVersion: ast.RegoV1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", filename, err)
		}
		modules[filename] = module
	}

	compiler.Compile(modules)
	if compiler.Failed() {
		return nil, fmt.Errorf("policy compilation failed: %v", compiler.Errors)
	}

	r := rego.New(
		rego.Query(eligibilityQuery),
		rego.Compiler(compiler),
		rego.SetRegoVersion(ast.RegoV1),
	)

	preparedQuery, err := r.PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego query: %w", err)
	}

	zap.S().Named("policy").Infof("eligibility gate compiled from %d policy files", len(policies))
	return &Gate{preparedQuery: preparedQuery}, nil
}

// EligibleFindings returns the findings the policy admits, preserving
// their order.
func (g *Gate) EligibleFindings(ctx context.Context, findings []analyzer.Finding) ([]analyzer.Finding, error) {
	eligible := make([]analyzer.Finding, 0, len(findings))

	for _, f := range findings {
		ok, err := g.eligible(ctx, f)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, f)
		}
	}

	return eligible, nil
}

func (g *Gate) eligible(ctx context.Context, f analyzer.Finding) (bool, error) {
	input := map[string]any{
		"vulnerability_type": f.VulnerabilityType,
		"severity":           string(f.Severity),
		"confidence":         f.Confidence,
		"file_path":          f.FilePath,
	}

	resultSet, err := g.preparedQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(resultSet) == 0 || len(resultSet[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := resultSet[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from policy evaluation")
	}

	return allowed, nil
}

// readPolicies loads every .rego file in dir, skipping rego tests.
func readPolicies(policiesDir string) (map[string]string, error) {
	policies := make(map[string]string)

	entries, err := os.ReadDir(policiesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") ||
			strings.HasSuffix(entry.Name(), "_test.rego") {
			continue
		}

		path := filepath.Join(policiesDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
		}

		policies[entry.Name()] = string(content)
	}

	if len(policies) == 0 {
		return nil, fmt.Errorf("no .rego policy files found in directory: %s", policiesDir)
	}

	return policies, nil
}
