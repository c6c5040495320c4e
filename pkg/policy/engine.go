package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine compiles Rego rules and evaluates the deny set of a package against an input.
// It is safe for concurrent use; rules can be replaced while evaluations run.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]*compiledRule
	logger zerolog.Logger
}

// compiledRule is a rule with its prepared deny query.
type compiledRule struct {
	rule     *Rule
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine loaded with the builtin rules.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		rules:  make(map[string]*compiledRule),
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}

	builtin := BuiltinRules()
	for i := range builtin {
		if err := e.compileAndStore(context.Background(), &builtin[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in rule %s: %w", builtin[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtin)).Msg("Built-in rules loaded")
	return e, nil
}

// Evaluate evaluates every enabled rule declaring pkg against input.
// A violation of an error-severity rule makes the result not allowed.
func (e *Engine) Evaluate(ctx context.Context, pkg string, input interface{}) (*Result, error) {
	start := time.Now()

	e.mu.RLock()
	rules := make([]compiledRule, 0, len(e.rules))
	for _, cr := range e.rules {
		if cr.rule.Enabled && cr.pkg == pkg {
			rules = append(rules, *cr)
		}
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].rule.Name < rules[j].rule.Name })

	result := &Result{Allowed: true, EvaluatedAt: start}
	for i := range rules {
		cr := &rules[i]
		result.EvaluatedRules = append(result.EvaluatedRules, cr.rule.Name)

		violations, err := e.evaluateRule(ctx, cr, input)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate rule %s: %w", cr.rule.Name, err)
		}

		for _, v := range violations {
			if v.Severity == SeverityError {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	sort.SliceStable(result.Violations, func(i, j int) bool {
		return result.Violations[i].Message < result.Violations[j].Message
	})

	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("package", pkg).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// evaluateRule runs the prepared deny query of one rule.
func (e *Engine) evaluateRule(ctx context.Context, cr *compiledRule, input interface{}) ([]Violation, error) {
	results, err := cr.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cr.rule, d))
		}
	}
	return violations, nil
}

// newViolation converts one deny value into a Violation.
func newViolation(rule *Rule, value interface{}) Violation {
	v := Violation{Rule: rule.Name, Severity: rule.Severity}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if field, ok := d["field"].(string); ok {
			v.Field = field
		}
		if res, ok := d["resource"].(string); ok {
			v.Resource = res
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}

// extractPackageName returns the package declared by a Rego module.
func extractPackageName(module *ast.Module) string {
	return strings.TrimPrefix(module.Package.Path.String(), "data.")
}

// compileAndStore parses rule, prepares its deny query and stores it under its name.
func (e *Engine) compileAndStore(ctx context.Context, rule *Rule) error {
	module, err := ast.ParseModule(rule.Name, rule.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse rule: %w", err)
	}
	pkg := extractPackageName(module)

	query, err := rego.New(
		rego.Module(rule.Name+".rego", rule.Rego),
		rego.Query("data."+pkg+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.mu.Lock()
	e.rules[rule.Name] = &compiledRule{
		rule:     rule,
		pkg:      pkg,
		query:    query,
		compiled: time.Now(),
	}
	e.mu.Unlock()

	e.logger.Debug().Str("rule", rule.Name).Str("package", pkg).Msg("Rule compiled")
	return nil
}

// LoadRules compiles and adds rules, replacing rules with the same name.
// Nothing is stored when any rule fails to compile.
func (e *Engine) LoadRules(ctx context.Context, rules []Rule) error {
	if err := Check(ctx, rules); err != nil {
		return err
	}
	for i := range rules {
		if err := e.compileAndStore(ctx, &rules[i]); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rules[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(rules)).Msg("Rules loaded")
	return nil
}

// ReplaceRules drops every non-builtin rule and loads rules in their place.
func (e *Engine) ReplaceRules(ctx context.Context, rules []Rule) error {
	if err := Check(ctx, rules); err != nil {
		return err
	}

	e.mu.Lock()
	for name, cr := range e.rules {
		if !cr.rule.Builtin {
			delete(e.rules, name)
		}
	}
	e.mu.Unlock()

	return e.LoadRules(ctx, rules)
}

// Check compiles rules without storing them.
func Check(ctx context.Context, rules []Rule) error {
	for i := range rules {
		module, err := ast.ParseModule(rules[i].Name, rules[i].Rego)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rules[i].Name, err)
		}
		if _, err := rego.New(
			rego.Module(rules[i].Name+".rego", rules[i].Rego),
			rego.Query("data."+extractPackageName(module)+".deny"),
		).PrepareForEval(ctx); err != nil {
			return fmt.Errorf("rule %s: %w", rules[i].Name, err)
		}
	}
	return nil
}

// GetRule returns a rule by name.
func (e *Engine) GetRule(name string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cr, exists := e.rules[name]
	if !exists {
		return nil, fmt.Errorf("rule not found: %s", name)
	}
	return cr.rule, nil
}

// ListRules returns all loaded rules sorted by name.
func (e *Engine) ListRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		rules = append(rules, *cr.rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// EnableRule enables a rule by name.
func (e *Engine) EnableRule(name string) error {
	return e.setEnabled(name, true)
}

// DisableRule disables a rule by name.
func (e *Engine) DisableRule(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cr, exists := e.rules[name]
	if !exists {
		return fmt.Errorf("rule not found: %s", name)
	}
	rule := *cr.rule
	rule.Enabled = enabled
	cr.rule = &rule

	e.logger.Info().Str("rule", name).Bool("enabled", enabled).Msg("Rule toggled")
	return nil
}
