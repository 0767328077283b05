package rules

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

//go:embed definitions/*.yaml
var definitionFS embed.FS

// CELDefinition is one rule of a YAML rule file. Expression must evaluate
// to true for a conforming line; Expected and Declared are optional
// expressions whose values are reported on the finding.
type CELDefinition struct {
	ID         string                 `yaml:"id"`
	Version    string                 `yaml:"version"`
	Severity   string                 `yaml:"severity"`
	Categories []declaration.Category `yaml:"categories"`
	Requires   []string               `yaml:"requires"`
	Expression string                 `yaml:"expression"`
	Expected   string                 `yaml:"expected"`
	Declared   string                 `yaml:"declared"`
	Message    string                 `yaml:"message"`
}

type celFile struct {
	Rules []CELDefinition `yaml:"rules"`
}

// CELRule evaluates a compiled CEL definition.
type CELRule struct {
	base
	def      CELDefinition
	severity Severity
	assert   cel.Program
	expected cel.Program
	declared cel.Program
}

func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("line", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compile(env *cel.Env, id, expr string) (cel.Program, error) {
	if expr == "" {
		return nil, nil
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rules: compile %s: %w", id, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: program %s: %w", id, err)
	}
	return prg, nil
}

// NewCELRule compiles def.
func NewCELRule(env *cel.Env, def CELDefinition) (*CELRule, error) {
	if def.ID == "" || def.Expression == "" {
		return nil, fmt.Errorf("rules: CEL rule needs an id and an expression")
	}
	if def.Version == "" {
		def.Version = "1.0.0"
	}
	if def.Severity == "" {
		def.Severity = string(SeverityWarning)
	}
	sev, ok := ParseSeverity(def.Severity)
	if !ok {
		return nil, fmt.Errorf("rules: %s: unknown severity %q", def.ID, def.Severity)
	}
	v, err := semver.NewVersion(def.Version)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: invalid version %q: %w", def.ID, def.Version, err)
	}

	r := &CELRule{base: base{id: def.ID, version: v}, def: def, severity: sev}
	if r.assert, err = compile(env, def.ID, def.Expression); err != nil {
		return nil, err
	}
	if r.expected, err = compile(env, def.ID+".expected", def.Expected); err != nil {
		return nil, err
	}
	if r.declared, err = compile(env, def.ID+".declared", def.Declared); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadCELRules parses and compiles a YAML rule file.
func LoadCELRules(r io.Reader) ([]*CELRule, error) {
	var file celFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("rules: decode CEL rules: %w", err)
	}
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	out := make([]*CELRule, 0, len(file.Rules))
	for _, def := range file.Rules {
		rule, err := NewCELRule(env, def)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// EmbeddedCELRules loads every bundled rule file.
func EmbeddedCELRules() ([]*CELRule, error) {
	names, err := fs.Glob(definitionFS, "definitions/*.yaml")
	if err != nil {
		return nil, err
	}
	var out []*CELRule
	for _, name := range names {
		f, err := definitionFS.Open(name)
		if err != nil {
			return nil, err
		}
		rules, err := LoadCELRules(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, rules...)
	}
	return out, nil
}

func (r *CELRule) Requires(rec *declaration.Record) []string {
	if len(r.def.Requires) == 0 || !r.applies(rec) {
		return nil
	}
	return r.def.Requires
}

func (r *CELRule) applies(rec *declaration.Record) bool {
	return len(r.def.Categories) == 0 || hasCategory(rec, r.def.Categories...)
}

func (r *CELRule) Check(in Input) (*Finding, error) {
	if len(r.def.Categories) > 0 && !slices.Contains(r.def.Categories, in.Line.Category) {
		return nil, nil
	}

	vars, params, err := r.activation(in)
	if err != nil {
		return nil, err
	}
	out, _, err := r.assert.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	holds, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("result not bool")
	}
	if holds {
		return nil, nil
	}

	f := &Finding{Severity: r.severity, Message: r.message(vars, in)}
	for _, id := range r.def.Requires {
		f.Parameters = append(f.Parameters, params[id])
	}
	if f.Expected, err = evalString(r.expected, vars); err != nil {
		return nil, err
	}
	if f.Declared, err = evalString(r.declared, vars); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *CELRule) activation(in Input) (map[string]any, map[string]string, error) {
	gross, _ := in.Line.GrossAmount.Float64()
	baseAmount, _ := in.Line.BaseAmount.Float64()
	amount, _ := in.Line.DeclaredAmount.Float64()
	line := map[string]any{
		"category": string(in.Line.Category),
		"index":    int64(in.Index),
		"gross":    gross,
		"base":     baseAmount,
		"rate":     in.Line.DeclaredRate,
		"amount":   amount,
	}
	record := map[string]any{
		"subject": in.Record.SubjectID,
		"period":  in.Record.Period.String(),
	}
	if in.Record.Headcount != nil {
		record["headcount"] = int64(*in.Record.Headcount)
	}

	params := make(map[string]any, len(r.def.Requires))
	cited := make(map[string]string, len(r.def.Requires))
	for _, id := range r.def.Requires {
		p, err := in.Param(id)
		if err != nil {
			return nil, nil, err
		}
		params[id] = p.Value
		cited[id] = p.Ref()
	}
	return map[string]any{"line": line, "record": record, "params": params}, cited, nil
}

// message fills {name} placeholders from the line and parameter values.
func (r *CELRule) message(vars map[string]any, in Input) string {
	line := vars["line"].(map[string]any)
	pairs := []string{
		"{category}", string(in.Line.Category),
		"{gross}", formatAmount(in.Line.GrossAmount),
		"{base}", formatAmount(in.Line.BaseAmount),
		"{amount}", formatAmount(in.Line.DeclaredAmount),
		"{rate}", formatRate(line["rate"].(float64)),
	}
	for id, v := range vars["params"].(map[string]any) {
		pairs = append(pairs, "{"+id+"}", formatRate(v.(float64)))
	}
	return strings.NewReplacer(pairs...).Replace(r.def.Message)
}

func evalString(prg cel.Program, vars map[string]any) (string, error) {
	if prg == nil {
		return "", nil
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return "", fmt.Errorf("eval: %w", err)
	}
	switch v := out.Value().(type) {
	case float64:
		return formatRate(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}
