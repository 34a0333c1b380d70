// Package policy decides access questions that are not pure authentication:
// admin-role checks and subscription entitlement. Decisions are expressed as
// OPA Rego so operators can override the defaults without a deploy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultPolicyPackage = "copyforge.access"

// Default Rego policy. Admin access requires an explicit role grant;
// generation requires a live subscription with quota remaining.
const defaultRegoPolicy = `package copyforge.access

default allow_admin = false
default allow_generate = false

allow_admin if {
	some role in input.principal.roles
	role in {"admin", "security"}
}

allow_generate if {
	input.subscription.status in {"active", "trialing"}
	input.subscription.remaining_quota > 0
}
`

// AccessInput is the evaluation input. Callers load the documents; the
// evaluator never touches the store.
type AccessInput struct {
	PrincipalID    string
	Roles          []string
	Plan           string
	Status         string
	RemainingQuota int
}

// AccessResult holds the policy verdicts for one principal.
type AccessResult struct {
	AllowAdmin    bool
	AllowGenerate bool
}

// Evaluator evaluates access policies with the in-process OPA Rego engine.
// Extra modules (operator overrides) are compiled together with the default.
type Evaluator struct {
	compiler *ast.Compiler
}

// NewEvaluator compiles the default policy plus any override modules.
func NewEvaluator(overrides ...string) (*Evaluator, error) {
	modules := map[string]string{"policy_0.rego": defaultRegoPolicy}
	for i, m := range overrides {
		modules[fmt.Sprintf("policy_%d.rego", i+1)] = m
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}
	return &Evaluator{compiler: compiler}, nil
}

// HealthCheck verifies the engine can evaluate the compiled policy set.
// Returns nil on success.
func (e *Evaluator) HealthCheck(ctx context.Context) error {
	_, err := e.Evaluate(ctx, AccessInput{PrincipalID: "healthcheck"})
	return err
}

// Evaluate runs the admin and generation queries over the given input.
func (e *Evaluator) Evaluate(ctx context.Context, in AccessInput) (AccessResult, error) {
	input := map[string]interface{}{
		"principal": map[string]interface{}{
			"id":    in.PrincipalID,
			"roles": rolesValue(in.Roles),
		},
		"subscription": map[string]interface{}{
			"plan":            in.Plan,
			"status":          in.Status,
			"remaining_quota": in.RemainingQuota,
		},
	}

	out := AccessResult{}

	adminRS, err := rego.New(
		rego.Query("data."+defaultPolicyPackage+".allow_admin"),
		rego.Compiler(e.compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return out, fmt.Errorf("eval allow_admin: %w", err)
	}
	if len(adminRS) > 0 && len(adminRS[0].Expressions) > 0 {
		if v, ok := adminRS[0].Expressions[0].Value.(bool); ok {
			out.AllowAdmin = v
		}
	}

	genRS, err := rego.New(
		rego.Query("data."+defaultPolicyPackage+".allow_generate"),
		rego.Compiler(e.compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return out, fmt.Errorf("eval allow_generate: %w", err)
	}
	if len(genRS) > 0 && len(genRS[0].Expressions) > 0 {
		if v, ok := genRS[0].Expressions[0].Value.(bool); ok {
			out.AllowGenerate = v
		}
	}

	return out, nil
}

// rolesValue keeps the OPA input well-typed when no roles were granted.
func rolesValue(roles []string) []interface{} {
	out := make([]interface{}, len(roles))
	for i, r := range roles {
		out[i] = r
	}
	return out
}
