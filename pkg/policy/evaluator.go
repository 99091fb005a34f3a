// Package policy evaluates issuance requests against a principal's active
// authority policy. Evaluation is a pure function of the policy and the
// requested mandate fields; checks run in a fixed order and the first
// failure produces a stable, enumerable denial reason.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// Request carries the requested mandate fields under evaluation.
type Request struct {
	IssuerID        string
	SubjectID       string
	ResourceScope   []string
	ActionScope     []string
	ValiditySeconds int64
	HasParent       bool
	DelegationDepth int
	Context         map[string]any
}

// Result is a permit or a denial with its reason.
type Result struct {
	Permit bool
	Reason contracts.DenialReason
}

func permit() Result {
	return Result{Permit: true}
}

func deny(reason contracts.DenialReason) Result {
	return Result{Reason: reason}
}

// Evaluator runs policy checks. Condition expressions are evaluated with a
// bounded CEL program so a hostile policy cannot stall issuance.
type Evaluator struct {
	conditionCostLimit uint64
}

const defaultConditionCostLimit = 100000

func NewEvaluator() *Evaluator {
	return &Evaluator{conditionCostLimit: defaultConditionCostLimit}
}

// Evaluate checks, in order: policy active, validity ceiling, resource
// containment, action membership, delegation constraints, then the
// optional condition expression. Condition failures are fail-closed.
func (e *Evaluator) Evaluate(pol *contracts.AuthorityPolicy, req Request) Result {
	if pol == nil || !pol.Active {
		return deny(contracts.DenyPolicyInactive)
	}
	if req.ValiditySeconds <= 0 || req.ValiditySeconds > pol.MaxValiditySeconds {
		return deny(contracts.DenyValidityExceeded)
	}
	if !CoveredAll(pol.AllowedResources, req.ResourceScope) {
		return deny(contracts.DenyResourceNotAllowed)
	}
	if !ContainsAll(pol.AllowedActions, req.ActionScope) {
		return deny(contracts.DenyActionNotAllowed)
	}
	if req.HasParent {
		if !pol.AllowDelegation {
			return deny(contracts.DenyDelegationNotAllowed)
		}
		if req.DelegationDepth > pol.MaxDelegationDepth {
			return deny(contracts.DenyDelegationDepthExceeded)
		}
	}
	if pol.Condition != "" {
		ok, err := e.evalCondition(pol.Condition, req)
		if err != nil || !ok {
			return deny(contracts.DenyConditionNotMet)
		}
	}
	return permit()
}

// evalCondition compiles and runs a policy condition with a cost limit.
// Any compile or runtime error reads as false.
func (e *Evaluator) evalCondition(expr string, req Request) (bool, error) {
	env, err := cel.NewEnv(
		cel.StdLib(),
		cel.Variable("issuer_id", cel.StringType),
		cel.Variable("subject_id", cel.StringType),
		cel.Variable("resources", cel.ListType(cel.StringType)),
		cel.Variable("actions", cel.ListType(cel.StringType)),
		cel.Variable("validity_seconds", cel.IntType),
		cel.Variable("delegation_depth", cel.IntType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues.Err() != nil {
		return false, fmt.Errorf("condition compile failed: %w", issues.Err())
	}

	prog, err := env.Program(ast,
		cel.CostLimit(e.conditionCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create CEL program: %w", err)
	}

	input := map[string]any{
		"issuer_id":        req.IssuerID,
		"subject_id":       req.SubjectID,
		"resources":        req.ResourceScope,
		"actions":          req.ActionScope,
		"validity_seconds": req.ValiditySeconds,
		"delegation_depth": req.DelegationDepth,
		"context":          req.Context,
	}
	if input["context"] == nil {
		input["context"] = map[string]any{}
	}

	val, _, err := prog.Eval(input)
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}
	result, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to bool")
	}
	return result, nil
}
