package settlement

import (
	"fmt"
	"math/big"
)

// Phase labels used in receipts and telemetry.
const (
	PhasePre  = "pre"
	PhaseMain = "main"
	PhasePost = "post"
)

// runPlan executes the three interaction phases in order under one shared,
// depleting native-value budget initialized from the intent's declared call
// value. The runner knows nothing about what the calls do; it enforces the
// budget and, when the policy restricts targets, the allowlist.
func (e *Engine) runPlan(intent *OrderIntent, plan *ExecutionPlan) ([]InteractionReceipt, *big.Int, error) {
	budget := cloneBig(intent.CallValue)
	spent := big.NewInt(0)
	policy := e.currentPolicy()
	receipts := make([]InteractionReceipt, 0, plan.Size())

	phases := []struct {
		name string
		list []Interaction
	}{
		{PhasePre, plan.Pre},
		{PhaseMain, plan.Main},
		{PhasePost, plan.Post},
	}
	for _, phase := range phases {
		for i, interaction := range phase.list {
			if interaction.Target == (zeroAddress) {
				return nil, nil, fmt.Errorf("%w: zero target in %s[%d]", ErrInvalidInteractionTarget, phase.name, i)
			}
			if !policy.TargetAllowed(interaction.Target) {
				return nil, nil, fmt.Errorf("%w: %s not allowlisted", ErrInvalidInteractionTarget, interaction.Target.Hex())
			}
			value := cloneBig(interaction.Value)
			if value.Cmp(budget) > 0 {
				return nil, nil, fmt.Errorf("%w: %s[%d] requests %s, %s remaining", ErrInsufficientCallValue, phase.name, i, value, budget)
			}
			if _, err := e.caller.Call(e.address, interaction.Target, value, interaction.CallData); err != nil {
				return nil, nil, &InteractionError{Phase: phase.name, Index: i, Target: interaction.Target, Err: err}
			}
			budget.Sub(budget, value)
			spent.Add(spent, value)
			receipts = append(receipts, InteractionReceipt{
				Phase:  phase.name,
				Index:  i,
				Target: interaction.Target,
				Value:  value,
			})
		}
	}
	return receipts, spent, nil
}
