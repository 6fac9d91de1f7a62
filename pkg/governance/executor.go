package governance

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/swarm/core/pkg/policy"
	"github.com/Mindburn-Labs/swarm/core/pkg/state"
)

// StateAdvancer applies approved actions to the state machine. The policy
// gate runs again inside the advance transaction so a drift change between
// approval and execution still blocks.
type StateAdvancer struct {
	machine *state.Machine
	drift   DriftSource
	policy  *policy.Config
	logger  *slog.Logger
}

func NewStateAdvancer(machine *state.Machine, drift DriftSource, cfg *policy.Config, logger *slog.Logger) *StateAdvancer {
	if cfg == nil {
		cfg = policy.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateAdvancer{machine: machine, drift: drift, policy: cfg, logger: logger}
}

func (a *StateAdvancer) AdvanceFromAction(ctx context.Context, action ActionEnvelope) error {
	drift, err := a.drift.Latest(ctx, action.ScopeID)
	if err != nil {
		return err
	}
	scoped := policy.ForScope(action.ScopeID, a.policy)
	st, err := a.machine.Advance(ctx, action.ExpectedEpoch, state.AdvanceRequest{
		Scope:  action.ScopeID,
		Drift:  &drift,
		Policy: scoped,
	})
	if err != nil {
		return err
	}
	if st == nil {
		// CAS lost or blocked: the action is stale, drop it.
		a.logger.Info("stale advance action dropped",
			"scope", action.ScopeID, "expected_epoch", action.ExpectedEpoch)
		return nil
	}
	a.logger.Info("state advanced",
		"scope", st.ScopeID, "node", st.LastNode, "epoch", st.Epoch)
	return nil
}

var _ Advancer = (*StateAdvancer)(nil)
