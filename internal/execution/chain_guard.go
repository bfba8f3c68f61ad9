package execution

import (
	"context"
	"fmt"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/route"
)

// EnsureChain returns a client bound to the step's source chain. A nil client
// with a nil error means the switch needs user interaction that is currently
// not allowed; the caller must halt without failing.
func EnsureChain(ctx context.Context, client Client, sm *StatusManager, step *route.Step, switcher ChainSwitcher, allowInteraction bool) (Client, error) {
	required := step.Action.FromChainID
	current, err := client.ChainID(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeServer, "read client chain id", err)
	}
	if current == required {
		return client, nil
	}

	sm.InitExecution(step)
	if err := sm.UpdateExecution(step, route.StatusActionRequired, nil); err != nil {
		return nil, err
	}
	if p := step.Execution.ProcessOf(route.ProcessSwitchChain); p != nil && route.IsClosed(p.Status) {
		if err := sm.RemoveProcess(step, route.ProcessSwitchChain); err != nil {
			return nil, err
		}
	}
	sm.FindOrCreateProcess(step, route.ProcessSwitchChain, route.StatusPending)
	if !allowInteraction {
		return nil, nil
	}

	switched, err := switchChain(ctx, switcher, required)
	if err != nil {
		perr := parseStepError(err)
		_, _ = sm.UpdateProcess(step, route.ProcessSwitchChain, route.StatusFailed, route.FailureParams{Error: toProcessError(perr)})
		_ = sm.UpdateExecution(step, route.StatusFailed, nil)
		return nil, perr
	}

	if _, err := sm.UpdateProcess(step, route.ProcessSwitchChain, route.StatusDone); err != nil {
		return nil, err
	}
	if err := sm.UpdateExecution(step, route.StatusPending, nil); err != nil {
		return nil, err
	}
	return switched, nil
}

func switchChain(ctx context.Context, switcher ChainSwitcher, required int64) (Client, error) {
	if switcher == nil {
		return nil, clierr.New(clierr.CodeChainSwitch, fmt.Sprintf("no chain switch handler for chain %d", required))
	}
	switched, err := switcher.SwitchChain(ctx, required)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeChainSwitch, fmt.Sprintf("switch to chain %d", required), err)
	}
	if switched == nil {
		return nil, clierr.New(clierr.CodeChainSwitch, fmt.Sprintf("chain switch to %d was not completed", required))
	}
	got, err := switched.ChainID(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeChainSwitch, "read switched chain id", err)
	}
	if got != required {
		return nil, clierr.New(clierr.CodeChainSwitch, fmt.Sprintf("client is on chain %d after switching to %d", got, required))
	}
	return switched, nil
}
