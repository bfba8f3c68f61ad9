package execution

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/route"
	"github.com/ggonzalez94/routex/internal/units"
)

var erc20ABI = mustABI(registry.ERC20MinimalABI)

type AllowanceRequest struct {
	Client           Client
	StatusManager    *StatusManager
	Step             *route.Step
	Chain            Chain
	InfiniteApproval bool
	AllowInteraction bool
	// Multisig, when set, resolves the ids returned by Client.SendTransaction
	// into on-chain hashes.
	Multisig MultisigTracker
	// Batch returns the approval as a call instead of submitting it.
	Batch bool
}

// EnsureAllowance makes sure the step's approval spender may move the step's
// amount. It returns the approval call in batch mode, and proceed=false when
// an approval is needed but interaction is not allowed.
func EnsureAllowance(ctx context.Context, req AllowanceRequest) (call *Call, proceed bool, err error) {
	sm, step := req.StatusManager, req.Step
	proc := sm.FindOrCreateProcess(step, route.ProcessTokenAllowance, route.StatusStarted)
	if proc.Status == route.StatusDone {
		return nil, true, nil
	}
	defer func() {
		if err != nil {
			err = failProcess(sm, step, route.ProcessTokenAllowance, err)
		}
	}()

	if proc.TxHash != "" || proc.MultisigTxHash != "" {
		if proc.Status != route.StatusPending {
			if _, err := sm.UpdateProcess(step, route.ProcessTokenAllowance, route.StatusPending); err != nil {
				return nil, false, err
			}
		}
		if err := confirmApproval(ctx, req, proc.TxHash, proc.MultisigTxHash); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	spender := strings.TrimSpace(step.Estimate.ApprovalAddress)
	required, err := units.ParseBaseUnits(step.Action.FromAmount)
	if err != nil {
		return nil, false, err
	}
	allowance, err := req.Client.Allowance(ctx, step.Action.FromToken, spender)
	if err != nil {
		return nil, false, clierr.Wrap(clierr.CodeServer, "read token allowance", err)
	}
	if allowance.Cmp(required) >= 0 {
		if err := completeProcess(sm, step, route.ProcessTokenAllowance); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	if !req.AllowInteraction {
		return nil, false, nil
	}

	amount := required
	if req.InfiniteApproval {
		amount = math.MaxBig256
	}
	data, err := approveCalldata(spender, amount)
	if err != nil {
		return nil, false, err
	}
	if proc.Status == route.StatusFailed {
		if _, err := sm.UpdateProcess(step, route.ProcessTokenAllowance, route.StatusPending); err != nil {
			return nil, false, err
		}
	}
	if _, err := sm.UpdateProcess(step, route.ProcessTokenAllowance, route.StatusActionRequired); err != nil {
		return nil, false, err
	}
	if req.Batch {
		return &Call{To: step.Action.FromToken.Address, Data: data, Value: big.NewInt(0)}, true, nil
	}

	hash, err := req.Client.SendTransaction(ctx, TxRequest{
		ChainID: step.Action.FromChainID,
		To:      step.Action.FromToken.Address,
		Data:    data,
		Value:   big.NewInt(0),
	})
	if err != nil {
		return nil, false, err
	}
	if req.Multisig != nil {
		if _, err := sm.UpdateProcess(step, route.ProcessTokenAllowance, route.StatusPending, route.MultisigParams{MultisigTxHash: hash}); err != nil {
			return nil, false, err
		}
		err = confirmApproval(ctx, req, "", hash)
	} else {
		if _, err := sm.UpdateProcess(step, route.ProcessTokenAllowance, route.StatusPending, route.TxParams{TxHash: hash, TxLink: req.Chain.TxLink(hash)}); err != nil {
			return nil, false, err
		}
		err = confirmApproval(ctx, req, hash, "")
	}
	if err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// confirmApproval waits for a submitted approval and marks it done. An
// approval known only by its multisig id is resolved to its on-chain hash
// first.
func confirmApproval(ctx context.Context, req AllowanceRequest, txHash, multisigTxID string) error {
	sm, step := req.StatusManager, req.Step
	if txHash == "" {
		var err error
		txHash, err = followMultisig(ctx, req.Multisig, sm, step, route.ProcessTokenAllowance, multisigTxID, req.Chain, nil)
		if err != nil {
			return err
		}
	}
	if _, err := waitForTransaction(ctx, req.Client, sm, step, route.ProcessTokenAllowance, txHash, req.Chain); err != nil {
		return err
	}
	_, err := sm.UpdateProcess(step, route.ProcessTokenAllowance, route.StatusDone)
	return err
}

func approveCalldata(spender string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(spender) {
		return "", clierr.New(clierr.CodeTransactionUnprepared, "invalid approval address "+spender)
	}
	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeTransactionUnprepared, "pack approve calldata", err)
	}
	return hexutil.Encode(data), nil
}

// completeProcess moves process t to DONE, passing through PENDING when the
// current status cannot reach DONE directly.
func completeProcess(sm *StatusManager, step *route.Step, t route.ProcessType, params ...route.ProcessParams) error {
	if p := step.Execution.ProcessOf(t); p != nil && !route.CanTransition(p.Status, route.StatusDone) {
		if _, err := sm.UpdateProcess(step, t, route.StatusPending); err != nil {
			return err
		}
	}
	_, err := sm.UpdateProcess(step, t, route.StatusDone, params...)
	return err
}

// failProcess records err on process t and on the step's execution, and
// returns the parsed error.
func failProcess(sm *StatusManager, step *route.Step, t route.ProcessType, err error) error {
	perr := parseStepError(err)
	if step.Execution != nil {
		if p := step.Execution.ProcessOf(t); p != nil && route.CanTransition(p.Status, route.StatusFailed) {
			_, _ = sm.UpdateProcess(step, t, route.StatusFailed, route.FailureParams{Error: toProcessError(perr)})
		}
		_ = sm.UpdateExecution(step, route.StatusFailed, nil)
	}
	return perr
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
