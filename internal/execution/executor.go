package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/logging"
	"github.com/ggonzalez94/routex/internal/route"
)

var errStopped = errors.New("execution stopped")

// InteractionSettings gate what a StepExecutor may do without the user.
type InteractionSettings struct {
	AllowInteraction bool
	AllowUpdates     bool
	StopExecution    bool
}

// stepEnv holds the collaborators shared by every executor of an engine.
type stepEnv struct {
	quotes            QuoteService
	chains            ChainService
	multisig          MultisigTracker
	switcher          ChainSwitcher
	acceptor          ExchangeRateAcceptor
	txUpdater         TransactionRequestUpdater
	settlement        *settlementWaiter
	logger            *slog.Logger
	balanceRetryDelay time.Duration
}

// StepExecutor drives one step through chain check, allowance, balance,
// submission, confirmation and settlement.
type StepExecutor struct {
	env      *stepEnv
	sm       *StatusManager
	settings ExecutionSettings

	mu          sync.Mutex
	interaction InteractionSettings
	stop        chan struct{}
	stopOnce    sync.Once
	client      Client
}

func newStepExecutor(env *stepEnv, sm *StatusManager, settings ExecutionSettings) *StepExecutor {
	return &StepExecutor{
		env:      env,
		sm:       sm,
		settings: settings,
		interaction: InteractionSettings{
			AllowInteraction: !settings.ExecuteInBackground,
			AllowUpdates:     true,
		},
		stop: make(chan struct{}),
	}
}

func (e *StepExecutor) SetInteraction(s InteractionSettings) {
	e.mu.Lock()
	e.interaction = s
	e.mu.Unlock()
	e.sm.SetShouldUpdate(s.AllowUpdates)
	if s.StopExecution {
		e.stopOnce.Do(func() { close(e.stop) })
	}
}

func (e *StepExecutor) allowInteraction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interaction.AllowInteraction && !e.interaction.StopExecution
}

func (e *StepExecutor) stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interaction.StopExecution
}

// Client returns the client the last step ran with, which differs from the
// one passed in after a chain switch.
func (e *StepExecutor) Client() Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// ExecuteStep runs step to completion or to the first checkpoint it may not
// pass. A returned step whose execution is not DONE was deferred. Failures
// are recorded on the step before they are returned.
func (e *StepExecutor) ExecuteStep(ctx context.Context, client Client, step *route.Step) (*route.Step, error) {
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	log := e.env.logger.With(logging.StepID(step.ID), logging.ChainID(step.Action.FromChainID))

	active, err := e.executeStep(ctx, client, step)
	if errors.Is(err, errStopped) {
		log.Info("step stopped")
		return step, nil
	}
	if err != nil {
		perr := e.recordFailure(step, active, err)
		log.Warn("step failed", logging.ProcessType(string(active)), logging.Error(perr))
		return step, perr
	}
	if step.Execution != nil {
		log.Debug("step returned", logging.Status(string(step.Execution.Status)))
	}
	return step, nil
}

// executeStep returns the process type that was active when it stopped.
func (e *StepExecutor) executeStep(ctx context.Context, client Client, step *route.Step) (route.ProcessType, error) {
	sm := e.sm
	primary := step.PrimaryProcessType()
	sm.InitExecution(step)
	if s := step.Execution.Status; s != route.StatusStarted && s != route.StatusPending {
		if err := sm.UpdateExecution(step, route.StatusPending, nil); err != nil {
			return primary, err
		}
	}

	existing := step.Execution.ProcessOf(primary)
	primaryDone := existing != nil && existing.Status == route.StatusDone
	hasHash := existing != nil && (existing.TxHash != "" || existing.MultisigTxHash != "")

	// Cross-chain steps with a confirmed source transaction only wait on
	// the destination chain.
	if primaryDone && step.IsCrossChain() {
		return route.ProcessReceivingChain, e.waitForSettlement(ctx, step, existing.TxHash)
	}

	current, err := EnsureChain(ctx, client, sm, step, e.env.switcher, e.allowInteraction())
	if err != nil {
		return route.ProcessSwitchChain, err
	}
	if current == nil {
		return route.ProcessSwitchChain, nil
	}
	client = current
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	chain := e.chain(ctx, step.Action.FromChainID)
	batch := e.batchSender(client, chain)

	var approval *Call
	if !hasHash && !primaryDone && needsAllowance(step) {
		call, proceed, err := EnsureAllowance(ctx, AllowanceRequest{
			Client:           client,
			StatusManager:    sm,
			Step:             step,
			Chain:            chain,
			InfiniteApproval: e.settings.InfiniteApproval,
			AllowInteraction: e.allowInteraction(),
			Batch:            batch != nil,
			Multisig:         e.env.multisig,
		})
		if err != nil {
			return route.ProcessTokenAllowance, err
		}
		if !proceed {
			return route.ProcessTokenAllowance, e.park(step)
		}
		approval = call
	}

	proc := sm.FindOrCreateProcess(step, primary, route.StatusStarted)
	if proc.Status == route.StatusDone {
		return primary, e.finalize(ctx, step, proc.TxHash)
	}

	if proc.TxHash == "" && proc.MultisigTxHash == "" {
		if e.stopped() {
			return primary, errStopped
		}
		if err := EnsureBalance(ctx, client, sm, step, e.env.balanceRetryDelay); err != nil {
			return primary, err
		}
		if step.TransactionRequest == nil {
			proceed, err := e.refreshTransaction(ctx, step)
			if err != nil {
				return primary, err
			}
			if !proceed {
				return primary, e.park(step)
			}
		}
		if proc.Status == route.StatusFailed {
			if _, err := sm.UpdateProcess(step, primary, route.StatusPending); err != nil {
				return primary, err
			}
		}
		if _, err := sm.UpdateProcess(step, primary, route.StatusActionRequired); err != nil {
			return primary, err
		}
		if e.stopped() {
			return primary, errStopped
		}
		if !e.allowInteraction() {
			return primary, e.park(step)
		}
		if err := e.submit(ctx, client, batch, approval, step, chain); err != nil {
			return primary, err
		}
	} else if proc.Status != route.StatusPending {
		if _, err := sm.UpdateProcess(step, primary, route.StatusPending); err != nil {
			return primary, err
		}
	}

	proc = *step.Execution.ProcessOf(primary)
	if proc.TxHash == "" {
		if err := e.awaitMultisig(ctx, step, primary, proc.MultisigTxHash, chain); err != nil {
			return primary, err
		}
		proc = *step.Execution.ProcessOf(primary)
	}

	if _, err := waitForTransaction(ctx, client, sm, step, primary, proc.TxHash, chain); err != nil {
		return primary, err
	}
	if approval != nil {
		if _, err := sm.UpdateProcess(step, route.ProcessTokenAllowance, route.StatusDone); err != nil {
			return primary, err
		}
	}
	// Pick up the hash of a replacement transaction.
	proc = *step.Execution.ProcessOf(primary)
	if step.IsCrossChain() {
		if _, err := sm.UpdateProcess(step, primary, route.StatusDone); err != nil {
			return primary, err
		}
		return route.ProcessReceivingChain, e.waitForSettlement(ctx, step, proc.TxHash)
	}
	return primary, e.finalize(ctx, step, proc.TxHash)
}

// refreshTransaction fetches a transaction for the step and reconciles the
// refreshed estimate with the original quote.
func (e *StepExecutor) refreshTransaction(ctx context.Context, step *route.Step) (bool, error) {
	if e.env.quotes == nil {
		return false, clierr.New(clierr.CodeTransactionUnprepared, "no quote service configured")
	}
	refreshed, err := e.env.quotes.GetStepTransaction(ctx, *step)
	if err != nil {
		return false, err
	}
	proceed, err := checkExchangeRate(ctx, e.env.acceptor, *step, refreshed, e.allowInteraction())
	if err != nil || !proceed {
		return false, err
	}
	step.Estimate = refreshed.Estimate
	if refreshed.Tool != "" {
		step.Tool = refreshed.Tool
	}
	if refreshed.TransactionRequest == nil {
		return false, clierr.New(clierr.CodeTransactionUnprepared, "quote service returned no transaction request")
	}
	tx := *refreshed.TransactionRequest
	step.TransactionRequest = &tx
	e.sm.UpdateStep(step)
	return true, nil
}

func (e *StepExecutor) submit(ctx context.Context, client Client, batch BatchSender, approval *Call, step *route.Step, chain Chain) error {
	primary := step.PrimaryProcessType()
	req, err := buildTxRequest(step)
	if err != nil {
		return err
	}
	if e.env.txUpdater != nil {
		if req, err = e.env.txUpdater.UpdateTransactionRequest(ctx, req); err != nil {
			return err
		}
	}

	var hash string
	if batch != nil && approval != nil {
		hash, err = batch.SendBatch(ctx, req.ChainID, []Call{*approval, {To: req.To, Data: req.Data, Value: req.Value}})
		if err == nil {
			_, err = e.sm.UpdateProcess(step, route.ProcessTokenAllowance, route.StatusPending)
		}
	} else {
		hash, err = client.SendTransaction(ctx, req)
	}
	if err != nil {
		return err
	}

	params := route.ProcessParams(route.TxParams{TxHash: hash, TxLink: chain.TxLink(hash)})
	if e.env.multisig != nil {
		params = route.MultisigParams{MultisigTxHash: hash}
	}
	_, err = e.sm.UpdateProcess(step, primary, route.StatusPending, params)
	return err
}

// awaitMultisig waits for the multisig signers and records the on-chain hash.
func (e *StepExecutor) awaitMultisig(ctx context.Context, step *route.Step, t route.ProcessType, multisigTxID string, chain Chain) error {
	_, err := followMultisig(ctx, e.env.multisig, e.sm, step, t, multisigTxID, chain, func(d MultisigDetails) {
		e.env.logger.Debug("multisig update", logging.StepID(step.ID), logging.Status(string(d.Status)))
	})
	return err
}

// followMultisig waits until the signers execute or reject multisigTxID and
// records the executed transaction's hash on process t.
func followMultisig(ctx context.Context, tracker MultisigTracker, sm *StatusManager, step *route.Step, t route.ProcessType, multisigTxID string, chain Chain, onUpdate func(MultisigDetails)) (string, error) {
	if tracker == nil || multisigTxID == "" {
		return "", clierr.New(clierr.CodeTransactionUnprepared, "process has no transaction to follow")
	}
	if onUpdate == nil {
		onUpdate = func(MultisigDetails) {}
	}
	details, err := tracker.GetMultisigTransactionDetails(ctx, multisigTxID, step.Action.FromChainID, onUpdate)
	if err != nil {
		return "", err
	}
	switch details.Status {
	case route.StatusDone:
		if details.TxHash == "" {
			return "", clierr.New(clierr.CodeTransactionFailed, "multisig transaction executed without an on-chain hash")
		}
		if _, err := sm.UpdateProcess(step, t, route.StatusPending, route.TxParams{TxHash: details.TxHash, TxLink: chain.TxLink(details.TxHash)}); err != nil {
			return "", err
		}
		return details.TxHash, nil
	case route.StatusCancelled:
		return "", clierr.New(clierr.CodeTransactionCanceled, "multisig transaction was rejected").WithHuman("The multisig transaction was rejected by its signers.")
	default:
		return "", clierr.New(clierr.CodeTransactionFailed, "multisig transaction failed with status "+string(details.Status))
	}
}

// finalize settles a same-chain step: the status service reports the
// realized output of the confirmed swap.
func (e *StepExecutor) finalize(ctx context.Context, step *route.Step, txHash string) error {
	t := step.PrimaryProcessType()
	resp, err := e.env.settlement.Wait(ctx, e.statusRequest(step, txHash), e.stop, func(r StatusResponse) {
		e.onSettlementUpdate(step, t, r)
	})
	if err != nil {
		return err
	}
	if p := step.Execution.ProcessOf(t); p != nil && p.Status != route.StatusDone {
		if _, err := e.sm.UpdateProcess(step, t, route.StatusDone, settledParams(resp)...); err != nil {
			return err
		}
	}
	return e.sm.UpdateExecution(step, route.StatusDone, settledReceipt(step, resp))
}

// waitForSettlement waits for the destination chain of a bridge transfer.
func (e *StepExecutor) waitForSettlement(ctx context.Context, step *route.Step, txHash string) error {
	t := route.ProcessReceivingChain
	proc := e.sm.FindOrCreateProcess(step, t, route.StatusPending)
	if proc.Status == route.StatusDone {
		return e.sm.UpdateExecution(step, route.StatusDone, nil)
	}
	if proc.Status != route.StatusPending {
		if _, err := e.sm.UpdateProcess(step, t, route.StatusPending); err != nil {
			return err
		}
	}
	resp, err := e.env.settlement.Wait(ctx, e.statusRequest(step, txHash), e.stop, func(r StatusResponse) {
		e.onSettlementUpdate(step, t, r)
	})
	if err != nil {
		return err
	}
	if _, err := e.sm.UpdateProcess(step, t, route.StatusDone, settledParams(resp)...); err != nil {
		return err
	}
	return e.sm.UpdateExecution(step, route.StatusDone, settledReceipt(step, resp))
}

func (e *StepExecutor) onSettlementUpdate(step *route.Step, t route.ProcessType, r StatusResponse) {
	if r.Substatus == "" {
		return
	}
	msg := firstNonEmpty(r.SubstatusMessage, route.SubstatusMessage(r.Substatus))
	_, _ = e.sm.UpdateProcess(step, t, route.StatusPending, route.SubstatusParams{Substatus: r.Substatus, Message: msg})
}

func (e *StepExecutor) statusRequest(step *route.Step, txHash string) StatusRequest {
	return StatusRequest{
		Bridge:      firstNonEmpty(step.Tool, step.Estimate.Tool),
		FromChainID: step.Action.FromChainID,
		ToChainID:   step.Action.ToChainID,
		TxHash:      txHash,
	}
}

func settledParams(resp StatusResponse) []route.ProcessParams {
	params := []route.ProcessParams{route.SubstatusParams{
		Substatus: resp.Substatus,
		Message:   firstNonEmpty(resp.SubstatusMessage, route.SubstatusMessage(resp.Substatus)),
	}}
	if resp.Receiving != nil && resp.Receiving.TxHash != "" {
		params = append(params, route.TxParams{TxHash: resp.Receiving.TxHash, TxLink: resp.Receiving.TxLink})
	}
	return params
}

func settledReceipt(step *route.Step, resp StatusResponse) *Receipt {
	receipt := &Receipt{
		FromAmount: firstNonEmpty(resp.Sending.Amount, step.Action.FromAmount),
		ToAmount:   step.Estimate.ToAmount,
	}
	if resp.Receiving != nil {
		receipt.ToAmount = firstNonEmpty(resp.Receiving.Amount, receipt.ToAmount)
		receipt.ToToken = resp.Receiving.Token
	}
	if receipt.ToToken == nil {
		tok := step.Action.ToToken
		receipt.ToToken = &tok
	}
	return receipt
}

// park parks the step at an interaction checkpoint.
func (e *StepExecutor) park(step *route.Step) error {
	return e.sm.UpdateExecution(step, route.StatusActionRequired, nil)
}

// recordFailure attaches err to the active process and the execution.
func (e *StepExecutor) recordFailure(step *route.Step, active route.ProcessType, err error) error {
	if step.Execution == nil {
		return parseStepError(err)
	}
	if p := step.Execution.ProcessOf(active); p == nil || p.Status == route.StatusDone {
		active = lastOpenProcess(step.Execution)
	}
	if p := step.Execution.ProcessOf(active); p != nil && p.Status == route.StatusFailed && p.Error != nil && step.Execution.Status == route.StatusFailed {
		return parseStepError(err)
	}
	return failProcess(e.sm, step, active, err)
}

func lastOpenProcess(exec *route.Execution) route.ProcessType {
	for i := len(exec.Process) - 1; i >= 0; i-- {
		if !route.IsTerminal(exec.Process[i].Status) {
			return exec.Process[i].Type
		}
	}
	return ""
}

func (e *StepExecutor) chain(ctx context.Context, chainID int64) Chain {
	if e.env.chains == nil {
		return Chain{ID: chainID}
	}
	chain, err := e.env.chains.GetChainByID(ctx, chainID)
	if err != nil {
		e.env.logger.Debug("chain metadata unavailable", logging.ChainID(chainID), logging.Error(err))
		return Chain{ID: chainID}
	}
	return chain
}

// batchSender returns the client's batching capability when the wallet is
// a multisig and the chain has a multicall contract.
func (e *StepExecutor) batchSender(client Client, chain Chain) BatchSender {
	if e.env.multisig == nil || chain.MulticallAddress == "" {
		return nil
	}
	batch, ok := client.(BatchSender)
	if !ok {
		return nil
	}
	return batch
}

func needsAllowance(step *route.Step) bool {
	return step.Estimate.ApprovalAddress != "" && !route.IsNativeToken(step.Action.FromToken.Address)
}
