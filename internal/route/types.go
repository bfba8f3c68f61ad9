package route

import (
	"fmt"
	"math/big"
	"strings"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

type StepType string

const (
	StepTypeSwap     StepType = "swap"
	StepTypeCross    StepType = "cross"
	StepTypeLiFi     StepType = "lifi"
	StepTypeProtocol StepType = "protocol"
)

var nativeTokenAddresses = map[string]struct{}{
	"0x0000000000000000000000000000000000000000": {},
	"0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee": {},
}

// IsNativeToken reports whether address is one of the sentinel addresses used
// for a chain's native asset.
func IsNativeToken(address string) bool {
	_, ok := nativeTokenAddresses[strings.ToLower(strings.TrimSpace(address))]
	return ok
}

type Token struct {
	Address  string `json:"address"`
	ChainID  int64  `json:"chainId"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Name     string `json:"name,omitempty"`
	PriceUSD string `json:"priceUSD,omitempty"`
}

type Action struct {
	FromChainID int64   `json:"fromChainId"`
	ToChainID   int64   `json:"toChainId"`
	FromToken   Token   `json:"fromToken"`
	ToToken     Token   `json:"toToken"`
	FromAmount  string  `json:"fromAmount"`
	FromAddress string  `json:"fromAddress,omitempty"`
	ToAddress   string  `json:"toAddress,omitempty"`
	Slippage    float64 `json:"slippage"`
}

type Estimate struct {
	Tool              string  `json:"tool,omitempty"`
	FromAmount        string  `json:"fromAmount"`
	ToAmount          string  `json:"toAmount"`
	ToAmountMin       string  `json:"toAmountMin"`
	ApprovalAddress   string  `json:"approvalAddress,omitempty"`
	ExecutionDuration float64 `json:"executionDuration,omitempty"`
}

// TransactionRequest is a ready-to-sign call. Numeric fields are hex or
// decimal strings as returned by the quoting service.
type TransactionRequest struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value,omitempty"`
	GasLimit string `json:"gasLimit,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
	ChainID  int64  `json:"chainId,omitempty"`
}

type Step struct {
	ID                 string              `json:"id"`
	Type               StepType            `json:"type"`
	Tool               string              `json:"tool"`
	Action             Action              `json:"action"`
	Estimate           Estimate            `json:"estimate"`
	TransactionRequest *TransactionRequest `json:"transactionRequest,omitempty"`
	Execution          *Execution          `json:"execution,omitempty"`
}

// IsCrossChain reports whether the step moves funds between chains.
func (s Step) IsCrossChain() bool {
	return s.Type == StepTypeCross || s.Action.FromChainID != s.Action.ToChainID
}

// PrimaryProcessType is the process that tracks the step's main transaction.
func (s Step) PrimaryProcessType() ProcessType {
	if s.IsCrossChain() {
		return ProcessCrossChain
	}
	return ProcessSwap
}

type Execution struct {
	Status     Status    `json:"status"`
	Process    []Process `json:"process"`
	FromAmount string    `json:"fromAmount,omitempty"`
	ToAmount   string    `json:"toAmount,omitempty"`
	ToToken    *Token    `json:"toToken,omitempty"`
	StartedAt  int64     `json:"startedAt,omitempty"`
	DoneAt     int64     `json:"doneAt,omitempty"`
}

// Find returns the index of the process with the given type.
func (e *Execution) Find(t ProcessType) (int, bool) {
	if e == nil {
		return -1, false
	}
	for i := range e.Process {
		if e.Process[i].Type == t {
			return i, true
		}
	}
	return -1, false
}

// ProcessOf returns the process with the given type, or nil.
func (e *Execution) ProcessOf(t ProcessType) *Process {
	i, ok := e.Find(t)
	if !ok {
		return nil
	}
	return &e.Process[i]
}

type ProcessError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	HTMLMessage string `json:"htmlMessage,omitempty"`
}

type Process struct {
	Type             ProcessType   `json:"type"`
	Status           Status        `json:"status"`
	Message          string        `json:"message,omitempty"`
	StartedAt        int64         `json:"startedAt"`
	DoneAt           int64         `json:"doneAt,omitempty"`
	FailedAt         int64         `json:"failedAt,omitempty"`
	TxHash           string        `json:"txHash,omitempty"`
	TxLink           string        `json:"txLink,omitempty"`
	MultisigTxHash   string        `json:"multisigTxHash,omitempty"`
	Substatus        string        `json:"substatus,omitempty"`
	SubstatusMessage string        `json:"substatusMessage,omitempty"`
	Error            *ProcessError `json:"error,omitempty"`
}

type Route struct {
	ID          string `json:"id"`
	FromChainID int64  `json:"fromChainId"`
	FromAmount  string `json:"fromAmount"`
	FromToken   Token  `json:"fromToken"`
	ToChainID   int64  `json:"toChainId"`
	ToAmount    string `json:"toAmount"`
	ToAmountMin string `json:"toAmountMin,omitempty"`
	ToToken     Token  `json:"toToken"`
	FromAddress string `json:"fromAddress,omitempty"`
	ToAddress   string `json:"toAddress,omitempty"`
	Steps       []Step `json:"steps"`
}

// StepIndex returns the position of the step with the given id.
func (r *Route) StepIndex(stepID string) int {
	for i := range r.Steps {
		if r.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// Status summarizes the route from its steps' executions.
func (r Route) Status() Status {
	started := false
	done := 0
	for _, step := range r.Steps {
		if step.Execution == nil {
			continue
		}
		started = true
		switch step.Execution.Status {
		case StatusFailed:
			return StatusFailed
		case StatusCancelled:
			return StatusCancelled
		case StatusDone:
			done++
		}
	}
	switch {
	case !started:
		return StatusNotStarted
	case done == len(r.Steps):
		return StatusDone
	}
	for _, step := range r.Steps {
		if step.Execution != nil && step.Execution.Status == StatusActionRequired {
			return StatusActionRequired
		}
	}
	return StatusPending
}

// Validate checks the parts of a route the engine depends on.
func (r Route) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return clierr.New(clierr.CodeValidation, "route id is required")
	}
	if len(r.Steps) == 0 {
		return clierr.New(clierr.CodeValidation, "route has no steps")
	}
	seen := make(map[string]struct{}, len(r.Steps))
	for i, step := range r.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return clierr.New(clierr.CodeValidation, fmt.Sprintf("step %d is missing an id", i))
		}
		if _, dup := seen[step.ID]; dup {
			return clierr.New(clierr.CodeValidation, fmt.Sprintf("duplicate step id %s", step.ID))
		}
		seen[step.ID] = struct{}{}
		if step.Action.FromChainID <= 0 || step.Action.ToChainID <= 0 {
			return clierr.New(clierr.CodeValidation, fmt.Sprintf("step %s has no chain ids", step.ID))
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(step.Action.FromAmount), 10)
		if !ok || amount.Sign() <= 0 {
			return clierr.New(clierr.CodeValidation, fmt.Sprintf("step %s has an invalid fromAmount %q", step.ID, step.Action.FromAmount))
		}
		if step.Action.Slippage < 0 || step.Action.Slippage >= 1 {
			return clierr.New(clierr.CodeValidation, fmt.Sprintf("step %s slippage must be in [0, 1)", step.ID))
		}
	}
	return nil
}
