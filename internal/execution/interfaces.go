package execution

import (
	"context"
	"math/big"

	"github.com/ggonzalez94/routex/internal/route"
)

// TxRequest is a transaction ready to be signed by a Client. Nil fee fields
// are resolved by the client.
type TxRequest struct {
	ChainID              int64
	To                   string
	Data                 string
	Value                *big.Int
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Call is one entry of a batched multisig transaction.
type Call struct {
	To    string
	Data  string
	Value *big.Int
}

// TxReceipt is the subset of a mined receipt the engine consumes.
type TxReceipt struct {
	TxHash      string
	Status      uint64
	BlockNumber uint64
}

func (r TxReceipt) Succeeded() bool { return r.Status == 1 }

type ReplacementReason string

const (
	ReplacementCancelled ReplacementReason = "cancelled"
	ReplacementReplaced  ReplacementReason = "replaced"
	ReplacementRepriced  ReplacementReason = "repriced"
)

// Replacement reports that the tracked transaction was superseded by another
// transaction with the same nonce.
type Replacement struct {
	Reason ReplacementReason
	TxHash string
}

// Client is a signing client bound to one chain.
type Client interface {
	ChainID(ctx context.Context) (int64, error)
	Address() string
	Balance(ctx context.Context, token route.Token) (*big.Int, error)
	Allowance(ctx context.Context, token route.Token, spender string) (*big.Int, error)
	SendTransaction(ctx context.Context, req TxRequest) (string, error)
	WaitForReceipt(ctx context.Context, txHash string, onReplaced func(Replacement)) (TxReceipt, error)
}

// BatchSender is implemented by multisig clients that can submit several
// calls as one transaction. The returned id is the multisig's internal id.
type BatchSender interface {
	SendBatch(ctx context.Context, chainID int64, calls []Call) (string, error)
}

// ChainSwitcher binds a new client to the required chain. A nil client with
// a nil error means the switch did not happen.
type ChainSwitcher interface {
	SwitchChain(ctx context.Context, chainID int64) (Client, error)
}

// RateChange describes a refreshed quote whose output fell outside the
// step's slippage tolerance.
type RateChange struct {
	StepID         string
	ToToken        route.Token
	OldToAmount    string
	NewToAmount    string
	OldToAmountMin string
	NewToAmountMin string
}

type ExchangeRateAcceptor interface {
	AcceptExchangeRate(ctx context.Context, change RateChange) (bool, error)
}

// TransactionRequestUpdater lets the embedding application adjust a
// transaction right before it is signed.
type TransactionRequestUpdater interface {
	UpdateTransactionRequest(ctx context.Context, req TxRequest) (TxRequest, error)
}

type MultisigDetails struct {
	Status route.Status
	TxHash string
}

// MultisigTracker follows a multisig transaction until its signers execute
// or reject it. onUpdate receives intermediate states.
type MultisigTracker interface {
	GetMultisigTransactionDetails(ctx context.Context, multisigTxID string, chainID int64, onUpdate func(MultisigDetails)) (MultisigDetails, error)
}

type StatusRequest struct {
	Bridge      string
	FromChainID int64
	ToChainID   int64
	TxHash      string
}

type TransferInfo struct {
	ChainID int64
	TxHash  string
	TxLink  string
	Amount  string
	Token   *route.Token
}

// StatusResponse status values.
const (
	TransferPending  = "PENDING"
	TransferDone     = "DONE"
	TransferFailed   = "FAILED"
	TransferNotFound = "NOT_FOUND"
	TransferInvalid  = "INVALID"
)

type StatusResponse struct {
	Status           string
	Substatus        string
	SubstatusMessage string
	Sending          TransferInfo
	Receiving        *TransferInfo
}

type QuoteService interface {
	GetStepTransaction(ctx context.Context, step route.Step) (route.Step, error)
	GetStatus(ctx context.Context, req StatusRequest) (StatusResponse, error)
}

type Chain struct {
	ID                int64
	Key               string
	Name              string
	NativeExplorerURL string
	MulticallAddress  string
}

type ChainService interface {
	GetChainByID(ctx context.Context, chainID int64) (Chain, error)
}

// RouteStore persists route snapshots.
type RouteStore interface {
	Save(r route.Route) error
}
