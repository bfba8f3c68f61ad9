package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/route"
)

// Backend is the RPC surface the client needs. *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Options struct {
	Simulate            bool
	GasMultiplier       float64
	MaxFeeGwei          string
	MaxPriorityFeeGwei  string
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
	// ReplacementLookback is how many blocks before the wait started are
	// scanned for a same-nonce replacement.
	ReplacementLookback uint64
}

func DefaultOptions() Options {
	return Options{
		Simulate:            true,
		GasMultiplier:       1.2,
		ReceiptPollInterval: 2 * time.Second,
		ReceiptTimeout:      10 * time.Minute,
		ReplacementLookback: 16,
	}
}

var erc20ABI = mustABI(registry.ERC20MinimalABI)

// Client signs and sends transactions on one chain with a local signer.
type Client struct {
	backend Backend
	signer  signer.Signer
	opts    Options
	chainID *big.Int
	close   func()

	mu   sync.Mutex
	sent map[common.Hash]*types.Transaction
}

// Dial connects to rpcURL and binds the client to the chain it reports.
func Dial(ctx context.Context, rpcURL string, txSigner signer.Signer, opts Options) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeServer, "connect rpc", err)
	}
	c, err := NewClient(ctx, eth, txSigner, opts)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.close = eth.Close
	return c, nil
}

func NewClient(ctx context.Context, backend Backend, txSigner signer.Signer, opts Options) (*Client, error) {
	if txSigner == nil {
		return nil, clierr.New(clierr.CodeAuth, "missing signer")
	}
	defaults := DefaultOptions()
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = defaults.GasMultiplier
	}
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = defaults.ReceiptPollInterval
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = defaults.ReceiptTimeout
	}
	if opts.ReplacementLookback == 0 {
		opts.ReplacementLookback = defaults.ReplacementLookback
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeServer, "read chain id", err)
	}
	return &Client{
		backend: backend,
		signer:  txSigner,
		opts:    opts,
		chainID: chainID,
		sent:    map[common.Hash]*types.Transaction{},
	}, nil
}

func (c *Client) Close() {
	if c.close != nil {
		c.close()
	}
}

func (c *Client) ChainID(context.Context) (int64, error) {
	return c.chainID.Int64(), nil
}

func (c *Client) Address() string {
	return c.signer.Address().Hex()
}

func (c *Client) Balance(ctx context.Context, token route.Token) (*big.Int, error) {
	owner := c.signer.Address()
	if route.IsNativeToken(token.Address) {
		return c.backend.BalanceAt(ctx, owner, nil)
	}
	return c.callUint(ctx, token.Address, "balanceOf", owner)
}

func (c *Client) Allowance(ctx context.Context, token route.Token, spender string) (*big.Int, error) {
	if !common.IsHexAddress(spender) {
		return nil, clierr.New(clierr.CodeValidation, fmt.Sprintf("invalid spender address %q", spender))
	}
	return c.callUint(ctx, token.Address, "allowance", c.signer.Address(), common.HexToAddress(spender))
}

func (c *Client) callUint(ctx context.Context, tokenAddr, method string, args ...any) (*big.Int, error) {
	if !common.IsHexAddress(tokenAddr) {
		return nil, clierr.New(clierr.CodeValidation, fmt.Sprintf("invalid token address %q", tokenAddr))
	}
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnknown, "pack "+method, err)
	}
	to := common.HexToAddress(tokenAddr)
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.signer.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, wrapEVMExecutionError(clierr.CodeServer, "call "+method, err)
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil || len(values) == 0 {
		return nil, clierr.New(clierr.CodeServer, fmt.Sprintf("decode %s response from %s", method, tokenAddr))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeServer, fmt.Sprintf("unexpected %s response type %T", method, values[0]))
	}
	return v, nil
}

// SendTransaction simulates, prices, signs and broadcasts req. Sends from the
// same signer on the same chain are serialized so nonces never collide.
func (c *Client) SendTransaction(ctx context.Context, req execution.TxRequest) (string, error) {
	if req.ChainID != 0 && req.ChainID != c.chainID.Int64() {
		return "", clierr.New(clierr.CodeChainSwitch, fmt.Sprintf("client is bound to chain %d, transaction targets %d", c.chainID.Int64(), req.ChainID))
	}
	if !common.IsHexAddress(req.To) {
		return "", clierr.New(clierr.CodeTransactionUnprepared, fmt.Sprintf("invalid transaction target %q", req.To))
	}
	data, err := hexutil.Decode(ensureHexPrefix(req.Data))
	if err != nil {
		return "", clierr.Wrap(clierr.CodeTransactionUnprepared, "decode calldata", err)
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	from := c.signer.Address()
	to := common.HexToAddress(req.To)
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}

	if c.opts.Simulate {
		if _, err := c.backend.CallContract(ctx, msg, nil); err != nil {
			return "", wrapEVMExecutionError(clierr.CodeTransactionFailed, "simulate transaction (eth_call)", err)
		}
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		estimated, err := c.backend.EstimateGas(ctx, msg)
		if err != nil {
			return "", wrapEVMExecutionError(clierr.CodeTransactionFailed, "estimate gas", err)
		}
		gasLimit = uint64(float64(estimated) * c.opts.GasMultiplier)
	}

	tipCap := req.MaxPriorityFeePerGas
	if tipCap == nil {
		if tipCap, err = resolveTipCap(ctx, c.backend, c.opts.MaxPriorityFeeGwei); err != nil {
			return "", err
		}
	}
	feeCap := req.MaxFeePerGas
	if feeCap == nil {
		header, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeServer, "fetch latest header", err)
		}
		baseFee := header.BaseFee
		if baseFee == nil {
			baseFee = big.NewInt(1_000_000_000)
		}
		if feeCap, err = resolveFeeCap(baseFee, tipCap, c.opts.MaxFeeGwei); err != nil {
			return "", err
		}
	}

	unlock := acquireSignerNonceLock(c.chainID, from)
	defer unlock()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeServer, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := c.signer.SignTx(c.chainID, tx)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeAuth, "sign transaction", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}
	c.mu.Lock()
	c.sent[signed.Hash()] = signed
	c.mu.Unlock()
	return signed.Hash().Hex(), nil
}

// WaitForReceipt polls for the receipt of txHash. When the sender's nonce
// moves past the transaction without it being mined, the replacing
// transaction is located, reported through onReplaced and followed instead.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, onReplaced func(execution.Replacement)) (execution.TxReceipt, error) {
	hash, ok := normalizeTxHash(txHash)
	if !ok {
		return execution.TxReceipt{}, clierr.New(clierr.CodeValidation, fmt.Sprintf("invalid transaction hash %q", txHash))
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ReceiptTimeout)
	defer cancel()

	w := &replacementWatch{client: c, hash: hash}
	ticker := time.NewTicker(c.opts.ReceiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return toReceipt(receipt), nil
		}
		if repl, replReceipt, found := w.check(waitCtx); found {
			if onReplaced != nil {
				onReplaced(repl)
			}
			return toReceipt(replReceipt), nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return execution.TxReceipt{}, ctx.Err()
			}
			return execution.TxReceipt{}, clierr.Wrap(clierr.CodeTransactionFailed, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// replacementWatch detects a same-nonce replacement of a pending transaction.
type replacementWatch struct {
	client    *Client
	hash      common.Hash
	tx        *types.Transaction
	from      common.Address
	nextBlock uint64
	started   bool
}

func (w *replacementWatch) check(ctx context.Context) (execution.Replacement, *types.Receipt, bool) {
	c := w.client
	if w.tx == nil {
		if !w.load(ctx) {
			return execution.Replacement{}, nil, false
		}
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return execution.Replacement{}, nil, false
	}
	if !w.started {
		w.started = true
		if head > c.opts.ReplacementLookback {
			w.nextBlock = head - c.opts.ReplacementLookback
		}
	}
	nonce, err := c.backend.NonceAt(ctx, w.from, nil)
	if err != nil || nonce <= w.tx.Nonce() {
		return execution.Replacement{}, nil, false
	}

	chainSigner := types.LatestSignerForChainID(c.chainID)
	for n := w.nextBlock; n <= head; n++ {
		block, err := c.backend.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return execution.Replacement{}, nil, false
		}
		for _, candidate := range block.Transactions() {
			if candidate.Nonce() != w.tx.Nonce() || candidate.Hash() == w.hash {
				continue
			}
			sender, err := types.Sender(chainSigner, candidate)
			if err != nil || sender != w.from {
				continue
			}
			receipt, err := c.backend.TransactionReceipt(ctx, candidate.Hash())
			if err != nil || receipt == nil {
				return execution.Replacement{}, nil, false
			}
			return execution.Replacement{
				Reason: classifyReplacement(w.tx, candidate, w.from),
				TxHash: candidate.Hash().Hex(),
			}, receipt, true
		}
		w.nextBlock = n + 1
	}
	return execution.Replacement{}, nil, false
}

func (w *replacementWatch) load(ctx context.Context) bool {
	c := w.client
	c.mu.Lock()
	tx := c.sent[w.hash]
	c.mu.Unlock()
	if tx == nil {
		found, _, err := c.backend.TransactionByHash(ctx, w.hash)
		if err != nil || found == nil {
			return false
		}
		tx = found
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return false
	}
	w.tx, w.from = tx, from
	return true
}

// classifyReplacement follows wallet conventions: a zero-value self transfer
// without calldata cancels, the same call with a new fee reprices.
func classifyReplacement(original, replacement *types.Transaction, from common.Address) execution.ReplacementReason {
	to := replacement.To()
	if to != nil && *to == from && replacement.Value().Sign() == 0 && len(replacement.Data()) == 0 {
		return execution.ReplacementCancelled
	}
	origTo := original.To()
	sameTarget := (to == nil && origTo == nil) || (to != nil && origTo != nil && *to == *origTo)
	if sameTarget && replacement.Value().Cmp(original.Value()) == 0 && string(replacement.Data()) == string(original.Data()) {
		return execution.ReplacementRepriced
	}
	return execution.ReplacementReplaced
}

func toReceipt(r *types.Receipt) execution.TxReceipt {
	out := execution.TxReceipt{TxHash: r.TxHash.Hex(), Status: r.Status}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

var signerNonceLocks sync.Map

func acquireSignerNonceLock(chainID *big.Int, address common.Address) func() {
	key := chainID.String() + ":" + strings.ToLower(address.Hex())
	mu, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

func resolveTipCap(ctx context.Context, backend Backend, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeValidation, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeValidation, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeValidation, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return feeCap.Add(feeCap, tipCap), nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

// wrapEVMExecutionError attaches the decoded revert reason, when there is
// one, so it survives into the process error.
func wrapEVMExecutionError(code clierr.Code, op string, err error) error {
	if reason := execution.DecodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: execution reverted: %s", op, reason), err)
	}
	return clierr.Wrap(code, op, err)
}

func normalizeTxHash(v string) (common.Hash, bool) {
	clean := strings.TrimSpace(v)
	if !strings.HasPrefix(clean, "0x") && !strings.HasPrefix(clean, "0X") {
		clean = "0x" + clean
	}
	raw, err := hexutil.Decode(strings.ToLower(clean))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return "0x"
	}
	if strings.HasPrefix(clean, "0x") {
		return clean
	}
	return "0x" + clean
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

var _ execution.Client = (*Client)(nil)
