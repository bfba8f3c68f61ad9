package execution

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/route"
)

// TxLink builds an explorer link for hash, or "" without an explorer.
func (c Chain) TxLink(hash string) string {
	base := strings.TrimRight(strings.TrimSpace(c.NativeExplorerURL), "/")
	if base == "" || hash == "" {
		return ""
	}
	return base + "/tx/" + hash
}

// waitForTransaction waits for hash to be mined. Replacements with a new
// hash are surfaced on the process and followed; a cancellation fails.
func waitForTransaction(ctx context.Context, client Client, sm *StatusManager, step *route.Step, t route.ProcessType, hash string, chain Chain) (TxReceipt, error) {
	var cancelled *Replacement
	receipt, err := client.WaitForReceipt(ctx, hash, func(r Replacement) {
		if r.Reason == ReplacementCancelled {
			repl := r
			cancelled = &repl
			return
		}
		_, _ = sm.UpdateProcess(step, t, route.StatusPending, route.TxParams{TxHash: r.TxHash, TxLink: chain.TxLink(r.TxHash)})
	})
	if err != nil {
		return TxReceipt{}, err
	}
	if cancelled != nil {
		return TxReceipt{}, clierr.New(clierr.CodeTransactionCanceled, fmt.Sprintf("transaction %s was cancelled by %s", hash, cancelled.TxHash)).
			WithHuman("The transaction was canceled in the wallet.")
	}
	if !receipt.Succeeded() {
		return TxReceipt{}, clierr.New(clierr.CodeTransactionFailed, fmt.Sprintf("transaction %s reverted on-chain", receipt.TxHash))
	}
	return receipt, nil
}

// buildTxRequest converts a quoted transaction request into a signable one.
func buildTxRequest(step *route.Step) (TxRequest, error) {
	tr := step.TransactionRequest
	if tr == nil || strings.TrimSpace(tr.To) == "" {
		return TxRequest{}, clierr.New(clierr.CodeTransactionUnprepared, "unable to prepare transaction: missing transaction request")
	}
	if !common.IsHexAddress(strings.TrimSpace(tr.To)) {
		return TxRequest{}, clierr.New(clierr.CodeTransactionUnprepared, fmt.Sprintf("unable to prepare transaction: invalid target %q", tr.To))
	}
	if tr.ChainID != 0 && tr.ChainID != step.Action.FromChainID {
		return TxRequest{}, clierr.New(clierr.CodeTransactionUnprepared, fmt.Sprintf("transaction request targets chain %d, step runs on %d", tr.ChainID, step.Action.FromChainID))
	}
	if _, err := decodeHex(tr.Data); err != nil {
		return TxRequest{}, clierr.Wrap(clierr.CodeTransactionUnprepared, "decode transaction calldata", err)
	}
	value, err := parseQuantity(tr.Value)
	if err != nil {
		return TxRequest{}, clierr.Wrap(clierr.CodeTransactionUnprepared, "parse transaction value", err)
	}
	gasLimit, err := parseQuantity(tr.GasLimit)
	if err != nil {
		return TxRequest{}, clierr.Wrap(clierr.CodeTransactionUnprepared, "parse transaction gas limit", err)
	}
	return TxRequest{
		ChainID:  step.Action.FromChainID,
		To:       strings.TrimSpace(tr.To),
		Data:     ensureHexPrefix(tr.Data),
		Value:    value,
		GasLimit: gasLimit.Uint64(),
	}, nil
}

// parseQuantity accepts 0x-prefixed hex or decimal; empty is zero.
func parseQuantity(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return big.NewInt(0), nil
	}
	base := 10
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		clean = clean[2:]
		base = 16
		if clean == "" {
			return big.NewInt(0), nil
		}
	}
	n, ok := new(big.Int).SetString(clean, base)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid quantity %q", v)
	}
	return n, nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
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
