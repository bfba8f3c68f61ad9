package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/route"
)

var humanMessages = map[clierr.Code]string{
	clierr.CodeChainSwitch:            "The chain switch was not completed. Switch your wallet to the required chain and resume.",
	clierr.CodeTransactionCanceled:    "The transaction was canceled.",
	clierr.CodeTransactionUnprepared:  "Unable to prepare the transaction.",
	clierr.CodeTransactionFailed:      "The transaction failed on chain.",
	clierr.CodeTransactionUnderpriced: "The transaction is underpriced. Increase the fee and resume.",
	clierr.CodeBalance:                "Your balance is too low for this step.",
	clierr.CodeServer:                 "The quote or status service is currently unavailable.",
	clierr.CodeRateLimited:            "The quote or status service is rate limiting requests.",
	clierr.CodeInterrupted:            "Execution was interrupted before the step finished.",
	clierr.CodeUnknown:                "An unexpected error occurred.",
}

var (
	rejectionMarkers   = []string{"user rejected", "user denied", "rejected the request", "request rejected"}
	underpricedMarkers = []string{"underpriced", "fee too low", "max fee per gas less than block base fee", "tip too low"}
	fundsMarkers       = []string{"insufficient funds"}
	nonceMarkers       = []string{"nonce too low", "nonce has already been used"}
)

// parseStepError maps err into the engine's error taxonomy.
func parseStepError(err error) *clierr.Error {
	if err == nil {
		return nil
	}
	if typed, ok := clierr.As(err); ok {
		if typed.HumanMessage == "" {
			typed.HumanMessage = humanMessages[typed.Code]
		}
		return typed
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return clierr.Wrap(clierr.CodeInterrupted, "step interrupted", err).WithHuman(humanMessages[clierr.CodeInterrupted])
	}
	if reason := DecodeRevertFromError(err); reason != "" {
		return clierr.Wrap(clierr.CodeTransactionFailed, "transaction reverted: "+reason, err).WithHuman(humanMessages[clierr.CodeTransactionFailed])
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rejectionMarkers):
		return clierr.Wrap(clierr.CodeTransactionCanceled, "user rejected the request", err).WithHuman("The request was rejected in the wallet.")
	case containsAny(msg, underpricedMarkers):
		return clierr.Wrap(clierr.CodeTransactionUnderpriced, "transaction is underpriced", err).WithHuman(humanMessages[clierr.CodeTransactionUnderpriced])
	case containsAny(msg, fundsMarkers):
		return clierr.Wrap(clierr.CodeBalance, "insufficient funds for transaction", err).WithHuman("Your wallet does not hold enough native tokens to pay for gas.")
	case containsAny(msg, nonceMarkers):
		return clierr.Wrap(clierr.CodeTransactionFailed, "transaction nonce already used", err).WithHuman(humanMessages[clierr.CodeTransactionFailed])
	case strings.Contains(msg, "execution reverted"):
		return clierr.Wrap(clierr.CodeTransactionFailed, "transaction reverted", err).WithHuman(humanMessages[clierr.CodeTransactionFailed])
	}
	return clierr.Wrap(clierr.CodeUnknown, "step failed", err).WithHuman(humanMessages[clierr.CodeUnknown])
}

func toProcessError(e *clierr.Error) route.ProcessError {
	return route.ProcessError{
		Code:        e.Code.String(),
		Message:     e.Error(),
		HTMLMessage: e.HumanMessage,
	}
}

// DecodeRevertFromError returns the revert reason carried by an RPC data
// error, or "".
func DecodeRevertFromError(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		return DecodeRevertData(common.FromHex(data))
	case []byte:
		return DecodeRevertData(data)
	default:
		return ""
	}
}

// DecodeRevertData decodes Error(string), Panic(uint256) or a custom error
// selector.
func DecodeRevertData(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if len(data) >= 4 {
		return fmt.Sprintf("custom error 0x%x", data[:4])
	}
	return ""
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
