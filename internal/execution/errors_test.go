package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/routex/internal/errors"
)

type rpcDataError struct {
	msg  string
	data any
}

func (e rpcDataError) Error() string          { return e.msg }
func (e rpcDataError) ErrorCode() int         { return 3 }
func (e rpcDataError) ErrorData() interface{} { return e.data }

// revertData encodes Error("insufficient output").
func revertData() string {
	return "0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000013" +
		"696e73756666696369656e74206f757470757400000000000000000000000000"
}

func TestParseStepError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want clierr.Code
	}{
		{"typed passes through", clierr.New(clierr.CodeBalance, "low"), clierr.CodeBalance},
		{"context canceled", fmt.Errorf("wait: %w", context.Canceled), clierr.CodeInterrupted},
		{"revert data", rpcDataError{msg: "execution reverted", data: revertData()}, clierr.CodeTransactionFailed},
		{"user rejection", errors.New("User rejected the request."), clierr.CodeTransactionCanceled},
		{"underpriced", errors.New("broadcast transaction: replacement transaction underpriced"), clierr.CodeTransactionUnderpriced},
		{"gas funds", errors.New("insufficient funds for gas * price + value"), clierr.CodeBalance},
		{"nonce", errors.New("nonce too low"), clierr.CodeTransactionFailed},
		{"plain revert", errors.New("execution reverted"), clierr.CodeTransactionFailed},
		{"unknown", errors.New("something odd"), clierr.CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseStepError(tc.err)
			if got.Code != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got.Code, got)
			}
			if got.HumanMessage == "" {
				t.Fatal("expected a human message")
			}
		})
	}
	if parseStepError(nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}

func TestDecodeRevert(t *testing.T) {
	if got := DecodeRevertFromError(rpcDataError{msg: "reverted", data: revertData()}); got != "insufficient output" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := DecodeRevertData(hexutil.MustDecode("0xdeadbeef")); got != "custom error 0xdeadbeef" {
		t.Fatalf("unexpected custom error %q", got)
	}
	if got := DecodeRevertFromError(errors.New("plain")); got != "" {
		t.Fatalf("expected no reason, got %q", got)
	}
}

func TestToProcessError(t *testing.T) {
	perr := toProcessError(clierr.Wrap(clierr.CodeTransactionFailed, "transaction reverted", errors.New("boom")).WithHuman("failed"))
	if perr.Code != "TransactionFailed" || perr.Message != "transaction reverted: boom" || perr.HTMLMessage != "failed" {
		t.Fatalf("unexpected process error %+v", perr)
	}
}
