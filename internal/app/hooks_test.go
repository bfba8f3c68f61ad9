package app

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/ggonzalez94/routex/internal/config"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/route"
)

func init() {
	color.NoColor = true
}

func rateChange() execution.RateChange {
	return execution.RateChange{
		StepID:         "s1",
		ToToken:        route.Token{Symbol: "USDC", Decimals: 6},
		OldToAmount:    "950000",
		NewToAmount:    "900000",
		OldToAmountMin: "945000",
		NewToAmountMin: "895500",
	}
}

func TestRatePromptAnswers(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		p := &ratePrompt{in: bufio.NewReader(strings.NewReader(tc.input)), out: &out}
		got, err := p.AcceptExchangeRate(context.Background(), rateChange())
		if err != nil {
			t.Fatalf("AcceptExchangeRate(%q) failed: %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("AcceptExchangeRate(%q) = %v, want %v", tc.input, got, tc.want)
		}
		if !strings.Contains(out.String(), "0.95 -> 0.9 USDC") {
			t.Fatalf("expected formatted amounts, got %q", out.String())
		}
	}
}

func TestRatePromptAutoAccept(t *testing.T) {
	var out bytes.Buffer
	p := &ratePrompt{in: bufio.NewReader(strings.NewReader("")), out: &out, autoAccept: true}
	ok, err := p.AcceptExchangeRate(context.Background(), rateChange())
	if !ok || err != nil {
		t.Fatalf("expected auto accept, got %v %v", ok, err)
	}
	if strings.Contains(out.String(), "(y/N)") {
		t.Fatalf("auto accept must not prompt: %q", out.String())
	}
}

func TestProgressPrinterDeduplicates(t *testing.T) {
	var out bytes.Buffer
	p := newProgressPrinter(&out)
	r := storedRoute("r1", route.StatusPending)
	r.Steps[0].Execution.Process = []route.Process{{
		Type:    route.ProcessSwap,
		Status:  route.StatusPending,
		Message: "Waiting for swap transaction",
		TxHash:  "0xabc",
		TxLink:  "https://etherscan.io/tx/0xabc",
	}}

	p.Update(r)
	p.Update(r)
	if n := strings.Count(out.String(), "\n"); n != 1 {
		t.Fatalf("expected one line, got %d: %q", n, out.String())
	}
	if !strings.Contains(out.String(), "https://etherscan.io/tx/0xabc") || !strings.Contains(out.String(), "uniswap") {
		t.Fatalf("unexpected progress line %q", out.String())
	}

	r.Steps[0].Execution.Process[0].Status = route.StatusFailed
	r.Steps[0].Execution.Process[0].Error = &route.ProcessError{Code: "TransactionFailed", Message: "reverted"}
	p.Update(r)
	if !strings.Contains(out.String(), "FAILED") || !strings.Contains(out.String(), "reverted") {
		t.Fatalf("expected failure line, got %q", out.String())
	}
}

func TestChainDialerRejectsUnknownChain(t *testing.T) {
	key := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	txSigner, err := signer.Load(signer.KeySourceEnv, key)
	if err != nil {
		t.Fatalf("signer.Load failed: %v", err)
	}
	d := &chainDialer{state: &runtimeState{settings: config.Settings{RPCURLs: map[int64]string{}}}, signer: txSigner}
	c, err := d.SwitchChain(context.Background(), 999999)
	if c != nil {
		t.Fatalf("expected nil client, got %T", c)
	}
	if clierr.CodeOf(err) != clierr.CodeUnsupported {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}
