package lifi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/routex/internal/cache"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/httpx"
	"github.com/ggonzalez94/routex/internal/route"
)

const quoteStepJSON = `{
	"id": "step-1",
	"type": "lifi",
	"tool": "across",
	"action": {
		"fromChainId": 1,
		"toChainId": 8453,
		"fromToken": {"address": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "chainId": 1, "symbol": "USDC", "decimals": 6},
		"toToken": {"address": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "chainId": 8453, "symbol": "USDC", "decimals": 6},
		"fromAmount": "1000000",
		"fromAddress": "0x00000000000000000000000000000000000000aa",
		"slippage": 0.005
	},
	"estimate": {
		"tool": "across",
		"fromAmount": "1000000",
		"toAmount": "950000",
		"toAmountMin": "945000",
		"approvalAddress": "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"
	},
	"transactionRequest": {"to": "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE", "data": "0xabcdef", "value": "0x0", "chainId": 1, "gasLimit": "0x30d40"}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(httpx.New(2*time.Second, 0, "routex-test"), Config{BaseURL: srv.URL, APIKey: "secret"})
}

func TestGetQuoteWrapsStepIntoRoute(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("fromChain") != "1" || q.Get("toChain") != "8453" || q.Get("integrator") != "routex" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("x-lifi-api-key") != "secret" {
			t.Errorf("missing api key header")
		}
		_, _ = fmt.Fprint(w, quoteStepJSON)
	})

	r, err := c.GetQuote(context.Background(), "route-1", QuoteRequest{
		FromChainID: 1,
		ToChainID:   8453,
		FromToken:   "USDC",
		ToToken:     "USDC",
		FromAmount:  "1000000",
		FromAddress: "0x00000000000000000000000000000000000000aa",
		Slippage:    0.005,
	})
	if err != nil {
		t.Fatalf("GetQuote failed: %v", err)
	}
	if r.ID != "route-1" || len(r.Steps) != 1 {
		t.Fatalf("unexpected route %+v", r)
	}
	if r.ToAmount != "950000" || r.ToAmountMin != "945000" || r.ToToken.Symbol != "USDC" {
		t.Fatalf("unexpected route amounts %+v", r)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected quoted route to validate: %v", err)
	}
	if !r.Steps[0].IsCrossChain() {
		t.Fatal("expected cross-chain step")
	}
}

func TestGetQuoteValidatesRequest(t *testing.T) {
	c := New(httpx.New(time.Second, 0, ""), Config{})
	_, err := c.GetQuote(context.Background(), "r", QuoteRequest{FromChainID: 1, ToChainID: 1, FromToken: "ETH", ToToken: "USDC", FromAddress: "nope"})
	if clierr.CodeOf(err) != clierr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetRoutesPostsOptions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/advanced/routes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body routesRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Options.Integrator != "routex" || body.FromAmount != "1000000" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = fmt.Fprintf(w, `{"routes":[{"id":"r1","fromChainId":1,"toChainId":8453,"fromAmount":"1000000","steps":[%s]}]}`, quoteStepJSON)
	})
	routes, err := c.GetRoutes(context.Background(), QuoteRequest{
		FromChainID: 1, ToChainID: 8453, FromToken: "0xa0", ToToken: "0xb0",
		FromAmount: "1000000", FromAddress: "0x00000000000000000000000000000000000000aa",
	})
	if err != nil {
		t.Fatalf("GetRoutes failed: %v", err)
	}
	if len(routes) != 1 || routes[0].Steps[0].Estimate.ApprovalAddress == "" {
		t.Fatalf("unexpected routes %+v", routes)
	}
}

func TestGetStepTransactionStripsExecution(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/advanced/stepTransaction" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if _, ok := body["execution"]; ok {
			t.Errorf("expected execution to be stripped")
		}
		_, _ = fmt.Fprint(w, quoteStepJSON)
	})
	var step route.Step
	if err := json.Unmarshal([]byte(quoteStepJSON), &step); err != nil {
		t.Fatalf("decode step: %v", err)
	}
	step.Execution = &route.Execution{Status: route.StatusPending}

	got, err := c.GetStepTransaction(context.Background(), step)
	if err != nil {
		t.Fatalf("GetStepTransaction failed: %v", err)
	}
	if got.TransactionRequest == nil || got.TransactionRequest.Data != "0xabcdef" {
		t.Fatalf("unexpected transaction request %+v", got.TransactionRequest)
	}
	if step.Execution == nil {
		t.Fatal("caller's step must not be mutated")
	}
}

func TestGetStatusDone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("txHash") != "0xabc" || q.Get("bridge") != "across" || q.Get("fromChain") != "1" || q.Get("toChain") != "8453" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = fmt.Fprint(w, `{"status":"DONE","substatus":"COMPLETED","sending":{"txHash":"0xabc","amount":"1000000","chainId":1},"receiving":{"txHash":"0xdef","txLink":"https://basescan.org/tx/0xdef","amount":"949000","chainId":8453,"token":{"address":"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913","symbol":"USDC","decimals":6,"chainId":8453}}}`)
	})
	resp, err := c.GetStatus(context.Background(), execution.StatusRequest{Bridge: "across", FromChainID: 1, ToChainID: 8453, TxHash: "0xabc"})
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if resp.Status != execution.TransferDone || resp.Substatus != "COMPLETED" {
		t.Fatalf("unexpected status %+v", resp)
	}
	if resp.Receiving == nil || resp.Receiving.Amount != "949000" || resp.Receiving.Token == nil || resp.Receiving.Token.Symbol != "USDC" {
		t.Fatalf("unexpected receiving leg %+v", resp.Receiving)
	}
}

func TestGetStatusMapsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `{"message":"Not a valid txHash"}`)
	})
	resp, err := c.GetStatus(context.Background(), execution.StatusRequest{TxHash: "0xabc"})
	if err != nil {
		t.Fatalf("expected not found to be reported as status, got %v", err)
	}
	if resp.Status != execution.TransferNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", resp)
	}
}

func TestGetChainByIDUsesCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = fmt.Fprint(w, `{"chains":[{"id":8453,"key":"bas","name":"Base","multicallAddress":"0xcA11bde05977b3631167028862bE2a173976CA11","metamask":{"blockExplorerUrls":["https://basescan.org/"]}}]}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer store.Close()

	first := New(httpx.New(time.Second, 0, ""), Config{BaseURL: srv.URL, Cache: store})
	chain, err := first.GetChainByID(context.Background(), 8453)
	if err != nil {
		t.Fatalf("GetChainByID failed: %v", err)
	}
	if chain.Name != "Base" || chain.TxLink("0x1") != "https://basescan.org/tx/0x1" {
		t.Fatalf("unexpected chain %+v", chain)
	}

	second := New(httpx.New(time.Second, 0, ""), Config{BaseURL: srv.URL, Cache: store})
	if _, err := second.GetChainByID(context.Background(), 8453); err != nil {
		t.Fatalf("cached GetChainByID failed: %v", err)
	}
	if _, err := second.GetChainByID(context.Background(), 1); clierr.CodeOf(err) != clierr.CodeUnsupported {
		t.Fatalf("expected unsupported chain error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one chains request, got %d", got)
	}
}
