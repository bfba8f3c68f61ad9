package execution

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ggonzalez94/routex/internal/route"
)

const (
	testWallet = "0x00000000000000000000000000000000000000aa"
	testRouter = "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"
	testUSDC   = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	nativeAddr = "0x0000000000000000000000000000000000000000"
)

func fixedClock() func() time.Time {
	ts := time.Unix(1_700_000_000, 0)
	return func() time.Time { return ts }
}

func testRoute(id string, steps ...route.Step) route.Route {
	first, last := steps[0], steps[len(steps)-1]
	return route.Route{
		ID:          id,
		FromChainID: first.Action.FromChainID,
		FromAmount:  first.Action.FromAmount,
		FromToken:   first.Action.FromToken,
		ToChainID:   last.Action.ToChainID,
		ToAmount:    last.Estimate.ToAmount,
		ToAmountMin: last.Estimate.ToAmountMin,
		ToToken:     last.Action.ToToken,
		FromAddress: testWallet,
		Steps:       steps,
	}
}

// sameChainStep swaps native ETH to USDC on chain 1.
func sameChainStep(id string) route.Step {
	return route.Step{
		ID:   id,
		Type: route.StepTypeSwap,
		Tool: "uniswap",
		Action: route.Action{
			FromChainID: 1,
			ToChainID:   1,
			FromToken:   route.Token{Address: nativeAddr, ChainID: 1, Symbol: "ETH", Decimals: 18},
			ToToken:     route.Token{Address: testUSDC, ChainID: 1, Symbol: "USDC", Decimals: 6},
			FromAmount:  "1000000",
			FromAddress: testWallet,
			Slippage:    0.005,
		},
		Estimate: route.Estimate{Tool: "uniswap", FromAmount: "1000000", ToAmount: "950000", ToAmountMin: "945000"},
	}
}

// erc20Step swaps USDC on chain 1 and needs an allowance for testRouter.
func erc20Step(id string) route.Step {
	s := sameChainStep(id)
	s.Action.FromToken = route.Token{Address: testUSDC, ChainID: 1, Symbol: "USDC", Decimals: 6}
	s.Action.ToToken = route.Token{Address: nativeAddr, ChainID: 1, Symbol: "ETH", Decimals: 18}
	s.Estimate.ApprovalAddress = testRouter
	return s
}

// crossChainStep bridges USDC from chain 1 to chain 8453.
func crossChainStep(id string) route.Step {
	return route.Step{
		ID:   id,
		Type: route.StepTypeCross,
		Tool: "across",
		Action: route.Action{
			FromChainID: 1,
			ToChainID:   8453,
			FromToken:   route.Token{Address: testUSDC, ChainID: 1, Symbol: "USDC", Decimals: 6},
			ToToken:     route.Token{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", ChainID: 8453, Symbol: "USDC", Decimals: 6},
			FromAmount:  "945000",
			FromAddress: testWallet,
			Slippage:    0.005,
		},
		Estimate: route.Estimate{Tool: "across", FromAmount: "945000", ToAmount: "940000", ToAmountMin: "935000", ApprovalAddress: testRouter},
	}
}

type fakeClient struct {
	mu sync.Mutex

	chainID int64
	// balances are returned in order; the last one repeats.
	balances   []*big.Int
	balanceErr error
	allowance  *big.Int
	sendErr    error
	// replacement is reported once by the next WaitForReceipt.
	replacement *Replacement
	reverted    map[string]bool
	// waitGate, when set, blocks WaitForReceipt until closed.
	waitGate chan struct{}

	balanceCalls int
	sent         []TxRequest
	waited       []string
}

func newFakeClient(chainID int64) *fakeClient {
	return &fakeClient{
		chainID:   chainID,
		balances:  []*big.Int{big.NewInt(1_000_000_000)},
		allowance: big.NewInt(0),
		reverted:  map[string]bool{},
	}
}

func (c *fakeClient) ChainID(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainID, nil
}

func (c *fakeClient) Address() string { return testWallet }

func (c *fakeClient) Balance(context.Context, route.Token) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balanceErr != nil {
		return nil, c.balanceErr
	}
	i := c.balanceCalls
	if i >= len(c.balances) {
		i = len(c.balances) - 1
	}
	c.balanceCalls++
	return new(big.Int).Set(c.balances[i]), nil
}

func (c *fakeClient) Allowance(context.Context, route.Token, string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.allowance), nil
}

func (c *fakeClient) SendTransaction(_ context.Context, req TxRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, req)
	if len(req.Data) >= 10 && req.Data[:10] == "0x095ea7b3" {
		// A mined approval raises the allowance.
		c.allowance = new(big.Int).Lsh(big.NewInt(1), 255)
	}
	return fmt.Sprintf("0x%064x", len(c.sent)), nil
}

func (c *fakeClient) WaitForReceipt(ctx context.Context, hash string, onReplaced func(Replacement)) (TxReceipt, error) {
	c.mu.Lock()
	c.waited = append(c.waited, hash)
	gate := c.waitGate
	repl := c.replacement
	c.replacement = nil
	reverted := c.reverted[hash]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return TxReceipt{}, ctx.Err()
		}
	}
	mined := hash
	if repl != nil {
		onReplaced(*repl)
		mined = repl.TxHash
	}
	status := uint64(1)
	if reverted {
		status = 0
	}
	return TxReceipt{TxHash: mined, Status: status, BlockNumber: 100}, nil
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeQuotes struct {
	mu sync.Mutex

	// refresh adjusts the refreshed step; nil returns the step unchanged.
	refresh func(route.Step) route.Step
	// statuses are returned in order per call; the last one repeats.
	statuses  []StatusResponse
	statusErr error

	stepCalls   int
	statusCalls int
}

func (q *fakeQuotes) GetStepTransaction(_ context.Context, step route.Step) (route.Step, error) {
	q.mu.Lock()
	q.stepCalls++
	refresh := q.refresh
	q.mu.Unlock()
	out := step.Clone()
	out.Execution = nil
	if refresh != nil {
		out = refresh(out)
	}
	if out.TransactionRequest == nil {
		out.TransactionRequest = &route.TransactionRequest{
			To:       testRouter,
			Data:     "0xdeadbeef",
			Value:    "0x0",
			GasLimit: "0x30d40",
			ChainID:  step.Action.FromChainID,
		}
	}
	return out, nil
}

func (q *fakeQuotes) GetStatus(ctx context.Context, req StatusRequest) (StatusResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return StatusResponse{}, err
	}
	if q.statusErr != nil {
		return StatusResponse{}, q.statusErr
	}
	if len(q.statuses) == 0 {
		return StatusResponse{Status: TransferDone, Sending: TransferInfo{TxHash: req.TxHash}}, nil
	}
	i := q.statusCalls
	if i >= len(q.statuses) {
		i = len(q.statuses) - 1
	}
	q.statusCalls++
	return q.statuses[i], nil
}

func (q *fakeQuotes) calls() (steps, statuses int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stepCalls, q.statusCalls
}

type fakeSwitcher struct {
	client Client
	err    error
	calls  int
}

func (s *fakeSwitcher) SwitchChain(context.Context, int64) (Client, error) {
	s.calls++
	return s.client, s.err
}

type fakeAcceptor struct {
	accept bool
	seen   []RateChange
}

func (a *fakeAcceptor) AcceptExchangeRate(_ context.Context, change RateChange) (bool, error) {
	a.seen = append(a.seen, change)
	return a.accept, nil
}

// updateRecorder collects callback snapshots.
type updateRecorder struct {
	mu      sync.Mutex
	updates []route.Route
}

func (r *updateRecorder) record(rt route.Route) {
	r.mu.Lock()
	r.updates = append(r.updates, rt)
	r.mu.Unlock()
}

func (r *updateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func processTypes(exec *route.Execution) []route.ProcessType {
	if exec == nil {
		return nil
	}
	out := make([]route.ProcessType, 0, len(exec.Process))
	for _, p := range exec.Process {
		out = append(out, p.Type)
	}
	return out
}
