package lifi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/routex/internal/cache"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/httpx"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/route"
)

const (
	apiKeyHeader    = "x-lifi-api-key"
	chainsCacheKey  = "lifi:chains"
	defaultChainTTL = 24 * time.Hour
)

type Config struct {
	BaseURL    string
	APIKey     string
	Integrator string
	// Cache, when set, keeps chain metadata across runs.
	Cache    *cache.Store
	ChainTTL time.Duration
}

// Client talks to the LI.FI API. It implements execution.QuoteService and
// execution.ChainService.
type Client struct {
	http       *httpx.Client
	baseURL    string
	apiKey     string
	integrator string
	cache      *cache.Store
	chainTTL   time.Duration

	mu     sync.Mutex
	chains map[int64]execution.Chain
}

func New(httpClient *httpx.Client, cfg Config) *Client {
	c := &Client{
		http:       httpClient,
		baseURL:    strings.TrimRight(firstNonEmpty(cfg.BaseURL, registry.LiFiBaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		integrator: firstNonEmpty(cfg.Integrator, registry.LiFiIntegrator),
		cache:      cfg.Cache,
		chainTTL:   cfg.ChainTTL,
	}
	if c.chainTTL <= 0 {
		c.chainTTL = defaultChainTTL
	}
	return c
}

func (c *Client) headers() map[string]string {
	return map[string]string{apiKeyHeader: c.apiKey}
}

func (c *Client) get(ctx context.Context, path string, vals url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(vals) > 0 {
		reqURL += "?" + vals.Encode()
	}
	_, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, reqURL, nil, c.headers(), out)
	return err
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnknown, "encode lifi request", err)
	}
	_, err = httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+path, buf, c.headers(), out)
	return err
}

type QuoteRequest struct {
	FromChainID int64
	ToChainID   int64
	FromToken   string
	ToToken     string
	FromAmount  string
	FromAddress string
	ToAddress   string
	Slippage    float64
}

func (r QuoteRequest) validate() error {
	if r.FromChainID <= 0 || r.ToChainID <= 0 {
		return clierr.New(clierr.CodeValidation, "quote requires source and destination chain ids")
	}
	if strings.TrimSpace(r.FromToken) == "" || strings.TrimSpace(r.ToToken) == "" {
		return clierr.New(clierr.CodeValidation, "quote requires source and destination tokens")
	}
	if !common.IsHexAddress(r.FromAddress) {
		return clierr.New(clierr.CodeValidation, "quote requires a valid sender address")
	}
	if r.ToAddress != "" && !common.IsHexAddress(r.ToAddress) {
		return clierr.New(clierr.CodeValidation, "quote recipient must be a valid EVM address")
	}
	if r.Slippage < 0 || r.Slippage >= 1 {
		return clierr.New(clierr.CodeValidation, "slippage must be within [0, 1)")
	}
	return nil
}

// GetQuote fetches a single-step quote and wraps it into a route with the
// given id.
func (c *Client) GetQuote(ctx context.Context, routeID string, req QuoteRequest) (route.Route, error) {
	if err := req.validate(); err != nil {
		return route.Route{}, err
	}
	vals := url.Values{}
	vals.Set("fromChain", strconv.FormatInt(req.FromChainID, 10))
	vals.Set("toChain", strconv.FormatInt(req.ToChainID, 10))
	vals.Set("fromToken", req.FromToken)
	vals.Set("toToken", req.ToToken)
	vals.Set("fromAmount", req.FromAmount)
	vals.Set("fromAddress", req.FromAddress)
	if req.ToAddress != "" {
		vals.Set("toAddress", req.ToAddress)
	}
	if req.Slippage > 0 {
		vals.Set("slippage", strconv.FormatFloat(req.Slippage, 'f', -1, 64))
	}
	vals.Set("integrator", c.integrator)

	var step route.Step
	if err := c.get(ctx, "/quote", vals, &step); err != nil {
		return route.Route{}, err
	}
	if step.ID == "" || step.Estimate.ToAmount == "" {
		return route.Route{}, clierr.New(clierr.CodeServer, "lifi quote missing step id or output amount")
	}
	return route.Route{
		ID:          routeID,
		FromChainID: step.Action.FromChainID,
		FromAmount:  step.Action.FromAmount,
		FromToken:   step.Action.FromToken,
		ToChainID:   step.Action.ToChainID,
		ToAmount:    step.Estimate.ToAmount,
		ToAmountMin: step.Estimate.ToAmountMin,
		ToToken:     step.Action.ToToken,
		FromAddress: firstNonEmpty(step.Action.FromAddress, req.FromAddress),
		ToAddress:   firstNonEmpty(step.Action.ToAddress, req.ToAddress, req.FromAddress),
		Steps:       []route.Step{step},
	}, nil
}

type routesRequest struct {
	FromChainID      int64         `json:"fromChainId"`
	FromAmount       string        `json:"fromAmount"`
	FromTokenAddress string        `json:"fromTokenAddress"`
	ToChainID        int64         `json:"toChainId"`
	ToTokenAddress   string        `json:"toTokenAddress"`
	FromAddress      string        `json:"fromAddress"`
	ToAddress        string        `json:"toAddress,omitempty"`
	Options          routesOptions `json:"options"`
}

type routesOptions struct {
	Integrator string  `json:"integrator"`
	Slippage   float64 `json:"slippage,omitempty"`
}

// GetRoutes fetches multi-step route candidates, best first.
func (c *Client) GetRoutes(ctx context.Context, req QuoteRequest) ([]route.Route, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var resp struct {
		Routes []route.Route `json:"routes"`
	}
	err := c.post(ctx, "/advanced/routes", routesRequest{
		FromChainID:      req.FromChainID,
		FromAmount:       req.FromAmount,
		FromTokenAddress: req.FromToken,
		ToChainID:        req.ToChainID,
		ToTokenAddress:   req.ToToken,
		FromAddress:      req.FromAddress,
		ToAddress:        req.ToAddress,
		Options:          routesOptions{Integrator: c.integrator, Slippage: req.Slippage},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Routes) == 0 {
		return nil, clierr.New(clierr.CodeUnsupported, "lifi found no route for the requested transfer")
	}
	return resp.Routes, nil
}

// GetStepTransaction refreshes the step's estimate and returns it with a
// signable transaction request.
func (c *Client) GetStepTransaction(ctx context.Context, step route.Step) (route.Step, error) {
	body := step.Clone()
	body.Execution = nil
	body.TransactionRequest = nil
	var out route.Step
	if err := c.post(ctx, "/advanced/stepTransaction", body, &out); err != nil {
		return route.Step{}, err
	}
	if out.TransactionRequest == nil || strings.TrimSpace(out.TransactionRequest.To) == "" {
		return route.Step{}, clierr.New(clierr.CodeTransactionUnprepared, "lifi returned no transaction request for step "+step.ID)
	}
	return out, nil
}

type statusTransfer struct {
	TxHash  string       `json:"txHash"`
	TxLink  string       `json:"txLink"`
	Amount  string       `json:"amount"`
	ChainID int64        `json:"chainId"`
	Token   *route.Token `json:"token"`
}

type statusResponse struct {
	Status           string          `json:"status"`
	Substatus        string          `json:"substatus"`
	SubstatusMessage string          `json:"substatusMessage"`
	Sending          statusTransfer  `json:"sending"`
	Receiving        *statusTransfer `json:"receiving"`
}

// GetStatus reports the state of a transfer. An unknown transaction is
// reported as NOT_FOUND rather than as an error.
func (c *Client) GetStatus(ctx context.Context, req execution.StatusRequest) (execution.StatusResponse, error) {
	if strings.TrimSpace(req.TxHash) == "" {
		return execution.StatusResponse{}, clierr.New(clierr.CodeValidation, "status request requires a transaction hash")
	}
	vals := url.Values{}
	vals.Set("txHash", req.TxHash)
	if req.Bridge != "" {
		vals.Set("bridge", req.Bridge)
	}
	if req.FromChainID > 0 {
		vals.Set("fromChain", strconv.FormatInt(req.FromChainID, 10))
	}
	if req.ToChainID > 0 {
		vals.Set("toChain", strconv.FormatInt(req.ToChainID, 10))
	}

	var resp statusResponse
	if err := c.get(ctx, "/status", vals, &resp); err != nil {
		if clierr.CodeOf(err) == clierr.CodeUnsupported {
			return execution.StatusResponse{Status: execution.TransferNotFound}, nil
		}
		return execution.StatusResponse{}, err
	}
	if resp.Status == "" {
		return execution.StatusResponse{}, clierr.New(clierr.CodeServer, "lifi status response missing status")
	}
	out := execution.StatusResponse{
		Status:           resp.Status,
		Substatus:        resp.Substatus,
		SubstatusMessage: resp.SubstatusMessage,
		Sending:          toTransferInfo(resp.Sending),
	}
	if resp.Receiving != nil {
		info := toTransferInfo(*resp.Receiving)
		out.Receiving = &info
	}
	return out, nil
}

func toTransferInfo(t statusTransfer) execution.TransferInfo {
	return execution.TransferInfo{
		ChainID: t.ChainID,
		TxHash:  t.TxHash,
		TxLink:  t.TxLink,
		Amount:  t.Amount,
		Token:   t.Token,
	}
}

type chainPayload struct {
	ID               int64  `json:"id"`
	Key              string `json:"key"`
	Name             string `json:"name"`
	MulticallAddress string `json:"multicallAddress"`
	Metamask         struct {
		BlockExplorerURLs []string `json:"blockExplorerUrls"`
	} `json:"metamask"`
}

// GetChainByID returns chain metadata, served from memory, then the cache,
// then the API.
func (c *Client) GetChainByID(ctx context.Context, chainID int64) (execution.Chain, error) {
	c.mu.Lock()
	if chain, ok := c.chains[chainID]; ok {
		c.mu.Unlock()
		return chain, nil
	}
	c.mu.Unlock()

	chains, err := c.loadChains(ctx)
	if err != nil {
		return execution.Chain{}, err
	}
	chain, ok := chains[chainID]
	if !ok {
		return execution.Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("chain %d is not supported by lifi", chainID))
	}
	return chain, nil
}

func (c *Client) loadChains(ctx context.Context) (map[int64]execution.Chain, error) {
	var payload []chainPayload
	fromCache := false
	if c.cache != nil {
		if _, ok, err := c.cache.GetJSON(chainsCacheKey, 0, &payload); err == nil && ok {
			fromCache = true
		}
	}
	if !fromCache {
		var resp struct {
			Chains []chainPayload `json:"chains"`
		}
		if err := c.get(ctx, "/chains", nil, &resp); err != nil {
			if stale, ok := c.staleChains(); ok {
				payload = stale
			} else {
				return nil, err
			}
		} else {
			payload = resp.Chains
			if c.cache != nil {
				_ = c.cache.SetJSON(chainsCacheKey, payload, c.chainTTL)
			}
		}
	}

	chains := make(map[int64]execution.Chain, len(payload))
	for _, p := range payload {
		chain := execution.Chain{ID: p.ID, Key: p.Key, Name: p.Name, MulticallAddress: p.MulticallAddress}
		if len(p.Metamask.BlockExplorerURLs) > 0 {
			chain.NativeExplorerURL = p.Metamask.BlockExplorerURLs[0]
		}
		chains[p.ID] = chain
	}
	c.mu.Lock()
	c.chains = chains
	c.mu.Unlock()
	return chains, nil
}

// staleChains serves any cached chain list when the API is unreachable.
func (c *Client) staleChains() ([]chainPayload, bool) {
	if c.cache == nil {
		return nil, false
	}
	var payload []chainPayload
	_, ok, err := c.cache.GetJSON(chainsCacheKey, -1, &payload)
	return payload, ok && err == nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var (
	_ execution.QuoteService = (*Client)(nil)
	_ execution.ChainService = (*Client)(nil)
)
