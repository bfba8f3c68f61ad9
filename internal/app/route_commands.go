package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers/lifi"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/route"
	"github.com/ggonzalez94/routex/internal/units"
	"github.com/ggonzalez94/routex/internal/version"
)

type quoteFlags struct {
	fromChain   string
	toChain     string
	fromToken   string
	toToken     string
	amount      string
	decimals    int
	fromAddress string
	toAddress   string
	slippage    float64
}

func (q *quoteFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&q.fromChain, "from-chain", "", "Source chain (name, id or eip155:<id>)")
	fs.StringVar(&q.toChain, "to-chain", "", "Destination chain (name, id or eip155:<id>)")
	fs.StringVar(&q.fromToken, "from-token", "", "Source token address or symbol")
	fs.StringVar(&q.toToken, "to-token", "", "Destination token address or symbol")
	fs.StringVar(&q.amount, "amount", "", "Amount in source token base units, or a decimal amount with --decimals")
	fs.IntVar(&q.decimals, "decimals", 0, "Source token decimals when --amount is a decimal amount")
	fs.StringVar(&q.fromAddress, "from-address", "", "Sender address")
	fs.StringVar(&q.toAddress, "to-address", "", "Recipient address (defaults to sender)")
	fs.Float64Var(&q.slippage, "slippage", 0.005, "Max slippage as a fraction (0.005 = 0.5%)")
}

func (q quoteFlags) request() (lifi.QuoteRequest, error) {
	fromChain, err := registry.ParseChainID(q.fromChain)
	if err != nil {
		return lifi.QuoteRequest{}, err
	}
	toChain, err := registry.ParseChainID(q.toChain)
	if err != nil {
		return lifi.QuoteRequest{}, err
	}
	baseUnits := q.amount
	if q.decimals > 0 {
		if baseUnits, err = units.DecimalToBaseUnits(q.amount, q.decimals); err != nil {
			return lifi.QuoteRequest{}, err
		}
	}
	amount, err := units.ParseBaseUnits(baseUnits)
	if err != nil {
		return lifi.QuoteRequest{}, err
	}
	if amount.Sign() == 0 {
		return lifi.QuoteRequest{}, clierr.New(clierr.CodeValidation, "amount must be positive")
	}
	return lifi.QuoteRequest{
		FromChainID: fromChain,
		ToChainID:   toChain,
		FromToken:   strings.TrimSpace(q.fromToken),
		ToToken:     strings.TrimSpace(q.toToken),
		FromAmount:  amount.String(),
		FromAddress: strings.TrimSpace(q.fromAddress),
		ToAddress:   strings.TrimSpace(q.toAddress),
		Slippage:    q.slippage,
	}, nil
}

type execFlags struct {
	privateKey       string
	keySource        string
	rpcURLs          map[string]string
	infiniteApproval bool
	background       bool
	yes              bool
}

func (e *execFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&e.privateKey, "private-key", "", "Hex private key (overrides key source)")
	fs.StringVar(&e.keySource, "key-source", "", "Key source (auto|env|file|keystore)")
	fs.StringToStringVar(&e.rpcURLs, "rpc-url", nil, "RPC URL per chain, e.g. base=https://... (repeatable)")
	fs.BoolVar(&e.infiniteApproval, "infinite-approval", false, "Approve the maximum amount instead of the step amount")
	fs.BoolVar(&e.background, "background", false, "Never prompt; stop at steps that need user action")
	fs.BoolVar(&e.yes, "yes", false, "Accept exchange rate changes without prompting")
}

// apply folds the execution flags into the loaded settings and loads the
// signer.
func (e execFlags) apply(s *runtimeState) (*signer.LocalSigner, error) {
	for chain, rpcURL := range e.rpcURLs {
		chainID, err := registry.ParseChainID(chain)
		if err != nil {
			return nil, err
		}
		if s.settings.RPCURLs == nil {
			s.settings.RPCURLs = map[int64]string{}
		}
		s.settings.RPCURLs[chainID] = strings.TrimSpace(rpcURL)
	}
	source := s.settings.KeySource
	if strings.TrimSpace(e.keySource) != "" {
		source = e.keySource
	}
	return signer.Load(source, e.privateKey)
}

// loadRouteFile reads a route document. A document without an id gets a
// fresh one.
func loadRouteFile(path string) (route.Route, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return route.Route{}, clierr.Wrap(clierr.CodeValidation, "read route file", err)
	}
	var r route.Route
	if err := json.Unmarshal(buf, &r); err != nil {
		return route.Route{}, clierr.Wrap(clierr.CodeValidation, "parse route file", err)
	}
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	if err := r.Validate(); err != nil {
		return route.Route{}, err
	}
	return r, nil
}

// fetchQuote asks LI.FI for a route and stores it under a fresh id.
func (s *runtimeState) fetchQuote(q quoteFlags) (route.Route, error) {
	req, err := q.request()
	if err != nil {
		return route.Route{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	r, err := s.ensureQuotes().GetQuote(ctx, uuid.NewString(), req)
	if err != nil {
		return route.Route{}, err
	}
	if err := s.store.Save(r); err != nil {
		return route.Route{}, clierr.Wrap(clierr.CodeUnknown, "persist quoted route", err)
	}
	return r, nil
}

// fetchRoutes stores every multi-step candidate LI.FI returns.
func (s *runtimeState) fetchRoutes(q quoteFlags) ([]route.Route, error) {
	req, err := q.request()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	routes, err := s.ensureQuotes().GetRoutes(ctx, req)
	if err != nil {
		return nil, err
	}
	for i := range routes {
		if strings.TrimSpace(routes[i].ID) == "" {
			routes[i].ID = uuid.NewString()
		}
		if err := s.store.Save(routes[i]); err != nil {
			return nil, clierr.Wrap(clierr.CodeUnknown, "persist quoted route", err)
		}
	}
	return routes, nil
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var q quoteFlags
	var all bool
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Fetch and store a route quote",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.ensureStore(); err != nil {
				return err
			}
			if all {
				routes, err := s.fetchRoutes(q)
				if err != nil {
					return err
				}
				summaries := make([]model.RouteSummary, 0, len(routes))
				for _, r := range routes {
					summaries = append(summaries, model.SummarizeRoute(r))
				}
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), summaries, nil)
			}
			r, err := s.fetchQuote(q)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), r, nil)
		},
	}
	q.register(cmd.Flags())
	cmd.Flags().BoolVar(&all, "all", false, "Store and list every multi-step route candidate")
	for _, name := range []string{"from-chain", "to-chain", "from-token", "to-token", "amount", "from-address"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var q quoteFlags
	var e execFlags
	var routeFile string
	cmd := &cobra.Command{
		Use:   "run [route-id]",
		Short: "Execute a stored route, a route file, or a fresh quote",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && routeFile != "" {
				return clierr.New(clierr.CodeValidation, "use either a route id or --route-file")
			}
			if err := s.ensureStore(); err != nil {
				return err
			}
			txSigner, err := e.apply(s)
			if err != nil {
				return err
			}
			var r route.Route
			switch {
			case len(args) == 1:
				r, err = s.store.Get(args[0])
			case routeFile != "":
				r, err = loadRouteFile(routeFile)
				if err == nil {
					err = s.store.Save(r)
				}
			default:
				if q.fromAddress == "" {
					q.fromAddress = txSigner.Address().Hex()
				}
				r, err = s.fetchQuote(q)
			}
			if err != nil {
				return err
			}
			return s.executeRoute(trimRootPath(cmd.CommandPath()), r, txSigner, e, false)
		},
	}
	q.register(cmd.Flags())
	e.register(cmd.Flags())
	cmd.Flags().StringVar(&routeFile, "route-file", "", "Path to a route JSON document")
	return cmd
}

func (s *runtimeState) newResumeCommand() *cobra.Command {
	var e execFlags
	cmd := &cobra.Command{
		Use:   "resume <route-id>",
		Short: "Resume a stopped, failed or interrupted route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureStore(); err != nil {
				return err
			}
			r, err := s.store.Get(args[0])
			if err != nil {
				return err
			}
			if r.Status() == route.StatusDone {
				return clierr.New(clierr.CodeValidation, fmt.Sprintf("route %s is already done", r.ID))
			}
			txSigner, err := e.apply(s)
			if err != nil {
				return err
			}
			return s.executeRoute(trimRootPath(cmd.CommandPath()), r, txSigner, e, true)
		},
	}
	e.register(cmd.Flags())
	return cmd
}

func (s *runtimeState) executeRoute(commandPath string, r route.Route, txSigner signer.Signer, e execFlags, resume bool) error {
	if r.FromAddress != "" && !strings.EqualFold(r.FromAddress, txSigner.Address().Hex()) {
		return clierr.New(clierr.CodeAuth, "signer address does not match the route sender")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &chainDialer{state: s, signer: txSigner}
	client, err := dialer.dial(ctx, startChain(r))
	if err != nil {
		return err
	}
	quotes := s.ensureQuotes()
	progress := newProgressPrinter(s.runner.stderr)
	engine := execution.NewEngine(execution.EngineConfig{
		Quotes:             quotes,
		Chains:             quotes,
		SwitchChain:        dialer,
		AcceptExchangeRate: &ratePrompt{in: bufio.NewReader(s.runner.stdin), out: s.runner.stderr, autoAccept: e.yes},
		Store:              s.store,
		Logger:             s.logger,
		Now:                s.runner.now,
		StatusPollInterval: s.settings.StatusPollInterval,
	})
	settings := execution.ExecutionSettings{
		UpdateCallback:      progress.Update,
		InfiniteApproval:    s.settings.InfiniteApproval || e.infiniteApproval,
		ExecuteInBackground: e.background,
	}

	var run *execution.RouteRun
	if resume {
		run = engine.ResumeRoute(ctx, client, r, settings)
	} else {
		run = engine.ExecuteRoute(ctx, client, r, settings)
	}
	release := stopOnInterrupt(engine, run, cancel, progress)
	final, err := run.Wait(context.Background())
	release()
	if err != nil {
		return err
	}

	var warnings []string
	if status := final.Status(); status != route.StatusDone {
		warnings = append(warnings, fmt.Sprintf("route %s is %s; continue with `%s resume %s`", final.ID, status, version.CLIName, final.ID))
	}
	return s.emitSuccess(commandPath, final, warnings)
}

// startChain is the source chain of the first step that still has work.
func startChain(r route.Route) int64 {
	for _, step := range r.Steps {
		if step.Execution == nil || step.Execution.Status != route.StatusDone {
			return step.Action.FromChainID
		}
	}
	return r.FromChainID
}

func (s *runtimeState) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <route-id>",
		Short: "Show the stored state of a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureStore(); err != nil {
				return err
			}
			r, err := s.store.Get(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), r, nil)
		},
	}
}

func (s *runtimeState) newListCommand() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored routes, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.ensureStore(); err != nil {
				return err
			}
			routes, err := s.store.List(status, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnknown, "list routes", err)
			}
			summaries := make([]model.RouteSummary, 0, len(routes))
			for _, r := range routes {
				summaries = append(summaries, model.SummarizeRoute(r))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), summaries, nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by route status (e.g. DONE, FAILED, PENDING)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum routes to return")
	return cmd
}

func (s *runtimeState) newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <route-id>",
		Short: "Remove a route from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureStore(); err != nil {
				return err
			}
			if err := s.store.Delete(args[0]); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]string{"id": args[0]}, nil)
		},
	}
}
