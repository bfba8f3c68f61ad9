package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/logging"
	"github.com/ggonzalez94/routex/internal/route"
)

// ExecutionSettings are chosen per route when it is started.
type ExecutionSettings struct {
	// UpdateCallback receives a deep copy of the route after every state
	// change.
	UpdateCallback      func(route.Route)
	InfiniteApproval    bool
	ExecuteInBackground bool
}

type UpdateOptions struct {
	ExecuteInBackground bool
}

type EngineConfig struct {
	Quotes                   QuoteService
	Chains                   ChainService
	Multisig                 MultisigTracker
	SwitchChain              ChainSwitcher
	AcceptExchangeRate       ExchangeRateAcceptor
	UpdateTransactionRequest TransactionRequestUpdater
	Store                    RouteStore
	Logger                   *slog.Logger
	Now                      func() time.Time
	StatusPollInterval       time.Duration
	BalanceRetryDelay        time.Duration
}

// Engine runs routes. A route id has at most one active execution.
type Engine struct {
	env   *stepEnv
	store RouteStore
	now   func() time.Time

	mu     sync.Mutex
	active map[string]*activeRoute
	parked map[string]*parkedRoute
	// generation counts the runs started per route id. Only the latest run
	// writes to the store.
	generation map[string]uint64
	persistMu  sync.Mutex
}

type activeRoute struct {
	generation uint64

	mu        sync.Mutex
	snapshot  route.Route
	executors []*StepExecutor
	settings  ExecutionSettings
	stopped   bool
	run       *RouteRun
}

// parkedRoute is a route that deferred at an interaction checkpoint while
// running in the background.
type parkedRoute struct {
	ctx      context.Context
	client   Client
	route    route.Route
	settings ExecutionSettings
}

// RouteRun is the in-flight execution of a route.
type RouteRun struct {
	routeID string
	done    chan struct{}
	result  route.Route
	err     error
}

func (r *RouteRun) RouteID() string { return r.routeID }

func (r *RouteRun) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns the final route snapshot.
func (r *RouteRun) Wait(ctx context.Context) (route.Route, error) {
	select {
	case <-r.done:
		return r.result.Clone(), r.err
	case <-ctx.Done():
		return route.Route{}, ctx.Err()
	}
}

func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		env: &stepEnv{
			quotes:            cfg.Quotes,
			chains:            cfg.Chains,
			multisig:          cfg.Multisig,
			switcher:          cfg.SwitchChain,
			acceptor:          cfg.AcceptExchangeRate,
			txUpdater:         cfg.UpdateTransactionRequest,
			settlement:        newSettlementWaiter(cfg.Quotes, cfg.StatusPollInterval, logger),
			logger:            logger,
			balanceRetryDelay: cfg.BalanceRetryDelay,
		},
		store:  cfg.Store,
		now:    now,
		active:     map[string]*activeRoute{},
		parked:     map[string]*parkedRoute{},
		generation: map[string]uint64{},
	}
}

// ExecuteRoute starts r, or returns the run already executing r.ID.
func (e *Engine) ExecuteRoute(ctx context.Context, client Client, r route.Route, settings ExecutionSettings) *RouteRun {
	return e.start(ctx, client, r, settings, false)
}

// ResumeRoute restarts a stopped, failed or persisted route. Processes that
// are neither done nor tracking a live transaction are rebuilt.
func (e *Engine) ResumeRoute(ctx context.Context, client Client, r route.Route, settings ExecutionSettings) *RouteRun {
	return e.start(ctx, client, r, settings, true)
}

func (e *Engine) start(ctx context.Context, client Client, r route.Route, settings ExecutionSettings, resume bool) *RouteRun {
	if err := r.Validate(); err != nil {
		run := &RouteRun{routeID: r.ID, done: make(chan struct{}), result: r.Clone(), err: err}
		close(run.done)
		return run
	}

	e.mu.Lock()
	if a, ok := e.active[r.ID]; ok {
		e.mu.Unlock()
		return a.run
	}
	working := r.Clone()
	if resume {
		prepareRestart(&working)
	}
	e.generation[r.ID]++
	a := &activeRoute{
		generation: e.generation[r.ID],
		snapshot:   working.Clone(),
		settings:   settings,
		run:        &RouteRun{routeID: r.ID, done: make(chan struct{})},
	}
	e.active[r.ID] = a
	delete(e.parked, r.ID)
	e.mu.Unlock()

	go e.runRoute(ctx, client, working, a)
	return a.run
}

func (e *Engine) runRoute(ctx context.Context, client Client, r route.Route, a *activeRoute) {
	log := e.env.logger.With(logging.RouteID(r.ID))
	sm := NewStatusManager(r, a.settings.UpdateCallback, e.onRouteUpdate(a), e.now)
	var (
		runErr error
		parked bool
	)

	for i := range r.Steps {
		if a.isStopped() {
			break
		}
		step := sm.Step(i)
		if step.Execution != nil && step.Execution.Status == route.StatusDone {
			continue
		}
		if i > 0 {
			propagateAmount(sm, sm.Step(i-1), &step)
		}

		exec := newStepExecutor(e.env, sm, a.settings)
		if !a.addExecutor(exec) {
			break
		}
		log.Info("executing step", logging.StepID(step.ID), logging.ProcessType(string(step.PrimaryProcessType())))
		updated, err := exec.ExecuteStep(ctx, client, &step)
		if err != nil {
			runErr = err
			break
		}
		if updated.Execution == nil || updated.Execution.Status != route.StatusDone {
			parked = !a.isStopped()
			log.Info("step deferred", logging.StepID(step.ID))
			break
		}
		if c := exec.Client(); c != nil {
			client = c
		}
	}

	final := sm.Route()
	e.persistRun(a, final)

	e.mu.Lock()
	if e.active[r.ID] == a {
		delete(e.active, r.ID)
	}
	if parked && runErr == nil {
		e.parked[r.ID] = &parkedRoute{ctx: ctx, client: client, route: final.Clone(), settings: a.settings}
	}
	e.mu.Unlock()

	a.run.result = final
	a.run.err = runErr
	close(a.run.done)
	if runErr != nil {
		log.Warn("route failed", logging.Error(runErr))
	} else {
		log.Info("route returned", logging.Status(string(final.Status())))
	}
}

// StopRouteExecution stops r cooperatively and evicts it from the registry.
// The returned snapshot is the route as last known.
func (e *Engine) StopRouteExecution(routeID string) (route.Route, bool) {
	e.mu.Lock()
	a, ok := e.active[routeID]
	if ok {
		delete(e.active, routeID)
	}
	p, wasParked := e.parked[routeID]
	delete(e.parked, routeID)
	e.mu.Unlock()

	switch {
	case ok:
		a.stop()
		return a.route(), true
	case wasParked:
		return p.route.Clone(), true
	}
	return route.Route{}, false
}

// UpdateRouteExecution toggles background execution of a route. Bringing a
// parked route to the foreground resumes it.
func (e *Engine) UpdateRouteExecution(routeID string, opts UpdateOptions) *RouteRun {
	e.mu.Lock()
	if a, ok := e.active[routeID]; ok {
		e.mu.Unlock()
		a.setBackground(opts.ExecuteInBackground)
		return a.run
	}
	p, ok := e.parked[routeID]
	if !ok || opts.ExecuteInBackground {
		if ok {
			p.settings.ExecuteInBackground = true
		}
		e.mu.Unlock()
		return nil
	}
	delete(e.parked, routeID)
	e.mu.Unlock()

	settings := p.settings
	settings.ExecuteInBackground = false
	return e.ResumeRoute(p.ctx, p.client, p.route, settings)
}

// GetActiveRoute returns a snapshot of an executing route.
func (e *Engine) GetActiveRoute(routeID string) (route.Route, bool) {
	e.mu.Lock()
	a, ok := e.active[routeID]
	e.mu.Unlock()
	if !ok {
		return route.Route{}, false
	}
	return a.route(), true
}

func (e *Engine) GetActiveRoutes() []route.Route {
	e.mu.Lock()
	list := make([]*activeRoute, 0, len(e.active))
	for _, a := range e.active {
		list = append(list, a)
	}
	e.mu.Unlock()
	out := make([]route.Route, 0, len(list))
	for _, a := range list {
		out = append(out, a.route())
	}
	return out
}

func (e *Engine) onRouteUpdate(a *activeRoute) func(route.Route) {
	return func(r route.Route) {
		a.mu.Lock()
		a.snapshot = r
		a.mu.Unlock()
		e.persistRun(a, r)
	}
}

// persistRun saves r unless a newer run of the same route was started since
// a, so a stopped run finishing late cannot overwrite its successor's state.
func (e *Engine) persistRun(a *activeRoute, r route.Route) {
	if e.store == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.mu.Lock()
	latest := e.generation[r.ID] == a.generation
	e.mu.Unlock()
	if !latest {
		e.env.logger.Debug("dropping update of superseded run", logging.RouteID(r.ID))
		return
	}
	if err := e.store.Save(r); err != nil {
		e.env.logger.Warn("persist route failed", logging.RouteID(r.ID), logging.Error(err))
	}
}

func (a *activeRoute) route() route.Route {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot.Clone()
}

func (a *activeRoute) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// addExecutor registers exec with the current interaction settings and
// reports false when the route was stopped meanwhile.
func (a *activeRoute) addExecutor(exec *StepExecutor) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	exec.SetInteraction(InteractionSettings{
		AllowInteraction: !a.settings.ExecuteInBackground,
		AllowUpdates:     true,
	})
	a.executors = append(a.executors, exec)
	return true
}

func (a *activeRoute) stop() {
	a.mu.Lock()
	a.stopped = true
	executors := append([]*StepExecutor(nil), a.executors...)
	a.mu.Unlock()
	for _, exec := range executors {
		exec.SetInteraction(InteractionSettings{StopExecution: true})
	}
}

func (a *activeRoute) setBackground(background bool) {
	a.mu.Lock()
	a.settings.ExecuteInBackground = background
	executors := append([]*StepExecutor(nil), a.executors...)
	a.mu.Unlock()
	for _, exec := range executors {
		exec.SetInteraction(InteractionSettings{AllowInteraction: !background, AllowUpdates: true})
	}
}

// propagateAmount feeds the realized output of prev into step when step has
// not submitted anything yet.
func propagateAmount(sm *StatusManager, prev route.Step, step *route.Step) {
	if prev.Execution == nil || prev.Execution.ToAmount == "" {
		return
	}
	if p := step.Execution.ProcessOf(step.PrimaryProcessType()); p != nil && (p.TxHash != "" || p.MultisigTxHash != "") {
		return
	}
	if step.Action.FromAmount == prev.Execution.ToAmount {
		return
	}
	sm.UpdateStepAmount(step, prev.Execution.ToAmount)
}

// prepareRestart drops state that must be rebuilt before a route runs again:
// processes that are neither done nor tracking a live transaction, and
// prepared transactions of steps that have not submitted one.
func prepareRestart(r *route.Route) {
	for i := range r.Steps {
		step := &r.Steps[i]
		exec := step.Execution
		if exec == nil || exec.Status == route.StatusDone {
			continue
		}
		kept := exec.Process[:0]
		for _, p := range exec.Process {
			if p.Status == route.StatusDone || tracksLiveTransaction(p) {
				kept = append(kept, p)
			}
		}
		exec.Process = kept
		if p := exec.ProcessOf(step.PrimaryProcessType()); p == nil || (p.TxHash == "" && p.MultisigTxHash == "") {
			step.TransactionRequest = nil
		}
	}
}

// tracksLiveTransaction reports whether p holds a submitted transaction whose
// outcome is still unknown.
func tracksLiveTransaction(p route.Process) bool {
	if p.TxHash == "" && p.MultisigTxHash == "" {
		return false
	}
	if p.Status != route.StatusFailed || p.Error == nil {
		return p.Status != route.StatusCancelled
	}
	switch p.Error.Code {
	case clierr.CodeTransactionFailed.String(), clierr.CodeTransactionCanceled.String():
		return false
	}
	return true
}
