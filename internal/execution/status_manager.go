package execution

import (
	"fmt"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/route"
)

// Receipt carries the realized amounts of a settled step.
type Receipt struct {
	FromAmount string
	ToAmount   string
	ToToken    *route.Token
}

// StatusManager is the only writer of a route's execution state. Every
// mutation is spliced back into the owned route and announced to both the
// caller's update callback and the engine's internal callback.
type StatusManager struct {
	mu           sync.Mutex
	notifyMu     sync.Mutex
	route        route.Route
	onUpdate     func(route.Route)
	internal     func(route.Route)
	shouldUpdate bool
	now          func() time.Time
}

func NewStatusManager(r route.Route, onUpdate, internal func(route.Route), now func() time.Time) *StatusManager {
	if now == nil {
		now = time.Now
	}
	return &StatusManager{
		route:        r.Clone(),
		onUpdate:     onUpdate,
		internal:     internal,
		shouldUpdate: true,
		now:          now,
	}
}

// SetShouldUpdate mutes or unmutes the caller's update callback. State keeps
// changing while muted.
func (m *StatusManager) SetShouldUpdate(v bool) {
	m.mu.Lock()
	m.shouldUpdate = v
	m.mu.Unlock()
}

// Route returns a deep copy of the current route.
func (m *StatusManager) Route() route.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route.Clone()
}

// Step returns a working copy of the step at index i.
func (m *StatusManager) Step(i int) route.Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route.Steps[i].Clone()
}

func (m *StatusManager) InitExecution(step *route.Step) *route.Execution {
	m.mu.Lock()
	if step.Execution != nil {
		m.mu.Unlock()
		return step.Execution
	}
	step.Execution = &route.Execution{
		Status:    route.StatusStarted,
		Process:   []route.Process{},
		StartedAt: m.nowMillis(),
	}
	m.mu.Unlock()
	m.commit(step)
	return step.Execution
}

func (m *StatusManager) UpdateExecution(step *route.Step, status route.Status, receipt *Receipt) error {
	m.mu.Lock()
	if step.Execution == nil {
		m.mu.Unlock()
		return clierr.New(clierr.CodeValidation, fmt.Sprintf("can't update execution of step %s: execution not initialized", step.ID))
	}
	step.Execution.Status = status
	if status == route.StatusDone {
		step.Execution.DoneAt = m.nowMillis()
	}
	if receipt != nil {
		if receipt.FromAmount != "" {
			step.Execution.FromAmount = receipt.FromAmount
		}
		if receipt.ToAmount != "" {
			step.Execution.ToAmount = receipt.ToAmount
		}
		if receipt.ToToken != nil {
			tok := *receipt.ToToken
			step.Execution.ToToken = &tok
		}
	}
	m.mu.Unlock()
	m.commit(step)
	return nil
}

// FindOrCreateProcess returns the process of the given type, creating it in
// status (STARTED when empty) if absent. Finding an existing process does not
// notify.
func (m *StatusManager) FindOrCreateProcess(step *route.Step, t route.ProcessType, status route.Status) route.Process {
	if step.Execution == nil {
		m.InitExecution(step)
	}
	m.mu.Lock()
	if p := step.Execution.ProcessOf(t); p != nil {
		out := p.Clone()
		m.mu.Unlock()
		return out
	}
	if status == "" {
		status = route.StatusStarted
	}
	p := route.Process{
		Type:      t,
		Status:    status,
		Message:   route.ProcessMessage(t, status),
		StartedAt: m.nowMillis(),
	}
	step.Execution.Process = append(step.Execution.Process, p)
	m.mu.Unlock()
	m.commit(step)
	return p.Clone()
}

// UpdateProcess moves a process to status and merges params over it. Illegal
// transitions are rejected and leave the process untouched.
func (m *StatusManager) UpdateProcess(step *route.Step, t route.ProcessType, status route.Status, params ...route.ProcessParams) (route.Process, error) {
	m.mu.Lock()
	p := step.Execution.ProcessOf(t)
	if p == nil {
		m.mu.Unlock()
		return route.Process{}, clierr.New(clierr.CodeValidation, fmt.Sprintf("can't find process %s on step %s", t, step.ID))
	}
	if !route.CanTransition(p.Status, status) {
		from := p.Status
		m.mu.Unlock()
		return route.Process{}, clierr.New(clierr.CodeValidation, fmt.Sprintf("illegal %s transition %s -> %s on step %s", t, from, status, step.ID))
	}
	if p.Status == route.StatusFailed && status != route.StatusFailed {
		p.Error = nil
		p.FailedAt = 0
		p.DoneAt = 0
	}
	if p.Status != status {
		p.Message = route.ProcessMessage(t, status)
	}
	p.Status = status
	switch status {
	case route.StatusFailed:
		now := m.nowMillis()
		p.DoneAt = now
		p.FailedAt = now
	case route.StatusDone, route.StatusCancelled:
		p.DoneAt = m.nowMillis()
	}
	p.Apply(params...)
	out := p.Clone()
	m.mu.Unlock()
	m.commit(step)
	return out, nil
}

func (m *StatusManager) RemoveProcess(step *route.Step, t route.ProcessType) error {
	m.mu.Lock()
	if step.Execution == nil {
		m.mu.Unlock()
		return clierr.New(clierr.CodeValidation, fmt.Sprintf("can't remove process from step %s: execution not initialized", step.ID))
	}
	i, ok := step.Execution.Find(t)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	step.Execution.Process = append(step.Execution.Process[:i], step.Execution.Process[i+1:]...)
	m.mu.Unlock()
	m.commit(step)
	return nil
}

// UpdateStepAmount sets the amount the step transfers. A prepared transaction
// was built for the old amount, so it is dropped.
func (m *StatusManager) UpdateStepAmount(step *route.Step, amount string) {
	m.mu.Lock()
	step.Action.FromAmount = amount
	step.TransactionRequest = nil
	m.mu.Unlock()
	m.commit(step)
}

// UpdateStep publishes changes the step's owner made outside the process and
// execution vocabulary, such as a refreshed quote.
func (m *StatusManager) UpdateStep(step *route.Step) {
	m.commit(step)
}

func (m *StatusManager) commit(step *route.Step) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if i := m.route.StepIndex(step.ID); i >= 0 {
		m.route.Steps[i] = step.Clone()
	}
	notifyCaller := m.shouldUpdate && m.onUpdate != nil
	var forCaller, forEngine route.Route
	if notifyCaller {
		forCaller = m.route.Clone()
	}
	if m.internal != nil {
		forEngine = m.route.Clone()
	}
	m.mu.Unlock()

	if notifyCaller {
		m.onUpdate(forCaller)
	}
	if m.internal != nil {
		m.internal(forEngine)
	}
}

func (m *StatusManager) nowMillis() int64 {
	return m.now().UnixMilli()
}
