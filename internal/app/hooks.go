package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/execution/evm"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/route"
	"github.com/ggonzalez94/routex/internal/units"
)

// chainDialer opens a signing client per chain. It backs the engine's chain
// switch hook, so a route can move across chains in one run.
type chainDialer struct {
	state  *runtimeState
	signer signer.Signer
}

func (d *chainDialer) SwitchChain(ctx context.Context, chainID int64) (execution.Client, error) {
	c, err := d.dial(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *chainDialer) dial(ctx context.Context, chainID int64) (*evm.Client, error) {
	rpcURL, err := registry.ResolveRPCURL(d.state.settings.RPCURL(chainID), chainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnsupported, "resolve rpc url", err)
	}
	c, err := evm.Dial(ctx, rpcURL, d.signer, d.options())
	if err != nil {
		return nil, err
	}
	got, err := c.ChainID(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	if got != chainID {
		c.Close()
		return nil, clierr.New(clierr.CodeChainSwitch, fmt.Sprintf("rpc for chain %d reports chain %d", chainID, got))
	}
	d.state.clients = append(d.state.clients, c)
	return c, nil
}

func (d *chainDialer) options() evm.Options {
	s := d.state.settings
	return evm.Options{
		Simulate:            s.Simulate,
		GasMultiplier:       s.GasMultiplier,
		MaxFeeGwei:          s.MaxFeeGwei,
		MaxPriorityFeeGwei:  s.MaxPriorityFeeGwei,
		ReceiptPollInterval: s.ReceiptPollInterval,
		ReceiptTimeout:      s.ReceiptTimeout,
	}
}

// ratePrompt asks on the terminal before continuing with a worse quote.
type ratePrompt struct {
	mu         sync.Mutex
	in         *bufio.Reader
	out        io.Writer
	autoAccept bool
}

func (p *ratePrompt) AcceptExchangeRate(ctx context.Context, change execution.RateChange) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	decimals := change.ToToken.Decimals
	_, _ = fmt.Fprintf(p.out, "%s exchange rate changed for step %s: %s -> %s %s (minimum %s)\n",
		color.YellowString("!"),
		change.StepID,
		units.FormatDecimal(change.OldToAmount, decimals),
		units.FormatDecimal(change.NewToAmount, decimals),
		change.ToToken.Symbol,
		units.FormatDecimal(change.NewToAmountMin, decimals),
	)
	if p.autoAccept {
		_, _ = fmt.Fprintln(p.out, "  accepted (--yes)")
		return true, nil
	}
	_, _ = fmt.Fprint(p.out, "Continue with the new rate? (y/N): ")

	answer := make(chan string, 1)
	go func() {
		line, _ := p.in.ReadString('\n')
		answer <- line
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

// progressPrinter writes one line per process state change.
type progressPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	seen map[string]string
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, seen: map[string]string{}}
}

func (p *progressPrinter) Update(r route.Route) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, step := range r.Steps {
		if step.Execution == nil {
			continue
		}
		for _, proc := range step.Execution.Process {
			key := step.ID + "/" + string(proc.Type)
			mark := string(proc.Status) + "|" + proc.TxHash + "|" + proc.Substatus
			if p.seen[key] == mark {
				continue
			}
			p.seen[key] = mark

			line := fmt.Sprintf("%s %-16s %s", statusLabel(proc.Status), proc.Type, step.Tool)
			if proc.Message != "" {
				line += ": " + proc.Message
			}
			if proc.TxLink != "" {
				line += " " + color.HiBlackString(proc.TxLink)
			}
			if proc.Error != nil {
				line += " " + color.RedString(proc.Error.Message)
			}
			_, _ = fmt.Fprintln(p.w, line)
		}
	}
}

func (p *progressPrinter) Notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, color.YellowString(msg))
}

func statusLabel(s route.Status) string {
	label := fmt.Sprintf("%-16s", s)
	switch s {
	case route.StatusDone:
		return color.GreenString(label)
	case route.StatusFailed, route.StatusCancelled:
		return color.RedString(label)
	case route.StatusActionRequired, route.StatusMessageRequired, route.StatusResetRequired:
		return color.YellowString(label)
	default:
		return color.CyanString(label)
	}
}

// stopOnInterrupt stops the route at its next checkpoint on the first
// interrupt and aborts in-flight calls on the second.
func stopOnInterrupt(engine *execution.Engine, run *execution.RouteRun, cancel context.CancelFunc, progress *progressPrinter) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
		case <-run.Done():
			return
		}
		progress.Notice("stopping after the current operation; interrupt again to abort")
		engine.StopRouteExecution(run.RouteID())
		select {
		case <-sigs:
			cancel()
		case <-run.Done():
		}
	}()
	return func() { signal.Stop(sigs) }
}
