package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/logging"
	"github.com/ggonzalez94/routex/internal/route"
)

const defaultStatusPollInterval = 5 * time.Second

// settlementWaiter polls the status service for a transfer until it reaches a
// terminal state. Concurrent waiters on the same source transaction share one
// poll loop, which is cancelled once the last waiter leaves.
type settlementWaiter struct {
	quotes   QuoteService
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	polls map[string]*settlementPoll
}

type settlementPoll struct {
	// cbMu is held while listeners run so a leaving waiter never races an
	// in-flight callback.
	cbMu      sync.Mutex
	refs      int
	cancel    context.CancelFunc
	done      chan struct{}
	resp      StatusResponse
	err       error
	listeners map[int]func(StatusResponse)
	nextID    int
}

func newSettlementWaiter(quotes QuoteService, interval time.Duration, logger *slog.Logger) *settlementWaiter {
	if interval <= 0 {
		interval = defaultStatusPollInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &settlementWaiter{
		quotes:   quotes,
		interval: interval,
		logger:   logger,
		polls:    map[string]*settlementPoll{},
	}
}

// Wait blocks until the transfer identified by req is DONE, fails, ctx ends,
// or stop is closed. onUpdate receives every non-terminal response.
func (w *settlementWaiter) Wait(ctx context.Context, req StatusRequest, stop <-chan struct{}, onUpdate func(StatusResponse)) (StatusResponse, error) {
	key := strings.ToLower(strings.TrimSpace(req.TxHash))
	if key == "" {
		return StatusResponse{}, clierr.New(clierr.CodeTransactionUnprepared, "missing transaction hash for status polling")
	}

	w.mu.Lock()
	poll, ok := w.polls[key]
	if !ok {
		pctx, cancel := context.WithCancel(context.Background())
		poll = &settlementPoll{cancel: cancel, done: make(chan struct{}), listeners: map[int]func(StatusResponse){}}
		w.polls[key] = poll
		go w.run(pctx, key, req, poll)
	}
	poll.refs++
	id := poll.nextID
	poll.nextID++
	if onUpdate != nil {
		poll.listeners[id] = onUpdate
	}
	w.mu.Unlock()

	leave := func() {
		poll.cbMu.Lock()
		defer poll.cbMu.Unlock()
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(poll.listeners, id)
		poll.refs--
		if poll.refs == 0 {
			poll.cancel()
			if w.polls[key] == poll {
				delete(w.polls, key)
			}
		}
	}

	select {
	case <-poll.done:
		leave()
		return poll.resp, poll.err
	case <-ctx.Done():
		leave()
		return StatusResponse{}, ctx.Err()
	case <-stop:
		leave()
		return StatusResponse{}, errStopped
	}
}

func (w *settlementWaiter) run(ctx context.Context, key string, req StatusRequest, poll *settlementPoll) {
	defer func() {
		w.mu.Lock()
		if w.polls[key] == poll {
			delete(w.polls, key)
		}
		w.mu.Unlock()
		close(poll.done)
	}()

	for {
		resp, err := w.quotes.GetStatus(ctx, req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				poll.err = ctx.Err()
				return
			}
			if !retryableStatusError(err) {
				poll.err = err
				return
			}
			w.logger.Debug("status poll failed", logging.TxHash(req.TxHash), logging.Error(err))
		case resp.Status == TransferDone:
			poll.resp = resp
			return
		case resp.Status == TransferPending || resp.Status == TransferNotFound:
			w.notify(poll, resp)
		default:
			poll.resp = resp
			msg := firstNonEmpty(resp.SubstatusMessage, route.SubstatusMessage(resp.Substatus), "transfer failed")
			poll.err = clierr.New(clierr.CodeTransactionFailed, fmt.Sprintf("transfer %s ended with status %s: %s", req.TxHash, resp.Status, msg)).
				WithHuman("The bridge transfer failed. " + msg)
			return
		}

		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			poll.err = ctx.Err()
			return
		case <-timer.C:
		}
	}
}

func (w *settlementWaiter) notify(poll *settlementPoll, resp StatusResponse) {
	poll.cbMu.Lock()
	defer poll.cbMu.Unlock()
	w.mu.Lock()
	listeners := make([]func(StatusResponse), 0, len(poll.listeners))
	for _, fn := range poll.listeners {
		listeners = append(listeners, fn)
	}
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(resp)
	}
}

func retryableStatusError(err error) bool {
	switch clierr.CodeOf(err) {
	case clierr.CodeValidation, clierr.CodeAuth, clierr.CodeUnsupported:
		return false
	}
	return true
}
