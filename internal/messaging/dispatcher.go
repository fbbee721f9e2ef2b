package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/flow"
	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/store"
)

const (
	// DefaultMailboxSize is the number of events a conversation may have queued; further events are dropped.
	DefaultMailboxSize = 32
	// DefaultMailboxIdle is how long a conversation's worker waits for events before exiting.
	DefaultMailboxIdle = 5 * time.Minute
)

// ErrDispatcherStopped is returned by Kickoff and Cancel once Run has returned.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// task is one unit of work in a conversation's mailbox: an inbound event, or an operator action
// such as a kickoff when fn is set.
type task struct {
	evt models.InboundEvent
	fn  func(ctx context.Context)
}

// mailbox is the FIFO queue of one conversation. pending counts sends in flight so an idle worker
// never exits while a task is on its way.
type mailbox struct {
	ch      chan task
	pending int
	exited  chan struct{}
}

// Dispatcher routes inbound events to the coordinator and delivers the resulting messages.
//
// Each conversation gets its own worker goroutine fed by a mailbox, so events and operator actions
// of one conversation are handled and delivered strictly in order while different conversations
// proceed in parallel.
type Dispatcher struct {
	svc     Service
	coord   *flow.Coordinator
	dedup   store.DedupRepo
	threads store.ThreadRepo
	idle    time.Duration

	mu        sync.Mutex
	base      context.Context
	mailboxes map[string]*mailbox
	closed    bool
	quit      chan struct{}
	wg        sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDedup drops events whose message id was already recorded in repo.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(d *Dispatcher) { d.dedup = repo }
}

// WithThreadRepo records every thread a session starts in.
func WithThreadRepo(repo store.ThreadRepo) DispatcherOption {
	return func(d *Dispatcher) { d.threads = repo }
}

// WithMailboxIdle sets how long an idle conversation worker lives.
func WithMailboxIdle(idle time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.idle = idle }
}

// NewDispatcher creates a dispatcher for svc.
func NewDispatcher(svc Service, coord *flow.Coordinator, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		svc:       svc,
		coord:     coord,
		idle:      DefaultMailboxIdle,
		base:      context.Background(),
		mailboxes: make(map[string]*mailbox),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes the service's events until the channel is closed or ctx is done, then waits for
// every conversation worker to finish its queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher.Run: started", "transport", d.svc.Name())
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()
	events := d.svc.Events()
	defer func() {
		d.closeAll()
		d.wg.Wait()
		slog.Info("Dispatcher.Run: stopped", "transport", d.svc.Name())
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			d.dispatch(evt)
		}
	}
}

// dispatch queues evt on its conversation's mailbox without blocking. A full mailbox drops the
// event so one flooded conversation cannot stall the others.
func (d *Dispatcher) dispatch(evt models.InboundEvent) {
	if evt.ConversationID == "" {
		slog.Warn("Dispatcher.dispatch: event without conversation dropped", "id", evt.ID)
		return
	}
	mb, ok := d.acquire(evt.ConversationID)
	if !ok {
		return
	}
	defer d.releaseSend(mb)
	select {
	case mb.ch <- task{evt: evt}:
	default:
		mailboxOverflows.Inc()
		slog.Warn("Dispatcher.dispatch: mailbox full, event dropped",
			"conversationID", evt.ConversationID, "id", evt.ID, "senderID", evt.Sender.ExternalID)
	}
}

// enqueue blocks until fn is queued on the conversation's mailbox, ctx is done or the dispatcher stops.
func (d *Dispatcher) enqueue(ctx context.Context, conversationID string, fn func(ctx context.Context)) (*mailbox, error) {
	mb, ok := d.acquire(conversationID)
	if !ok {
		return nil, ErrDispatcherStopped
	}
	defer d.releaseSend(mb)
	select {
	case mb.ch <- task{fn: fn}:
		return mb, nil
	case <-d.quit:
		return nil, ErrDispatcherStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call runs fn in the conversation's worker and waits for it to finish.
func (d *Dispatcher) call(ctx context.Context, conversationID string, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	mb, err := d.enqueue(ctx, conversationID, func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.exited:
		// the worker drained its queue on shutdown before fn arrived
		select {
		case <-done:
			return nil
		default:
			return ErrDispatcherStopped
		}
	}
}

// acquire returns the conversation's mailbox, starting a worker if needed, and marks a send in flight.
func (d *Dispatcher) acquire(conversationID string) (*mailbox, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false
	}
	mb, ok := d.mailboxes[conversationID]
	if !ok {
		mb = &mailbox{ch: make(chan task, DefaultMailboxSize), exited: make(chan struct{})}
		d.mailboxes[conversationID] = mb
		d.wg.Add(1)
		activeMailboxes.Inc()
		go d.worker(d.base, conversationID, mb)
	}
	mb.pending++
	return mb, true
}

func (d *Dispatcher) releaseSend(mb *mailbox) {
	d.mu.Lock()
	mb.pending--
	d.mu.Unlock()
}

func (d *Dispatcher) worker(ctx context.Context, conversationID string, mb *mailbox) {
	defer d.wg.Done()
	defer activeMailboxes.Dec()
	defer close(mb.exited)
	timer := time.NewTimer(d.idle)
	defer timer.Stop()
	for {
		select {
		case t := <-mb.ch:
			d.run(ctx, t)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.idle)
		case <-d.quit:
			// finish what is already queued
			for {
				select {
				case t := <-mb.ch:
					d.run(ctx, t)
				default:
					return
				}
			}
		case <-timer.C:
			d.mu.Lock()
			if mb.pending == 0 && len(mb.ch) == 0 && !d.closed {
				delete(d.mailboxes, conversationID)
				d.mu.Unlock()
				slog.Debug("Dispatcher.worker: idle mailbox closed", "conversationID", conversationID)
				return
			}
			d.mu.Unlock()
			timer.Reset(d.idle)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, t task) {
	if t.fn != nil {
		t.fn(ctx)
		return
	}
	d.process(ctx, t.evt)
}

// closeAll stops accepting work; workers finish their queues and exit.
func (d *Dispatcher) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.quit)
	clear(d.mailboxes)
}

func (d *Dispatcher) process(ctx context.Context, evt models.InboundEvent) {
	inboundEvents.WithLabelValues(d.svc.Name(), string(evt.Kind)).Inc()
	if evt.ID != "" && d.dedup != nil {
		fresh, err := d.dedup.RecordInbound(evt.ID, evt.ConversationID)
		switch {
		case err != nil:
			slog.Warn("Dispatcher.process: dedup record failed, processing anyway", "id", evt.ID, "error", err)
		case !fresh:
			inboundDuplicates.Inc()
			slog.Debug("Dispatcher.process: duplicate event dropped", "id", evt.ID, "conversationID", evt.ConversationID)
			return
		default:
			defer func() {
				if err := d.dedup.MarkProcessed(evt.ID); err != nil {
					slog.Warn("Dispatcher.process: mark processed failed", "id", evt.ID, "error", err)
				}
			}()
		}
	}

	switch evt.Kind {
	case models.EventJoined:
		d.recordThread(evt.ConversationID, evt.Title, evt.Sender)
		if _, err := d.kickoff(ctx, evt.ConversationID, evt.Sender); err != nil && !errors.Is(err, flow.ErrNoActiveScenarios) {
			slog.Warn("Dispatcher.process: kickoff on join failed", "conversationID", evt.ConversationID, "error", err)
		}
	default:
		res, err := d.coord.HandleMessage(ctx, evt.Message())
		if err != nil {
			slog.Error("Dispatcher.process: message handling failed", "conversationID", evt.ConversationID,
				"senderID", evt.Sender.ExternalID, "error", err)
			return
		}
		slog.Debug("Dispatcher.process: message handled", "conversationID", evt.ConversationID,
			"senderID", evt.Sender.ExternalID, "disposition", res.Disposition)
		if res.Disposition == flow.DispositionStarted {
			d.recordThread(evt.ConversationID, evt.Title, evt.Sender)
		}
		d.Deliver(ctx, res)
	}
}

// Kickoff starts a session in conversationID with starter as first participant and delivers the
// opening messages. It runs in the conversation's mailbox, so its messages never interleave with
// replies to inbound events. When no scenario is active the thread is told so and
// ErrNoActiveScenarios is returned.
func (d *Dispatcher) Kickoff(ctx context.Context, conversationID string, starter models.Participant) (*flow.Result, error) {
	var (
		res *flow.Result
		err error
	)
	if cerr := d.call(ctx, conversationID, func(wctx context.Context) {
		res, err = d.kickoff(wctx, conversationID, starter)
	}); cerr != nil {
		return nil, cerr
	}
	return res, err
}

func (d *Dispatcher) kickoff(ctx context.Context, conversationID string, starter models.Participant) (*flow.Result, error) {
	res, err := d.coord.Start(ctx, conversationID, starter)
	if errors.Is(err, flow.ErrNoActiveScenarios) {
		slog.Error("Dispatcher.Kickoff: no active scenarios", "conversationID", conversationID)
		d.send(ctx, flow.NotReadyOutbound(conversationID))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	d.recordThread(conversationID, "", starter)
	d.Deliver(ctx, res)
	return res, nil
}

// Cancel ends the conversation's session and delivers the closing message, in mailbox order.
func (d *Dispatcher) Cancel(ctx context.Context, conversationID string) (*flow.Result, error) {
	var (
		res *flow.Result
		err error
	)
	if cerr := d.call(ctx, conversationID, func(wctx context.Context) {
		res, err = d.coord.Cancel(wctx, conversationID)
		if err == nil {
			d.Deliver(wctx, res)
		}
	}); cerr != nil {
		return nil, cerr
	}
	return res, err
}

// Deliver sends the result's messages in order. Send failures are logged and do not stop delivery.
func (d *Dispatcher) Deliver(ctx context.Context, res *flow.Result) {
	if res == nil {
		return
	}
	for _, out := range res.Outbound {
		d.send(ctx, out)
	}
}

func (d *Dispatcher) send(ctx context.Context, out models.Outbound) {
	outboundMessages.WithLabelValues(string(out.Kind)).Inc()
	if err := d.svc.SendMessage(ctx, out); err != nil {
		outboundFailures.Inc()
		slog.Error("Dispatcher.send: delivery failed", "conversationID", out.ConversationID, "kind", out.Kind, "error", err)
	}
}

// recordThread upserts the thread, keeping a previously known title when none is given.
func (d *Dispatcher) recordThread(conversationID, title string, starter models.Participant) {
	if d.threads == nil {
		return
	}
	if title == "" {
		if existing, err := d.threads.GetThread(conversationID); err == nil && existing != nil {
			title = existing.Title
		}
	}
	err := d.threads.SaveThread(models.Thread{
		ConversationID: conversationID,
		Transport:      d.svc.Name(),
		Title:          title,
		StarterID:      starter.ExternalID,
		StarterName:    starter.DisplayName,
	})
	if err != nil {
		slog.Warn("Dispatcher.recordThread: save failed", "conversationID", conversationID, "error", err)
	}
}
