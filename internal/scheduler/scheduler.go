// Package scheduler provides cron scheduling for DuetPipe.
//
// It is used to start a fresh reflection session in every known thread on a schedule.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/flow"
	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/robfig/cron/v3"
)

// standard 5-field cron parser (min, hour, dom, month, dow)
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Panicking jobs are recovered and logged.
func NewScheduler() *Scheduler {
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// Validate reports whether expr is a valid schedule.
func Validate(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ThreadLister lists the threads sessions have been started in.
type ThreadLister interface {
	ListThreads() ([]models.Thread, error)
}

// ActiveSessions reports conversations with a live session.
type ActiveSessions interface {
	ActiveConversations() []string
}

// SessionStarter starts a session and delivers its opening messages.
type SessionStarter interface {
	Kickoff(ctx context.Context, conversationID string, starter models.Participant) (*flow.Result, error)
}

// KickoffJob starts a session in every known thread of one transport that has none running.
// The thread's last starter becomes the first participant.
type KickoffJob struct {
	Transport string
	Threads   ThreadLister
	Sessions  ActiveSessions
	Starter   SessionStarter
	Timeout   time.Duration
}

// Run performs one kickoff round and returns how many sessions it started.
func (k *KickoffJob) Run(ctx context.Context) (int, error) {
	threads, err := k.Threads.ListThreads()
	if err != nil {
		return 0, err
	}
	active := make(map[string]bool)
	for _, id := range k.Sessions.ActiveConversations() {
		active[id] = true
	}

	started := 0
	for _, t := range threads {
		if active[t.ConversationID] || (k.Transport != "" && t.Transport != k.Transport) {
			continue
		}
		if t.StarterID == "" {
			slog.Warn("KickoffJob.Run: thread has no starter, skipping", "conversationID", t.ConversationID)
			continue
		}
		_, err := k.Starter.Kickoff(ctx, t.ConversationID, t.Starter())
		switch {
		case errors.Is(err, flow.ErrNoActiveScenarios):
			// Same pool for every thread, no point continuing.
			return started, err
		case errors.Is(err, flow.ErrSessionExists):
			continue
		case err != nil:
			slog.Error("KickoffJob.Run: kickoff failed", "conversationID", t.ConversationID, "error", err)
			continue
		}
		started++
	}
	slog.Info("KickoffJob.Run: kickoff round finished", "threads", len(threads), "started", started)
	return started, nil
}

// Func adapts the job to Scheduler.AddJob, bounding each round by Timeout.
func (k *KickoffJob) Func(ctx context.Context) func() {
	return func() {
		runCtx := ctx
		if k.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, k.Timeout)
			defer cancel()
		}
		if _, err := k.Run(runCtx); err != nil {
			slog.Error("KickoffJob: round failed", "error", err)
		}
	}
}
