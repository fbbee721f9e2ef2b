// Package api hosts the DuetPipe engine behind an HTTP server.
//
// Run assembles the dialogue engine (sampler, phase machine, coordinator), the dispatcher that feeds it
// from a messaging transport, the optional kickoff scheduler and the operator HTTP API, and runs them
// until the context is cancelled.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/flow"
	"github.com/BTreeMap/DuetPipe/internal/messaging"
	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/scheduler"
	"github.com/BTreeMap/DuetPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultGenTimeout      = 4 * time.Second
	DefaultKickoffTimeout  = 5 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server and the engine it hosts.
type Opts struct {
	Addr            string
	GenTimeout      time.Duration
	KickoffCron     string // empty disables scheduled kickoffs
	TurnNotices     bool
	ShutdownTimeout time.Duration
	OnListen        func(addr net.Addr)
}

// Option defines a configuration option for Run.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithGeneratorTimeout bounds each phase generator call.
func WithGeneratorTimeout(d time.Duration) Option {
	return func(o *Opts) { o.GenTimeout = d }
}

// WithKickoffCron schedules a session kickoff in every known thread.
func WithKickoffCron(expr string) Option {
	return func(o *Opts) { o.KickoffCron = expr }
}

// WithTurnNotices enables the not-your-turn acknowledgement.
func WithTurnNotices(enabled bool) Option {
	return func(o *Opts) { o.TurnNotices = enabled }
}

// WithShutdownTimeout bounds graceful HTTP shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithOnListen registers a callback receiving the bound address once the server listens.
func WithOnListen(fn func(addr net.Addr)) Option {
	return func(o *Opts) { o.OnListen = fn }
}

// Server serves the operator API.
type Server struct {
	coord       *flow.Coordinator
	dispatcher  *messaging.Dispatcher
	scenarios   store.ScenarioRepo
	transcripts store.TranscriptRepo
	transport   string
	twilio      *messaging.TwilioService
	injector    messaging.Injector
	outbox      outbox
}

// outbox is implemented by transports that keep sent messages, such as messaging.LocalService.
type outbox interface {
	Backlog(conversationID string) []models.Outbound
}

// NewServer creates a Server. Transport specific routes are enabled from the concrete type of svc.
func NewServer(coord *flow.Coordinator, dispatcher *messaging.Dispatcher, st store.Store, svc messaging.Service) *Server {
	s := &Server{
		coord:       coord,
		dispatcher:  dispatcher,
		scenarios:   st,
		transcripts: st,
		transport:   svc.Name(),
	}
	if tw, ok := svc.(*messaging.TwilioService); ok {
		s.twilio = tw
	}
	if inj, ok := svc.(messaging.Injector); ok {
		s.injector = inj
	}
	if ob, ok := svc.(outbox); ok {
		s.outbox = ob
	}
	return s
}

// Routes returns the HTTP handler for the API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessionsHandler)
		r.Get("/{conversationID}", s.getSessionHandler)
		r.Post("/{conversationID}/start", s.startSessionHandler)
		r.Post("/{conversationID}/cancel", s.cancelSessionHandler)
	})
	r.Get("/scenarios", s.listScenariosHandler)
	r.Get("/transcripts/{conversationID}", s.transcriptHandler)

	if s.twilio != nil {
		r.Post("/webhook/twilio", s.twilio.TwilioWebhookHandler)
	}
	if s.injector != nil {
		r.Post("/conversations/{conversationID}/messages", s.injectHandler)
	}
	if s.outbox != nil {
		r.Get("/conversations/{conversationID}/messages", s.outboxHandler)
	}
	return r
}

// Run wires the engine to svc and serves until ctx is cancelled or a component fails.
func Run(ctx context.Context, svc messaging.Service, st store.Store, gen flow.PhaseGenerator, opts ...Option) error {
	cfg := Opts{
		Addr:            DefaultAddr,
		GenTimeout:      DefaultGenTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	coord := flow.NewCoordinator(
		flow.NewMemorySessionStore(flow.WithHistoryRepo(st)),
		flow.NewScenarioSampler(st, nil),
		flow.NewPhaseMachine(flow.NewBoundedGenerator(gen, cfg.GenTimeout)),
		flow.WithTranscriptLogger(flow.NewTranscriptLogger(st)),
		flow.WithTurnNotices(cfg.TurnNotices),
	)
	dispatcher := messaging.NewDispatcher(svc, coord, messaging.WithDedup(st), messaging.WithThreadRepo(st))
	srv := NewServer(coord, dispatcher, st, svc)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	httpServer := &http.Server{
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if err := svc.Start(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start %s transport: %w", svc.Name(), err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var sched *scheduler.Scheduler
	if cfg.KickoffCron != "" {
		sched = scheduler.NewScheduler()
		job := &scheduler.KickoffJob{
			Transport: svc.Name(),
			Threads:   st,
			Sessions:  coord,
			Starter:   dispatcher,
			Timeout:   DefaultKickoffTimeout,
		}
		if err := sched.AddJob(cfg.KickoffCron, job.Func(gctx)); err != nil {
			sched.Stop()
			svc.Stop()
			ln.Close()
			return fmt.Errorf("invalid kickoff schedule %q: %w", cfg.KickoffCron, err)
		}
		slog.Info("Run: kickoff scheduled", "cron", cfg.KickoffCron)
	}

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("Run: API server listening", "addr", ln.Addr().String(), "transport", svc.Name())
		if cfg.OnListen != nil {
			cfg.OnListen(ln.Addr())
		}
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Run: shutting down")
		if sched != nil {
			sched.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Run: HTTP shutdown failed", "error", err)
		}
		if err := svc.Stop(); err != nil {
			slog.Error("Run: transport stop failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("Run: stopped")
	return err
}
