// Package server assembles the call gateway: slot calendar, patient
// directory, knowledge base, tool dispatcher, upstream connector and
// the HTTP surface in front of them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/analiza-labs/voicegate/pkg/directory"
	"github.com/analiza-labs/voicegate/pkg/gateway/config"
	"github.com/analiza-labs/voicegate/pkg/gateway/handlers"
	"github.com/analiza-labs/voicegate/pkg/gateway/live/sessions"
	"github.com/analiza-labs/voicegate/pkg/gateway/mw"
	"github.com/analiza-labs/voicegate/pkg/gateway/tools"
	"github.com/analiza-labs/voicegate/pkg/gateway/upstream"
	"github.com/analiza-labs/voicegate/pkg/schedule"
)

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	router   chi.Router
	tracker  *sessions.Tracker
	store    *sessions.Store
	draining atomic.Bool
}

// historyAdapter exposes patient call history to the scheduling
// engine. Unknown patients read as empty history, not an error.
type historyAdapter struct {
	patients directory.PatientDirectory
}

func (a historyAdapter) PatientHistory(ctx context.Context, patientID string) ([]schedule.HistoryEntry, error) {
	p, err := a.patients.FindByID(ctx, patientID)
	if err != nil {
		return nil, nil
	}
	out := make([]schedule.HistoryEntry, 0, len(p.History))
	for _, h := range p.History {
		out = append(out, schedule.HistoryEntry{Outcome: h.Outcome, At: h.At})
	}
	return out, nil
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	slots := schedule.Generate(schedule.GenerateOptions{
		Days:           cfg.ScheduleDays,
		Seed:           cfg.ScheduleSeed,
		BookedFraction: cfg.BookedFraction,
	})
	slotStore := schedule.NewStore(slots)

	codes := directory.NewCodeService(directory.SeedCodes())
	kb, err := directory.LoadKnowledgeBase()
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}

	var patients directory.PatientDirectory
	if cfg.DatabaseURL != "" {
		if err := directory.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate patient directory: %w", err)
		}
		pg, err := directory.NewPostgresDirectory(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open patient directory: %w", err)
		}
		patients = pg
		logger.Info("patient directory", "backend", "postgres")
	} else {
		patients = directory.NewMemoryDirectory()
		logger.Info("patient directory", "backend", "memory")
	}

	engine := schedule.NewEngine(slotStore, historyAdapter{patients})
	store := sessions.NewStore()
	tracker := sessions.NewTracker()
	dispatcher := tools.NewDispatcher(engine, codes, kb, patients, store, logger)

	var connector upstream.Connector
	switch cfg.UpstreamProvider {
	case config.ProviderOpenAI:
		connector = &upstream.OpenAIConnector{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Logger:  logger,
		}
	case config.ProviderGemini:
		connector = &upstream.GeminiConnector{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Logger: logger,
		}
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.UpstreamProvider)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		tracker: tracker,
		store:   store,
	}

	call := &handlers.CallHandler{
		Config:       cfg,
		Logger:       logger,
		Connector:    connector,
		Dispatcher:   dispatcher,
		Store:        store,
		Tracker:      tracker,
		Instructions: cfg.Instructions,
		Draining:     s.draining.Load,
	}

	r := chi.NewRouter()
	r.NotFound(handlers.NotFoundHandler{}.ServeHTTP)
	r.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{Config: cfg, Tracker: tracker})
	r.Handle("/v1/call", call)
	r.Method(http.MethodPost, "/v1/codes/validate", &handlers.ValidateCodeHandler{Codes: codes})
	r.Method(http.MethodGet, "/v1/patients/{id}", &handlers.PatientHandler{Patients: patients})
	r.Method(http.MethodPost, "/v1/patients/{id}/history", &handlers.PatientHistoryHandler{Patients: patients})
	r.Method(http.MethodGet, "/v1/kb/branches", &handlers.BranchesHandler{KB: kb})
	r.Method(http.MethodGet, "/v1/kb/exams", &handlers.ExamsHandler{KB: kb})
	r.Method(http.MethodGet, "/v1/slots", &handlers.SlotsHandler{Engine: engine})
	r.Method(http.MethodPost, "/v1/slots/{id}/book", &handlers.BookSlotHandler{Engine: engine})
	s.router = r

	return s, nil
}

// Handler wraps the router with the middleware chain. RequestID runs
// outermost so every later stage sees the id.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the drain flag; new calls are refused while set.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

// NotifySessions tells every live call the server is going away.
func (s *Server) NotifySessions(code, message string) int {
	return s.tracker.NotifyAll(code, message)
}

// CancelSessions force-closes every live call.
func (s *Server) CancelSessions() int {
	return s.tracker.CancelAll()
}

// WaitSessions blocks until live calls finish or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// ActiveSessions reports the number of live calls.
func (s *Server) ActiveSessions() int { return s.tracker.Count() }

// ShutdownGracePeriod exposes the configured drain window.
func (s *Server) ShutdownGracePeriod() time.Duration { return s.cfg.ShutdownGracePeriod }
