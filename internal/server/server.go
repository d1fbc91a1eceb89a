package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"MarginLedger/internal/assets"
	"MarginLedger/internal/book"
	"MarginLedger/internal/engine"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/query"
	"MarginLedger/internal/trigger"
)

// Server is the HTTP/JSON surface of the ledger: command endpoints apply to
// the live engine, query endpoints read projection tables, and point-in-time
// reads go straight to the engine under its read lock.
type Server struct {
	eng     *engine.Engine
	queries *query.QueryService
	health  *observability.HealthChecker
	logger  zerolog.Logger
	secret  []byte
}

func NewServer(
	eng *engine.Engine,
	queries *query.QueryService,
	health *observability.HealthChecker,
	secret []byte,
) *Server {
	return &Server{
		eng:     eng,
		queries: queries,
		health:  health,
		logger:  observability.NewLogger("http"),
		secret:  secret,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(Authenticator(s.secret))

		r.Post("/orders", s.handleCreateOrder)
		r.Delete("/orders/{orderID}", s.handleCancelOrder)

		r.Put("/positions/{positionID}/stop-loss", s.handleSetStopLoss)
		r.Put("/positions/{positionID}/take-profit", s.handleSetTakeProfit)

		r.Post("/commissions/withdrawals", s.handleWithdrawCommission)

		r.Get("/accounts/{account}/balance", s.handleGetBalance)
		r.Get("/accounts/{account}/orders", s.handleGetOrders)
		r.Get("/accounts/{account}/positions", s.handleGetPositions)
		r.Get("/accounts/{account}/closes", s.handleGetCloseHistory)
		r.Get("/accounts/{account}/journal", s.handleGetJournalHistory)

		// Point-in-time reads against the live engine
		r.Get("/orders/{orderID}", s.handleGetOrder)
		r.Get("/positions/{positionID}", s.handleGetPosition)
		r.Get("/positions/{positionID}/triggers", s.handleGetPositionTriggers)
		r.Get("/triggers/{triggerID}", s.handleGetTrigger)

		// Executor-only surface
		r.Group(func(r chi.Router) {
			r.Use(RequireExecutor)

			r.Post("/orders/{orderID}/execute", s.handleExecuteOrder)
			r.Post("/positions/{positionID}/close", s.handleClosePosition)
			r.Post("/pool/deposits", s.handleFundPool)
			r.Get("/pool", s.handleGetPool)
			r.Get("/integrity", s.handleVerifyIntegrity)
		})
	})

	return r
}

// --- response plumbing ---

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// mapError translates engine errors to HTTP status codes.
func mapError(err error) int {
	switch {
	case errors.Is(err, engine.ErrDuplicateCommand):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrOnlyConditionalCancelable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, book.ErrOrderNotFound),
		errors.Is(err, book.ErrPositionNotFound),
		errors.Is(err, trigger.ErrTriggerNotFound):
		return http.StatusNotFound
	case errors.Is(err, assets.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := mapError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err.Error())
}
