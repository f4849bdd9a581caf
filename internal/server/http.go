package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/0xarbor/mars-core/internal/ingestion"
	"github.com/0xarbor/mars-core/internal/observability"
	"github.com/0xarbor/mars-core/internal/persistence"
	"github.com/0xarbor/mars-core/internal/projection"
	"github.com/0xarbor/mars-core/internal/query"
)

// ServerDeps holds all dependencies needed by the HTTP handlers.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	AdminIngest   *ingestion.AdminIngestService
	SnapshotMgr   *persistence.SnapshotManager
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

// HTTPServer serves the query and admin API.
type HTTPServer struct {
	server *http.Server
	deps   *ServerDeps
	log    zerolog.Logger
}

func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	s := &HTTPServer{
		deps: deps,
		log:  observability.NewLogger("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", deps.HealthChecker.LivenessHandler)
	r.Get("/readyz", deps.HealthChecker.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/config", s.handleGetConfig)
		r.Get("/markets", s.handleListMarkets)
		r.Get("/markets/by-index/{index}", s.handleGetMarketByIndex)
		r.Get("/markets/{denom}", s.handleGetMarket)
		r.Get("/markets/{denom}/activity", s.handleGetActivity)

		r.Get("/users/{user}/position", s.handleGetUserPosition)
		r.Get("/users/{user}/debt/{denom}", s.handleGetUserDebt)
		r.Get("/users/{user}/collateral/{denom}", s.handleGetUserCollateral)
		r.Get("/users/{user}/loan-limit/{denom}", s.handleGetLoanLimit)
		r.Get("/users/{user}/ops", s.handleGetOpHistory)
		r.Get("/users/{user}/liquidations", s.handleGetLiquidations)

		r.Post("/commands/{type}", s.handleSubmitCommand)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/integrity", s.handleVerifyIntegrity)
			r.Get("/watermark", s.handleWatermark)
			r.Get("/log-info", s.handleLogInfo)
			r.Post("/rebuild-projections", s.handleRebuildProjections)
		})
	})

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- query handlers ---

func (s *HTTPServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.QueryService.GetConfig(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp, err := s.deps.QueryService.ListMarkets(r.Context(), r.URL.Query().Get("start_after"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.QueryService.GetMarket(r.Context(), chi.URLParam(r, "denom"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetMarketByIndex(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid market index"})
		return
	}
	resp, err := s.deps.QueryService.GetMarketByIndex(r.Context(), uint32(index))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	denom := chi.URLParam(r, "denom")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before := parseInt64Param(r, "before")

	entries, err := s.deps.QueryService.GetActivity(r.Context(), &denom, limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"activity": entries})
}

func (s *HTTPServer) handleGetUserPosition(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.QueryService.GetUserPosition(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetUserDebt(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.QueryService.GetUserDebt(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "denom"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetUserCollateral(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.QueryService.GetUserCollateral(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "denom"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetLoanLimit(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.QueryService.GetLoanLimit(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "denom"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetOpHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before := parseInt64Param(r, "before")

	entries, err := s.deps.QueryService.GetOpHistory(r.Context(), chi.URLParam(r, "user"), limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ops": entries})
}

func (s *HTTPServer) handleGetLiquidations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := s.deps.QueryService.GetLiquidations(r.Context(), chi.URLParam(r, "user"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": records})
}

// --- command submission ---

// handleSubmitCommand accepts a wire-format command payload and queues it on
// the same path NATS commands take. Accepted means queued, not applied.
func (s *HTTPServer) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	commandType := chi.URLParam(r, "type")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}

	if err := s.deps.AdminIngest.SubmitRaw(r.Context(), commandType, body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// --- admin handlers ---

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleWatermark(w http.ResponseWriter, r *http.Request) {
	projected, live, err := s.deps.QueryService.Watermark(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{
		"projected_sequence": projected,
		"live_sequence":      live,
	})
}

func (s *HTTPServer) handleLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_sequence": latestSeq,
		"uptime":        time.Since(s.deps.StartTime).String(),
	})
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		s.writeError(w, fmt.Errorf("rebuild failed: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

// --- helpers ---

func (s *HTTPServer) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, query.ErrNotFound) {
		code = http.StatusNotFound
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func parseInt64Param(r *http.Request, name string) *int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
