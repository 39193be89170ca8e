// Package httpapi expone el estado del motor y los comandos de operador por HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alejandrodnm/polytrader/internal/application/engine"
	"github.com/alejandrodnm/polytrader/internal/domain"
	"github.com/alejandrodnm/polytrader/internal/metrics"
)

const defaultListLimit = 50

// Engine is the part of the decision engine the API needs.
type Engine interface {
	Status() engine.Status
	Portfolio() domain.PortfolioState
	Positions(status domain.PositionStatus) []domain.Position
	Alerts(limit int) []domain.AnomalyAlert
	UnacknowledgedAlerts(limit int) []domain.AnomalyAlert
	AcknowledgeAlert(ctx context.Context, id string) (domain.AnomalyAlert, error)
	AcknowledgeAll(ctx context.Context) int
	TraderProfile(address string) (domain.TraderProfile, bool)
	SuspiciousTraders(minLarge int) []domain.TraderProfile
	Rejections(limit int) []domain.Decision
	Peers() domain.PeerView
	Start()
	Stop()
	Running() bool
	ManualClose(ctx context.Context, tradeID string, exitPrice *float64) (domain.Position, error)
}

// Handler serves the control and query API.
type Handler struct {
	eng Engine
}

// NewRouter builds the chi router with the standard middleware stack.
func NewRouter(eng Engine, instanceID string) http.Handler {
	h := &Handler{eng: eng}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"instance": instanceID,
			"running":  eng.Running(),
		})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/positions", h.ListPositions)
		r.Post("/positions/{tradeID}/close", h.ClosePosition)
		r.Get("/alerts", h.ListAlerts)
		r.Post("/alerts/ack", h.AcknowledgeAllAlerts)
		r.Post("/alerts/{alertID}/ack", h.AcknowledgeAlert)
		r.Get("/traders/suspicious", h.ListSuspiciousTraders)
		r.Get("/traders/{address}", h.GetTrader)
		r.Get("/rejections", h.ListRejections)
		r.Get("/peers", h.GetPeers)
		r.Post("/engine/start", h.StartEngine)
		r.Post("/engine/stop", h.StopEngine)
	})
	return r
}

// GetStatus handles GET /api/v1/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Status())
}

// GetPortfolio handles GET /api/v1/portfolio.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	st := h.eng.Portfolio()
	writeJSON(w, http.StatusOK, struct {
		domain.PortfolioState
		WinRate float64 `json:"win_rate"`
	}{st, st.WinRate()})
}

// ListPositions handles GET /api/v1/positions?status=open|closed.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var status domain.PositionStatus
	switch r.URL.Query().Get("status") {
	case "":
	case "open", "OPEN":
		status = domain.PositionOpen
	case "closed", "CLOSED":
		status = domain.PositionClosed
	default:
		writeError(w, "status must be open or closed", http.StatusBadRequest)
		return
	}
	ps := h.eng.Positions(status)
	if ps == nil {
		ps = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, ps)
}

type closeRequest struct {
	ExitPrice *float64 `json:"exit_price"`
}

// ClosePosition handles POST /api/v1/positions/{tradeID}/close.
// Without exit_price the last marked price is used.
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ExitPrice != nil && (*req.ExitPrice < 0 || *req.ExitPrice > 1) {
		writeError(w, "exit_price must be in [0,1]", http.StatusBadRequest)
		return
	}

	pos, err := h.eng.ManualClose(r.Context(), tradeID, req.ExitPrice)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPositionNotFound):
			writeError(w, "position not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrPositionClosed):
			writeError(w, "position already closed", http.StatusConflict)
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			writeError(w, "close failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListAlerts handles GET /api/v1/alerts?limit=N&unacknowledged=true.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	unacked := false
	if raw := r.URL.Query().Get("unacknowledged"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, "unacknowledged must be a boolean", http.StatusBadRequest)
			return
		}
		unacked = v
	}
	if unacked {
		writeJSON(w, http.StatusOK, nonNil(h.eng.UnacknowledgedAlerts(limit)))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(h.eng.Alerts(limit)))
}

// AcknowledgeAlert handles POST /api/v1/alerts/{alertID}/ack.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.eng.AcknowledgeAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		if errors.Is(err, domain.ErrAlertNotFound) {
			writeError(w, "alert not found", http.StatusNotFound)
			return
		}
		writeError(w, "acknowledge failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AcknowledgeAllAlerts handles POST /api/v1/alerts/ack.
func (h *Handler) AcknowledgeAllAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": h.eng.AcknowledgeAll(r.Context())})
}

// ListSuspiciousTraders handles GET /api/v1/traders/suspicious?min_large=N.
func (h *Handler) ListSuspiciousTraders(w http.ResponseWriter, r *http.Request) {
	minLarge := 3
	if raw := r.URL.Query().Get("min_large"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "min_large must be a positive integer", http.StatusBadRequest)
			return
		}
		minLarge = n
	}
	writeJSON(w, http.StatusOK, nonNil(h.eng.SuspiciousTraders(minLarge)))
}

// GetTrader handles GET /api/v1/traders/{address}.
func (h *Handler) GetTrader(w http.ResponseWriter, r *http.Request) {
	p, ok := h.eng.TraderProfile(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, "trader not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListRejections handles GET /api/v1/rejections?limit=N.
func (h *Handler) ListRejections(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, nonNil(h.eng.Rejections(limit)))
}

// GetPeers handles GET /api/v1/peers.
func (h *Handler) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Peers())
}

// StartEngine handles POST /api/v1/engine/start.
func (h *Handler) StartEngine(w http.ResponseWriter, r *http.Request) {
	h.eng.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.eng.Running()})
}

// StopEngine handles POST /api/v1/engine/stop.
func (h *Handler) StopEngine(w http.ResponseWriter, r *http.Request) {
	h.eng.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.eng.Running()})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
