package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/core/service"
	"github.com/rl1809/orderflow/internal/correlation"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/port"
)

const maxBodyBytes = 1 << 20

// OrderAPI is the order use-case surface the transports call.
type OrderAPI interface {
	CreateOrder(ctx context.Context, userID string, items []domain.OrderItem, idempotencyKey string) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) (domain.Order, error)
}

type HTTPHandler struct {
	orders   OrderAPI
	verifier port.IdentityVerifier
	ws       http.Handler
	gatherer prometheus.Gatherer
	log      *logging.Logger

	shuttingDown atomic.Bool
}

type CreateOrderRequest struct {
	Items []domain.OrderItem `json:"items"`
}

type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

func NewHTTPHandler(orders OrderAPI, verifier port.IdentityVerifier, ws http.Handler, gatherer prometheus.Gatherer, log *logging.Logger) *HTTPHandler {
	return &HTTPHandler{orders: orders, verifier: verifier, ws: ws, gatherer: gatherer, log: log}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation.Middleware)
	r.Use(h.accessLog)

	r.Get("/healthz", h.HealthCheck)
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	if h.ws != nil {
		r.Method(http.MethodGet, "/ws", h.ws)
	}

	r.Route("/v1/orders", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Get("/{orderID}", h.GetOrder)
		r.Post("/{orderID}/cancel", h.CancelOrder)
	})
	return r
}

// SetShuttingDown makes /healthz report 503 so load balancers drain traffic.
func (h *HTTPHandler) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, &domain.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	order, err := h.orders.CreateOrder(r.Context(), userFromContext(r.Context()), req.Items, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err == nil && order.UserID != userFromContext(r.Context()) {
		err = domain.ErrNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, r, &domain.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}

	orders, err := h.orders.ListOrdersByUser(r.Context(), userFromContext(r.Context()), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.CancelOrder(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.shuttingDown.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Ctx(r.Context()).Error("request failed", map[string]any{
			"method": r.Method, "path": r.URL.Path, "status": status, "err": err,
		})
	}
	writeJSON(w, status, ErrorResponse{Error: message, CorrelationID: correlation.ID(r.Context())})
}

func httpStatus(err error) (int, string) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate request in progress"
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, domain.ErrAuthorization):
		return http.StatusForbidden, "not authorized"
	case errors.Is(err, service.ErrNotScheduled):
		return http.StatusServiceUnavailable, "order stored but not scheduled, retry with the same Idempotency-Key"
	case errors.Is(err, domain.ErrOptimisticLock), errors.Is(err, domain.ErrPublish),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "temporarily unavailable, retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Ctx(r.Context()).Debug("http request", map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
