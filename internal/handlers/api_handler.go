package handlers

import (
	"errors"
	"net/http"

	"github.com/gourl/quotagate/internal/middleware"
	"github.com/gourl/quotagate/internal/ratelimit"
	"github.com/gourl/quotagate/pkg/logger"
)

// AcceptedMessage is returned for every admitted request.
const AcceptedMessage = "Request accepted."

// AcceptResponse is the body of an admitted request.
type AcceptResponse struct {
	Message string `json:"message"`
}

// QuotaResponse reports a subject's quota in the current window.
type QuotaResponse struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// APIHandler serves the quota-protected endpoints. Authentication and
// admission happen in middleware; by the time Accept runs the request has
// already been charged.
type APIHandler struct {
	limiter ratelimit.Limiter
	log     *logger.Logger
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(limiter ratelimit.Limiter, log *logger.Logger) *APIHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &APIHandler{limiter: limiter, log: log}
}

// Accept handles POST /api.
func (h *APIHandler) Accept(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AcceptResponse{Message: AcceptedMessage})
}

// Quota handles GET /api/quota. It reads the caller's counter without
// consuming quota.
func (h *APIHandler) Quota(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.GetSubject(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error: middleware.MsgTokenRequired,
			Code:  "UNAUTHENTICATED",
		})
		return
	}

	v, err := h.limiter.Peek(r.Context(), subject)
	if err != nil {
		status, resp := mapQuotaError(err)
		if status == http.StatusInternalServerError {
			h.log.Error("quota lookup failed", "subject", string(subject), "error", err)
		}
		writeJSON(w, status, resp)
		return
	}

	middleware.SetRateLimitHeaders(w, v)
	writeJSON(w, http.StatusOK, QuotaResponse{
		Limit:     v.Limit,
		Remaining: v.Remaining,
		Reset:     v.ResetAt,
	})
}

// mapQuotaError maps limiter errors to HTTP status codes and error responses.
func mapQuotaError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error: middleware.MsgLimiterUnavailable,
			Code:  "STORE_UNAVAILABLE",
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error: middleware.MsgInternalError,
			Code:  "INTERNAL_ERROR",
		}
	}
}
