package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/gourl/quotagate/internal/metrics"
	"github.com/gourl/quotagate/internal/ratelimit"
	"github.com/gourl/quotagate/pkg/logger"
)

// RetryAfterLayout formats the absolute reset time in Retry-After headers and
// 429 bodies.
const RetryAfterLayout = "2006-01-02 15:04:05"

// Messages returned when the limiter rejects or cannot decide.
const (
	MsgLimiterUnavailable = "rate limiter unavailable"
	MsgInternalError      = "internal server error"
)

// RateLimitConfig holds configuration for the rate limit middleware.
type RateLimitConfig struct {
	FailOpen         bool           // Admit requests when the counter store is unavailable
	FailOpenInterval time.Duration  // Minimum gap between fail-open warnings, defaults to 10s
	Logger           *logger.Logger // Optional
}

// RateLimitResponse is the JSON response for rate limited requests.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retry_after"`
}

// ErrorResponse is the JSON body of every other gate rejection.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RateLimit returns a middleware that charges one unit of quota to the
// subject placed in the context by Authenticate.
func RateLimit(limiter ratelimit.Limiter, cfg RateLimitConfig) Middleware {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	interval := cfg.FailOpenInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	failOpenWarn := &rate.Sometimes{First: 1, Interval: interval}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := GetSubject(r.Context())
			if !ok {
				metrics.RecordUnauthenticated("missing")
				writeJSONError(w, http.StatusUnauthorized, MsgTokenRequired)
				return
			}

			verdict, err := limiter.Check(r.Context(), subject)
			if err != nil {
				switch {
				case errors.Is(err, ratelimit.ErrStoreUnavailable) && cfg.FailOpen:
					metrics.RecordVerdict(metrics.OutcomeFailOpen)
					failOpenWarn.Do(func() {
						log.Warn("rate limiter unavailable, admitting request",
							"subject", string(subject),
							"error", err,
						)
					})
					next.ServeHTTP(w, r)
				case errors.Is(err, ratelimit.ErrStoreUnavailable):
					metrics.RecordVerdict(metrics.OutcomeUnavailable)
					writeJSONError(w, http.StatusServiceUnavailable, MsgLimiterUnavailable)
				default:
					metrics.RecordVerdict(metrics.OutcomeError)
					log.Error("rate limit check failed",
						"subject", string(subject),
						"request_id", GetRequestID(r.Context()),
						"error", err,
					)
					writeJSONError(w, http.StatusInternalServerError, MsgInternalError)
				}
				return
			}

			SetRateLimitHeaders(w, verdict)

			if !verdict.Allowed {
				metrics.RecordVerdict(metrics.OutcomeDenied)
				log.Debug("rate limit exceeded",
					"subject", string(subject),
					"retry_after", verdict.RetryAfter,
				)
				writeRateLimitResponse(w, verdict)
				return
			}

			metrics.RecordVerdict(metrics.OutcomeAllowed)
			next.ServeHTTP(w, r)
		})
	}
}

// SetRateLimitHeaders sets the X-RateLimit-* headers for a verdict.
func SetRateLimitHeaders(w http.ResponseWriter, v ratelimit.Verdict) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(v.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(v.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(v.ResetAt, 10))
}

// writeRateLimitResponse writes the 429 response.
func writeRateLimitResponse(w http.ResponseWriter, v ratelimit.Verdict) {
	retryAt := v.RetryTime().Format(RetryAfterLayout)
	w.Header().Set("Retry-After", retryAt)

	resp := RateLimitResponse{
		Error:      fmt.Sprintf("Rate limit exceeded. Try again in %s", retryAt),
		Code:       "RATE_LIMIT_EXCEEDED",
		RetryAfter: v.RetryAfter,
	}
	writeJSON(w, http.StatusTooManyRequests, resp)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
