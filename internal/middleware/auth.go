package middleware

import (
	"errors"
	"net/http"

	"github.com/gourl/quotagate/internal/auth"
	"github.com/gourl/quotagate/internal/metrics"
	"github.com/gourl/quotagate/pkg/logger"
)

// DefaultCredentialHeader is the request header carrying the credential.
const DefaultCredentialHeader = "Authorization"

// Messages returned for rejected credentials.
const (
	MsgTokenRequired = "Authorization token required"
	MsgTokenExpired  = "Token expired. Please log in again."
	MsgTokenInvalid  = "Invalid token. Please log in again."
)

// AuthConfig holds configuration for the authentication middleware.
type AuthConfig struct {
	Header string         // Header carrying the credential, defaults to Authorization
	Logger *logger.Logger // Optional
}

// Authenticate returns a middleware that resolves the request credential to a
// subject and stores it in the request context. Requests that cannot be
// resolved are rejected with 401 and never reach the rate limiter.
func Authenticate(resolver auth.SubjectResolver, cfg AuthConfig) Middleware {
	header := cfg.Header
	if header == "" {
		header = DefaultCredentialHeader
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := resolver.Resolve(r.Context(), r.Header.Get(header))
			if err != nil {
				reason, ok := auth.ReasonOf(err)
				if !ok {
					reason = auth.ReasonInvalid
				}
				metrics.RecordUnauthenticated(string(reason))
				log.Debug("credential rejected",
					"reason", string(reason),
					"request_id", GetRequestID(r.Context()),
					"client_ip", GetClientIP(r.Context()),
				)
				writeJSONError(w, http.StatusUnauthorized, unauthenticatedMessage(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func unauthenticatedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenMissing):
		return MsgTokenRequired
	case errors.Is(err, auth.ErrTokenExpired):
		return MsgTokenExpired
	default:
		return MsgTokenInvalid
	}
}
