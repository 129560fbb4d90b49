// Package auth resolves request credentials into rate-limit subjects.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gourl/quotagate/internal/ratelimit"
)

// Reason explains why a credential was rejected.
type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonExpired Reason = "expired"
	ReasonInvalid Reason = "invalid"
)

var (
	// ErrTokenMissing indicates no credential was presented.
	ErrTokenMissing = &UnauthenticatedError{Reason: ReasonMissing}
	// ErrTokenExpired indicates the credential was well formed but has expired.
	ErrTokenExpired = &UnauthenticatedError{Reason: ReasonExpired}
	// ErrTokenInvalid indicates the credential failed verification.
	ErrTokenInvalid = &UnauthenticatedError{Reason: ReasonInvalid}
)

// UnauthenticatedError is returned when a credential cannot be resolved to a
// subject. Errors with the same Reason match each other under errors.Is.
type UnauthenticatedError struct {
	Reason Reason
	Err    error
}

func (e *UnauthenticatedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unauthenticated (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("unauthenticated (%s)", e.Reason)
}

func (e *UnauthenticatedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an UnauthenticatedError with the same reason.
func (e *UnauthenticatedError) Is(target error) bool {
	t, ok := target.(*UnauthenticatedError)
	return ok && t.Reason == e.Reason
}

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var ue *UnauthenticatedError
	if errors.As(err, &ue) {
		return ue.Reason, true
	}
	return "", false
}

// SubjectResolver maps an opaque credential to a subject.
type SubjectResolver interface {
	Resolve(ctx context.Context, credential string) (ratelimit.SubjectID, error)
}

// Claims are the token claims the resolver understands.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// subject returns the user_id claim, falling back to sub.
func (c *Claims) subject() string {
	if id := strings.TrimSpace(c.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Subject)
}

// JWTResolverOption configures a JWTResolver.
type JWTResolverOption func(*JWTResolver)

// WithIssuer requires tokens to carry the given iss claim.
func WithIssuer(issuer string) JWTResolverOption {
	return func(r *JWTResolver) { r.issuer = issuer }
}

// WithTimeFunc overrides the clock used to check exp and nbf.
func WithTimeFunc(now func() time.Time) JWTResolverOption {
	return func(r *JWTResolver) { r.now = now }
}

// Ensure JWTResolver implements SubjectResolver
var _ SubjectResolver = (*JWTResolver)(nil)

// JWTResolver resolves HS256-signed JWTs.
type JWTResolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTResolver creates a resolver verifying tokens with secret.
func NewJWTResolver(secret string, opts ...JWTResolverOption) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	r := &JWTResolver{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve verifies the credential and returns the subject it names. An
// optional "Bearer " scheme prefix is accepted.
func (r *JWTResolver) Resolve(ctx context.Context, credential string) (ratelimit.SubjectID, error) {
	token := stripScheme(credential)
	if token == "" {
		return "", ErrTokenMissing
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
	}
	if r.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(r.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, parserOptions...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &UnauthenticatedError{Reason: ReasonExpired, Err: err}
		}
		return "", &UnauthenticatedError{Reason: ReasonInvalid, Err: err}
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrTokenInvalid
	}

	subject := claims.subject()
	if subject == "" {
		return "", &UnauthenticatedError{Reason: ReasonInvalid, Err: errors.New("token has no user_id")}
	}

	return ratelimit.SubjectID(subject), nil
}

// Issue signs a token naming subject. A positive ttl sets the exp claim.
func (r *JWTResolver) Issue(subject string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject is required")
	}

	now := r.now().UTC()
	claims := Claims{
		UserID: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   r.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func stripScheme(credential string) string {
	credential = strings.TrimSpace(credential)
	if strings.EqualFold(credential, "Bearer") {
		return ""
	}
	if len(credential) > 7 && strings.EqualFold(credential[:7], "Bearer ") {
		return strings.TrimSpace(credential[7:])
	}
	return credential
}
