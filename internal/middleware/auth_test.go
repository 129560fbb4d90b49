package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gourl/quotagate/internal/auth"
	"github.com/gourl/quotagate/internal/ratelimit"
)

// mockResolver implements auth.SubjectResolver for testing.
type mockResolver struct {
	subject     ratelimit.SubjectID
	err         error
	credentials []string
}

func (m *mockResolver) Resolve(ctx context.Context, credential string) (ratelimit.SubjectID, error) {
	m.credentials = append(m.credentials, credential)
	return m.subject, m.err
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{name: "missing credential", err: auth.ErrTokenMissing, wantMsg: MsgTokenRequired},
		{name: "expired credential", err: &auth.UnauthenticatedError{Reason: auth.ReasonExpired, Err: errors.New("exp")}, wantMsg: MsgTokenExpired},
		{name: "invalid credential", err: auth.ErrTokenInvalid, wantMsg: MsgTokenInvalid},
		{name: "unclassified resolver error", err: errors.New("boom"), wantMsg: MsgTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &mockResolver{err: tt.err}
			called := false
			handler := Authenticate(resolver, AuthConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodPost, "/api", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.False(t, called)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.wantMsg, decodeError(t, rec))
		})
	}

	t.Run("stores subject in context", func(t *testing.T) {
		resolver := &mockResolver{subject: "u42"}
		var got ratelimit.SubjectID
		handler := Authenticate(resolver, AuthConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = GetSubject(r.Context())
		}))

		req := httptest.NewRequest(http.MethodPost, "/api", nil)
		req.Header.Set("Authorization", "Bearer abc")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, ratelimit.SubjectID("u42"), got)
		assert.Equal(t, []string{"Bearer abc"}, resolver.credentials)
	})

	t.Run("reads configured header", func(t *testing.T) {
		resolver := &mockResolver{subject: "u42"}
		handler := Authenticate(resolver, AuthConfig{Header: "X-Auth-Token"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodPost, "/api", nil)
		req.Header.Set("Authorization", "ignored")
		req.Header.Set("X-Auth-Token", "tok")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, []string{"tok"}, resolver.credentials)
	})
}

func TestAuthenticate_WithJWTResolver(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	resolver, err := auth.NewJWTResolver("secret_key", auth.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)

	token, err := resolver.Issue("user-7", time.Hour)
	require.NoError(t, err)

	var got ratelimit.SubjectID
	handler := Authenticate(resolver, AuthConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetSubject(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api", nil)
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ratelimit.SubjectID("user-7"), got)
}
