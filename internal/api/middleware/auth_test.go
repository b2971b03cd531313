package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/shelf/internal/api/shared"
)

const testSecret = "an-admin-secret-of-at-least-32-chars"

func TestNewAuthMiddlewareRejectsShortSecret(t *testing.T) {
	_, err := NewAuthMiddleware("short")
	assert.Error(t, err)
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	t.Parallel()

	m, err := NewAuthMiddleware(testSecret)
	require.NoError(t, err)

	valid, err := m.IssueToken("ops@example.com", time.Hour)
	require.NoError(t, err)

	other, err := NewAuthMiddleware("a-different-secret-that-is-long-enough")
	require.NoError(t, err)
	foreign, err := other.IssueToken("ops@example.com", time.Hour)
	require.NoError(t, err)

	expiredIssuer, err := NewAuthMiddleware(testSecret)
	require.NoError(t, err)
	expiredIssuer.timeFunc = func() time.Time { return time.Now().Add(-3 * time.Hour) }
	expired, err := expiredIssuer.IssueToken("ops@example.com", time.Hour)
	require.NoError(t, err)

	noSubject, err := m.IssueToken("", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name            string
		authHeader      string
		expectedStatus  int
		expectedSubject string
		expectedError   string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "ops@example.com", ""},
		{"missing auth header", "", http.StatusUnauthorized, "", "Authorization header required"},
		{"invalid auth format", "Token " + valid, http.StatusUnauthorized, "", "Invalid authorization format"},
		{"malformed token", "Bearer not.a.jwt", http.StatusUnauthorized, "", "Invalid token"},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized, "", "Invalid token"},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized, "", "Token expired"},
		{"token without subject", "Bearer " + noSubject, http.StatusUnauthorized, "", "Invalid token"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var subject string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				subject, _ = shared.GetSubject(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/jobs/x", nil)
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}
			w := httptest.NewRecorder()
			m.Authenticate(next).ServeHTTP(w, req)

			assert.Equal(t, tc.expectedStatus, w.Code)
			assert.Equal(t, tc.expectedSubject, subject)
			if tc.expectedError != "" {
				assert.Contains(t, w.Body.String(), tc.expectedError)
			}
		})
	}
}

func TestAuthMiddlewareAllowsClockSkew(t *testing.T) {
	m, err := NewAuthMiddleware(testSecret)
	require.NoError(t, err)

	issued := time.Now().Add(-time.Hour - time.Minute)
	m.timeFunc = func() time.Time { return issued }
	token, err := m.IssueToken("ops", time.Hour)
	require.NoError(t, err)

	m.timeFunc = time.Now
	subject, err := m.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)
}

func TestTraceMiddleware(t *testing.T) {
	var traceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		shared.RespondWithError(w, r, http.StatusTeapot, "short and stout")
	})

	w := httptest.NewRecorder()
	NewTraceMiddleware(nil)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Len(t, traceID, 2*shared.TraceIDLength)
	assert.Contains(t, w.Body.String(), traceID)
}
