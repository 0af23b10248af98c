// README: Tests for the bearer-token auth middleware against stub and HS256 verifiers.
package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campusride/internal/http/middleware"
	"campusride/internal/infra"
)

// recordingVerifier returns a fixed answer and remembers the raw token it saw.
type recordingVerifier struct {
	token *infra.CallerToken
	err   error
	seen  []string
}

func (v *recordingVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.CallerToken, error) {
	v.seen = append(v.seen, raw)
	return v.token, v.err
}

type callerBody struct {
	UID  string `json:"uid"`
	Role string `json:"role"`
}

// serve runs one request through Auth and reports whether the protected
// handler was reached.
func serve(t *testing.T, verifier infra.TokenVerifier, header string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reached := false
	r := gin.New()
	r.Use(middleware.Auth(verifier))
	r.GET("/me", func(c *gin.Context) {
		reached = true
		c.JSON(http.StatusOK, callerBody{UID: middleware.CallerUID(c), Role: middleware.CallerRole(c)})
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w, reached
}

func TestAuthRejects(t *testing.T) {
	valid := &infra.CallerToken{UID: "p1", Claims: map[string]interface{}{}}
	cases := []struct {
		name          string
		header        string
		verifier      *recordingVerifier
		verifierCalls int
	}{
		{"missing header", "", &recordingVerifier{token: valid}, 0},
		{"non-bearer scheme", "Token abc", &recordingVerifier{token: valid}, 0},
		{"lowercase scheme", "bearer abc", &recordingVerifier{token: valid}, 0},
		{"blank bearer", "Bearer    ", &recordingVerifier{token: valid}, 0},
		{"verifier error", "Bearer abc", &recordingVerifier{err: errors.New("signature mismatch")}, 1},
		{"nil token without error", "Bearer abc", &recordingVerifier{}, 1},
		{"blank uid", "Bearer abc", &recordingVerifier{token: &infra.CallerToken{UID: ""}}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, reached := serve(t, tc.verifier, tc.header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.False(t, reached, "protected handler must not run")
			assert.Len(t, tc.verifier.seen, tc.verifierCalls)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "UNAUTHORIZED", body["code"])
		})
	}
}

func TestAuthTrimsTokenAndSetsCaller(t *testing.T) {
	v := &recordingVerifier{token: &infra.CallerToken{UID: "d1", Claims: map[string]interface{}{"role": "driver"}}}
	w, reached := serve(t, v, "Bearer   tok-123  ")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, reached)
	assert.Equal(t, []string{"tok-123"}, v.seen)

	var body callerBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, callerBody{UID: "d1", Role: "driver"}, body)
}

func TestAuthIgnoresNonStringRole(t *testing.T) {
	v := &recordingVerifier{token: &infra.CallerToken{UID: "p1", Claims: map[string]interface{}{"role": 7}}}
	w, _ := serve(t, v, "Bearer tok")
	require.Equal(t, http.StatusOK, w.Code)

	var body callerBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "p1", body.UID)
	assert.Empty(t, body.Role)
}

func TestAuthWithJWTVerifier(t *testing.T) {
	verifier := infra.NewJWTVerifier("local-secret")

	tok, err := verifier.Issue("p42", "passenger", time.Minute)
	require.NoError(t, err)
	w, reached := serve(t, verifier, "Bearer "+tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, reached)
	var body callerBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, callerBody{UID: "p42", Role: "passenger"}, body)

	expired, err := verifier.Issue("p42", "passenger", -time.Minute)
	require.NoError(t, err)
	w, reached = serve(t, verifier, "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, reached)

	forged, err := infra.NewJWTVerifier("other-secret").Issue("p42", "driver", time.Minute)
	require.NoError(t, err)
	w, reached = serve(t, verifier, "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, reached)
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(zap.NewNop()), middleware.Logging(zap.NewNop()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "INTERNAL"), w.Body.String())
}
