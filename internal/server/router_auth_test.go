package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/auth"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenValidator{validateErr: auth.ErrExpiredToken},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenValidator{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestStoresClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)

	expected := auth.AccessClaims{Objects: []string{"doc-1"}}
	expected.Subject = "replica-7"
	handler := &httpHandler{tokens: stubTokenValidator{claims: expected}, logger: zap.NewNop()}

	handler.authorizeRequest(ctx)

	stored, ok := ctx.Get(claimsContextKey)
	if !ok {
		t.Fatalf("expected claims in the request context")
	}
	claims := stored.(auth.AccessClaims)
	if claims.Subject != "replica-7" || !claims.CanRead("doc-1") || claims.CanRead("doc-2") {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if ctx.IsAborted() {
		t.Fatalf("valid tokens must not abort the request")
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	authority, _ := mustAuthority(t, nil)
	if _, err := NewHTTPHandler(Dependencies{Tokens: stubTokenValidator{}}); !errors.Is(err, errMissingAuthority) {
		t.Fatalf("expected errMissingAuthority, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Authority: authority}); !errors.Is(err, errMissingTokenIssuer) {
		t.Fatalf("expected errMissingTokenIssuer, got %v", err)
	}
}

func TestHealthReportsConnectionsAndDocuments(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authority, registry := mustAuthority(t, nil)
	if _, err := registry.Open(t.Context(), "doc-9"); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close("doc-9") })

	handler, err := NewHTTPHandler(Dependencies{Authority: authority, Tokens: stubTokenValidator{}})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Documents   int    `json:"documents"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || body.Connections != 0 || body.Documents != 1 {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestWebSocketRouteRejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "gravity-workspace",
		Audience:      "gravity-replicas",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	authority, _ := mustAuthority(t, nil)
	handler, err := NewHTTPHandler(Dependencies{Authority: authority, Tokens: issuer})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ws", http.NoBody))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

type stubTokenValidator struct {
	claims      auth.AccessClaims
	validateErr error
}

func (s stubTokenValidator) ValidateRequest(*http.Request) (auth.AccessClaims, error) {
	return s.claims, s.validateErr
}

