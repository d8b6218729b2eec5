package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func splitHeaderList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, strings.ToLower(trimmed))
		}
	}
	return items
}

func TestWebSocketPreflightAdvertisesServedMethods(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authority, _ := mustAuthority(t, nil)
	handler, err := NewHTTPHandler(Dependencies{
		Authority: authority,
		Tokens:    stubTokenValidator{validateErr: errors.New("preflight must not be authorized")},
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	const origin = "https://replica.example.com"
	request := httptest.NewRequest(http.MethodOptions, "/ws", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "Authorization, Sec-WebSocket-Protocol")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != origin {
		t.Fatalf("expected the origin to be echoed, got %q", got)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}

	methods := splitHeaderList(recorder.Header().Get("Access-Control-Allow-Methods"))
	for _, served := range []string{http.MethodGet, http.MethodOptions} {
		if !slices.Contains(methods, strings.ToLower(served)) {
			t.Fatalf("expected %s in Access-Control-Allow-Methods, got %v", served, methods)
		}
	}
	for _, unserved := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		if slices.Contains(methods, strings.ToLower(unserved)) {
			t.Fatalf("expected %s to stay disallowed, got %v", unserved, methods)
		}
	}

	allowHeaders := splitHeaderList(recorder.Header().Get("Access-Control-Allow-Headers"))
	for _, header := range []string{"authorization", "sec-websocket-protocol"} {
		if !slices.Contains(allowHeaders, header) {
			t.Fatalf("expected %s in Access-Control-Allow-Headers, got %v", header, allowHeaders)
		}
	}
}
