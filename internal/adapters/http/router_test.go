package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dkeye/VoiceCall/internal/adapters/rtc"
	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/gin-gonic/gin"
)

func newRelayRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Mode: "test", Secret: "test-secret", Relay: config.RelayConfig{SessionKey: "relay"}}
	relay := app.NewRelay(app.NewRegistry(), app.SimplePolicy{}, nil)
	return SetupRelayRouter(context.Background(), cfg, relay, rtc.StaticICE([]string{"stun:stun.example:3478"}))
}

func TestRelayICEEndpoint(t *testing.T) {
	r := newRelayRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ice", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list rtc.ICEList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.ICEServers) != 1 || list.ICEServers[0].URLs[0] != "stun:stun.example:3478" {
		t.Errorf("ICEServers = %+v", list.ICEServers)
	}
}

func TestUserRememberedInSessionCookie(t *testing.T) {
	r := newRelayRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/whoami?user=alice", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"alice"`) {
		t.Fatalf("whoami = %d %s", w.Code, w.Body.String())
	}
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"alice"`) {
		t.Errorf("whoami from cookie = %d %s", w.Code, w.Body.String())
	}
}

func TestUserMiddlewareRejectsBadIDs(t *testing.T) {
	r := newRelayRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/whoami", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("anonymous whoami = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/whoami?user="+strings.Repeat("x", 65), nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("long user = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ws/signal", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous ws = %d, want 401", w.Code)
	}
}
