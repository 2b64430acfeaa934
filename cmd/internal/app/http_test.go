package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"parley/cmd/internal/hub"
	"parley/cmd/internal/presence"
	"parley/cmd/internal/store"
	v1 "parley/contracts/chat/v1"
)

func newTestMux(t *testing.T, cfg Config, st store.Store) *http.ServeMux {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(log, presence.NewMemoryRegistry(), st, hub.NewMemoryBus().Node())
	ws := hub.NewWSGateway(log, h, &hub.HeaderIdentityProvider{})

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, nil, nil, st, ws)
	return mux
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{}, store.NewMemoryStore("general"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestReadyzWithoutBackends(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{}, store.NewMemoryStore())
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("dev mode must be ready, status=%d", rr.Code)
	}
}

func TestReadyzRequiresRedisWhenConfigured(t *testing.T) {
	t.Parallel()

	cfg := Config{ReadinessRequireRedis: true}
	mux := newTestMux(t, cfg, store.NewMemoryStore())
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without redis, status=%d", rr.Code)
	}
}

func TestAPIRooms(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{}, store.NewMemoryStore("general", "random"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var rooms []v1.Room
	if err := json.Unmarshal(rr.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rooms) != 2 || rooms[0].Name != "general" || rooms[1].Name != "random" {
		t.Fatalf("unexpected rooms: %v", rooms)
	}
}

func TestAPIMessages(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore("general")
	if _, err := st.SaveMessage(context.Background(), store.SaveMessageInput{
		Content:      "hello",
		FromUserName: "alice",
		Room:         "general",
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	mux := newTestMux(t, Config{}, st)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/messages?room=general", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var msgs []v1.Message
	if err := json.Unmarshal(rr.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("unexpected messages: %v", msgs)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/messages?room=nowhere", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing room: status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing param: status=%d", rr.Code)
	}
}
