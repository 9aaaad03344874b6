package api

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

	"spot-trading-engine/internal/auth"
	"spot-trading-engine/internal/database"
)

type fakeStore struct {
	healthErr    error
	passwordHash string
	positions    []*database.Position
	trades       []*database.Trade
	riskState    *database.RiskState
}

func (f *fakeStore) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeStore) GetOpenPositions(ctx context.Context) ([]*database.Position, error) {
	return f.positions, nil
}

func (f *fakeStore) GetRecentPositions(ctx context.Context, limit int) ([]*database.Position, error) {
	return f.positions, nil
}

func (f *fakeStore) GetRecentTrades(ctx context.Context, limit int) ([]*database.Trade, error) {
	return f.trades, nil
}

func (f *fakeStore) GetOrCreateRiskState(ctx context.Context, date time.Time, startingBalance float64) (*database.RiskState, error) {
	if f.riskState == nil {
		return nil, errors.New("no risk state")
	}
	return f.riskState, nil
}

func (f *fakeStore) GetUpcomingEvents(ctx context.Context, now time.Time) ([]*database.EconomicEvent, error) {
	return nil, nil
}

func (f *fakeStore) GetUserPasswordHash(ctx context.Context, username string) (string, error) {
	if f.passwordHash == "" {
		return "", errors.New("user not found")
	}
	return f.passwordHash, nil
}

type fakeEngine struct {
	resumed bool
	closed  []int64
}

func (f *fakeEngine) GetStats(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{"trading_allowed": true}
}

func (f *fakeEngine) ResumeTrading(ctx context.Context) error {
	f.resumed = true
	return nil
}

func (f *fakeEngine) ClosePosition(ctx context.Context, positionID int64, reason string) error {
	f.closed = append(f.closed, positionID)
	return nil
}

func newTestServer(t *testing.T, store *fakeStore, engine *fakeEngine, withAuth bool) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var jwtManager *auth.JWTManager
	if withAuth {
		jwtManager = auth.NewJWTManager("test-secret", time.Minute)
	}

	return NewServer(ServerConfig{
		Port:           0,
		AllowedOrigins: "http://localhost:5173",
	}, store, engine, nil, nil, jwtManager)
}

func authHeader(t *testing.T, s *Server) string {
	t.Helper()
	token, err := s.jwtManager.GenerateAccessToken("operator")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return "Bearer " + token
}

func TestHandleHealth(t *testing.T) {
	store := &fakeStore{}
	server := newTestServer(t, store, &fakeEngine{}, false)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", w.Code)
	}

	store.healthErr = errors.New("connection refused")
	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", w.Code)
	}
}

func TestHandleLogin(t *testing.T) {
	hash, err := auth.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	server := newTestServer(t, &fakeStore{passwordHash: hash}, &fakeEngine{}, true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/login",
		strings.NewReader(`{"username": "operator", "password": "correct-horse"}`))
	req.Header.Set("Content-Type", "application/json")
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["access_token"] == "" {
		t.Error("no access token in response")
	}

	// Wrong password
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/login",
		strings.NewReader(`{"username": "operator", "password": "wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	server.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", w.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, &fakeStore{riskState: &database.RiskState{}}, &fakeEngine{}, true)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", authHeader(t, server))
	server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestHandleClosePosition(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(t, &fakeStore{}, engine, false)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/positions/42/close", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("close status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(engine.closed) != 1 || engine.closed[0] != 42 {
		t.Errorf("closed = %v, want [42]", engine.closed)
	}

	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/positions/abc/close", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", w.Code)
	}
}

func TestHandleResumeTrading(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(t, &fakeStore{}, engine, false)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/risk/resume", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", w.Code)
	}
	if !engine.resumed {
		t.Error("engine not resumed")
	}
}
