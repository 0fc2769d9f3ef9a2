package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"binance-grid-engine-go/internal/engine"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*Server, *exchange.PaperExchange) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)

	sup := engine.NewSupervisor(engine.SupervisorConfig{
		Store:       st,
		Bus:         engine.NewBus(),
		NewExchange: func(_, _ string) exchange.Exchange { return paper },
		Interval:    20 * time.Millisecond,
		Logger:      zap.NewNop(),
	})
	t.Cleanup(sup.Shutdown)
	return NewServer(sup, "127.0.0.1:0", zap.NewNop()), paper
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func strategyBody() map[string]any {
	return map[string]any{
		"symbol":        "BTCUSDT",
		"position_side": "LONG",
		"leverage":      5,
		"price_min":     90000,
		"price_max":     100000,
		"grid_step":     1000,
		"order_size":    0.01,
		"api_key":       "test-api-key-0001",
		"api_secret":    "test-secret",
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateAndGetStrategy(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/strategies", strategyBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Strategy struct {
			ID        string `json:"id"`
			APIKey    string `json:"api_key"`
			APISecret string `json:"api_secret"`
		} `json:"strategy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Strategy.ID)
	assert.Empty(t, created.Strategy.APISecret, "密钥不能出现在响应里")
	assert.Equal(t, "****0001", created.Strategy.APIKey)

	w = doJSON(t, s, http.MethodGet, "/api/strategies/"+created.Strategy.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateRejectsBadConfig(t *testing.T) {
	s, _ := newTestServer(t)
	body := strategyBody()
	body["order_size"] = 0

	w := doJSON(t, s, http.MethodPost, "/api/strategies", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMissingStrategy(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/strategies/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseResumeDeleteFlow(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/strategies", strategyBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Strategy struct {
			ID string `json:"id"`
		} `json:"strategy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Strategy.ID

	assert.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/strategies/"+id+"/pause", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/strategies/"+id+"/resume", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, s, http.MethodDelete, "/api/strategies/"+id, nil).Code)

	// 删除后不在列表中
	w = doJSON(t, s, http.MethodGet, "/api/strategies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Strategies []json.RawMessage `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Strategies)

	assert.Equal(t, http.StatusConflict, doJSON(t, s, http.MethodPost, "/api/strategies/"+id+"/pause", nil).Code)
}

func TestListOrders(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/strategies", strategyBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Strategy struct {
			ID string `json:"id"`
		} `json:"strategy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// 等一个周期让网格挂出去
	require.Eventually(t, func() bool {
		w := doJSON(t, s, http.MethodGet, "/api/strategies/"+created.Strategy.ID+"/orders", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var resp struct {
			Orders []json.RawMessage `json:"orders"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			return false
		}
		return len(resp.Orders) == 5
	}, 8*time.Second, 50*time.Millisecond)

	w = doJSON(t, s, http.MethodGet, "/api/strategies/nope/orders", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
