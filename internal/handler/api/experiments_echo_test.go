package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StratSplit/internal/repository"
	"StratSplit/internal/usecase"
	"StratSplit/pkg/cache"
	"StratSplit/pkg/config"
	xlogger "StratSplit/pkg/logger"
)

const testConfig = `
experiments:
  - name: exp
    control: rsi
    min_trades_required: 10
    variants:
      - name: rsi
        strategy:
          type: rsi_reversion
      - name: macd
        strategy:
          type: macd_momentum
`

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*echo.Echo, *usecase.Registry, *repository.CacheReportStore) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	reg, err := usecase.NewRegistryFromConfig(cfg.Experiments)
	require.NoError(t, err)
	reports := repository.NewCacheReportStore(cache.NewMemoryCache())

	e := echo.New()
	NewExperimentsEchoHandler(xlogger.Nop(), reg, reports).RegisterRoutes(e)
	return e, reg, reports
}

func do(e *echo.Echo, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestHealthAndList(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec, env := do(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","experiments":1}`, string(env.Data))

	rec, env = do(e, http.MethodGet, "/api/experiments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rows []struct {
			Name     string   `json:"name"`
			Control  string   `json:"control"`
			Variants []string `json:"variants"`
		} `json:"rows"`
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, int64(1), list.Total)
	assert.Equal(t, "exp", list.Rows[0].Name)
	assert.Equal(t, []string{"rsi", "macd"}, list.Rows[0].Variants)
}

func TestRouteSettleReport(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec, env := do(e, http.MethodPost, "/api/experiments/exp/route",
		`{"trade_id":"t-1","price":100,"account_size":5000,"indicators":{"rsi":10,"macd":5}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var routed struct {
		Decision struct {
			Variant string  `json:"variant"`
			Action  string  `json:"action"`
			Size    float64 `json:"size"`
		} `json:"decision"`
		Included bool `json:"included"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &routed))
	assert.True(t, routed.Included)
	assert.Equal(t, "buy", routed.Decision.Action)
	assert.Equal(t, 50.0, routed.Decision.Size)

	rec, _ = do(e, http.MethodPost, "/api/experiments/exp/settle", `{"variant":"macd","pnl":3,"latency_ms":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = do(e, http.MethodGet, "/api/experiments/exp/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		Variants []struct {
			Name   string `json:"name"`
			Trades int64  `json:"trades"`
		} `json:"variants"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, int64(1), report.Variants[1].Trades)

	rec, _ = do(e, http.MethodGet, "/api/experiments/exp/report?format=text", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient data")
}

func TestErrorsMapToStatus(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec, _ := do(e, http.MethodGet, "/api/experiments/nope/report", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(e, http.MethodPost, "/api/experiments/exp/settle", `{"variant":"ghost","pnl":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(e, http.MethodPost, "/api/experiments/exp/route", `{"price":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "trade_id is required")

	rec, _ = do(e, http.MethodGet, "/api/experiments/exp/report?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(e, http.MethodGet, "/api/experiments/exp/report?cached=true", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopIsConflictTheSecondTime(t *testing.T) {
	e, reg, _ := newTestServer(t)

	rec, env := do(e, http.MethodPost, "/api/experiments/exp/stop", `{"note":"rollback"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, string(env.Data), `"manual_stop"`)

	m, err := reg.Get("exp")
	require.NoError(t, err)
	assert.True(t, m.Status().Terminal())
	require.NoError(t, m.Wait(context.Background()))

	rec, _ = do(e, http.MethodPost, "/api/experiments/exp/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCachedReport(t *testing.T) {
	e, reg, reports := newTestServer(t)
	usecase.NewMonitorLoop(reg, reports, time.Second, time.Minute, nil).Tick(context.Background())

	rec, env := do(e, http.MethodGet, "/api/experiments/exp/report?cached=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"experiment":"exp"`)
}

func TestPlan(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec, env := do(e, http.MethodGet, "/api/plan?baseline=0.5&effect=0.05", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var plan struct {
		PerVariant int64   `json:"per_variant"`
		Alpha      float64 `json:"alpha"`
		Power      float64 `json:"power"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &plan))
	assert.InDelta(t, 1546, plan.PerVariant, 5)
	assert.Equal(t, 0.05, plan.Alpha)
	assert.Equal(t, 0.8, plan.Power)

	rec, _ = do(e, http.MethodGet, "/api/plan?baseline=2&effect=0.05", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
