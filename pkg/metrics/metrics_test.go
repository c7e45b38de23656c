package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RequestDone("getblockhash", 200, 10*time.Millisecond, nil)
	m.RequestDone("getblockhash", 200, 10*time.Millisecond, nil)
	m.RequestDone("getblockhash", 429, time.Millisecond, errors.New("rate limited"))
	m.RequestRetried("getblockhash")
	m.BlocksFetched(800)
	m.RunFinished(nil)
	m.SetTip(850000)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("getblockhash", "200", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("getblockhash", "429", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("getblockhash")))
	assert.Equal(t, 800.0, testutil.ToFloat64(m.blocksFetched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("success")))
	assert.Equal(t, 850000.0, testutil.ToFloat64(m.tipHeight))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BlocksFetched(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "btcfetch_blocks_fetched_total 3"))
}
