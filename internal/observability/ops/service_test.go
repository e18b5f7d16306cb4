package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "modguard/pkg/logx"
)

func testService(t *testing.T, health HealthFunc) *Service {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "modguard_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s := New(Config{Enabled: true}, logx.Nop(), health)
	s.gatherer = reg
	return s
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMetricsAndHealth(t *testing.T) {
	s := testService(t, nil)
	h := s.handler(Config{})

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modguard_test_total 3")

	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, rec.Code, "pprof is opt-in")
}

func TestHealthFailure(t *testing.T) {
	s := testService(t, func() error { return errors.New("store closed") })
	rec := get(t, s.handler(Config{}), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store closed")
}

func TestTokenAuth(t *testing.T) {
	s := testService(t, nil)
	h := s.handler(Config{Token: "s3cret", Pprof: true})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics?token=nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/cmdline?token=s3cret").Code)
	// Probes stay open so orchestrators need no secret.
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9464"))
	assert.False(t, isLoopbackAddr("garbage"))
}

func TestStartServesAndStops(t *testing.T) {
	s := testService(t, nil)
	s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})

	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())

	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	s := testService(t, nil)
	s.cfg = Config{Enabled: true, Addr: "0.0.0.0:0"}
	s.sup = nil
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, s.Addr())
}
