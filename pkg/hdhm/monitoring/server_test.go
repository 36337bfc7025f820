package monitoring

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerServesMetricsAndProfiles(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "hdhm", Name: "test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s, err := Start("127.0.0.1:0", reg, nil)
	require.NoError(t, err)
	defer s.Stop(context.Background())

	code, body := get(t, "http://"+s.Addr()+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "hdhm_test_total 3")

	code, _ = get(t, "http://"+s.Addr()+"/debug/pprof/")
	assert.Equal(t, http.StatusOK, code)
}

func TestServerWithoutGatherer(t *testing.T) {
	s, err := Start("127.0.0.1:0", nil, nil)
	require.NoError(t, err)

	code, _ := get(t, "http://"+s.Addr()+"/metrics")
	assert.Equal(t, http.StatusNotFound, code)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStartBadAddress(t *testing.T) {
	_, err := Start("256.0.0.1:bad", nil, nil)
	assert.Error(t, err)
}
