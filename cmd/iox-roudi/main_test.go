package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Indra5196/iceoryx/internal/config"
)

func TestMetricsMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "iox_test_total", Help: "test"}))
	srv := httptest.NewServer(metricsMux(reg))
	defer srv.Close()

	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "ok"},
		{"/metrics", "iox_test_total 0"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, string(body), tt.want)
		})
	}
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := config.Default()
	cfg.SegmentAnonymous = true
	cfg.Mempools = config.MempoolList{{PayloadSize: 128, ChunkCount: 8}}
	cfg.MaxPorts = 4
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.LogLevel = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, run(ctx, cfg, nil))
}

func TestRunExportsBrokerMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.SegmentAnonymous = true
	cfg.Mempools = config.MempoolList{{PayloadSize: 128, ChunkCount: 8}}
	cfg.MaxPorts = 4
	cfg.DiscoveryInterval = time.Millisecond
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.LogLevel = "error"

	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, func(addr string) { addrs <- addr }) }()
	addr := <-addrs

	scrape := func() string {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}
	assert.Eventually(t, func() bool {
		body := scrape()
		return strings.Contains(body, `iox_mempool_chunks{chunk_size=`) &&
			strings.Contains(body, "iox_service_registry_entries 0")
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRunRejectsBusyMetricsAddr(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.Default()
	cfg.SegmentAnonymous = true
	cfg.Mempools = config.MempoolList{{PayloadSize: 128, ChunkCount: 8}}
	cfg.MetricsAddr = ln.Addr().String()
	cfg.LogLevel = "error"
	assert.Error(t, run(context.Background(), cfg, nil))
}

func TestRootCmdRejectsBadEnvironment(t *testing.T) {
	t.Setenv("IOX_MAX_PORTS", "0")
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}
