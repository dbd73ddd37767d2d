package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsAvailability(t *testing.T) {
	RecordSession(RoleServer, StatusSuccess, 2*time.Second)
	RecordHandshakeFailure(RoleClient, "Unauthorized")
	RecordBytes("alpha_home", DirectionTx, 4096)
	RecordChunkLatency(5 * time.Millisecond)
	RecordSnapshotReplicated("alpha_home", "full")

	timer := NewSessionTimer(RoleClient)
	timer.ObserveSuccess()
	NewSessionTimer(RoleServer).ObserveError()

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, http.NoBody)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("fetching metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	content := string(body)

	for _, want := range []string{
		"subvolsync_sessions_total",
		"subvolsync_session_duration_seconds",
		"subvolsync_handshake_failures_total",
		"subvolsync_bytes_total",
		"subvolsync_chunk_send_latency_seconds",
		"subvolsync_snapshots_replicated_total",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
