package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/copen/internal/metrics"
	"github.com/Paintersrp/copen/internal/process"
)

var _ process.Observer = metrics.Observer{}

func TestRegistryExposesMetrics(t *testing.T) {
	t.Helper()

	metrics.EmitBuildInfo()
	obs := metrics.Observer{}
	obs.HandleStarted(process.KindCommand)
	obs.HandleStarted(process.KindCommand)
	obs.HandleFinished(process.KindCommand, process.OutcomeSuccess, 20*time.Millisecond)
	obs.SpawnFailed(process.KindCallable)
	obs.KillEscalated(process.KindCommand)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}

	body := rec.Body.String()
	for _, line := range []string{
		`copen_spawned_total{kind="command"} 2`,
		`copen_completed_total{kind="command",outcome="success"} 1`,
		`copen_spawn_failures_total{kind="callable"} 1`,
		`copen_kill_escalations_total{kind="command"} 1`,
		`copen_live_handles 1`,
		`copen_handle_duration_seconds_count{kind="command"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected metric line %q in body:\n%s", line, body)
		}
	}

	if !strings.Contains(body, "copen_build_info{") {
		t.Fatalf("expected build info metric in body:\n%s", body)
	}
	if !strings.Contains(body, "go_version=") {
		t.Fatalf("expected go_version label on build info metric:\n%s", body)
	}
}
