package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveStage(t *testing.T) {
	m := New()
	in, out := 1200, 300
	m.ObserveStage("critic", "passed", 2*time.Second, &in, &out)
	m.ObserveStage("critic", "passed", time.Second, nil, nil)
	m.ObserveStage("critic", "transport_failure", time.Second, nil, nil)

	if got := testutil.ToFloat64(m.StageRuns.WithLabelValues("critic", "passed")); got != 2 {
		t.Errorf("passed runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Tokens.WithLabelValues("critic", "in")); got != 1200 {
		t.Errorf("tokens in = %v, want 1200", got)
	}
}

func TestObserveGateAndHandler(t *testing.T) {
	m := New()
	m.ObserveGate("security", true)
	m.ObserveGate("critic_score", false)
	m.SetIteration(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`forge_gate_result{gate="security"} 1`,
		`forge_gate_result{gate="critic_score"} 0`,
		`forge_critic_fixer_iteration 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("research", "passed", time.Second, nil, nil)
	m.ObserveGate("security", true)
	m.SetIteration(1)
}
