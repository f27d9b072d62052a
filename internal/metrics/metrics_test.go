package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNoopRecorderIsSafe(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.StageCompleted("configure", "success", time.Second)
	r.RunCompleted("success", time.Minute)
}

func TestPrometheusRecorderExposesMetrics(t *testing.T) {
	r := NewPrometheusRecorder()
	r.StageCompleted("configure", "success", 2*time.Second)
	r.StageCompleted("compile", "failure", 30*time.Second)
	r.RunCompleted("failure", time.Minute)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`avforge_stage_results_total{result="success",stage="configure"} 1`,
		`avforge_stage_results_total{result="failure",stage="compile"} 1`,
		"avforge_stage_duration_seconds",
		`avforge_run_duration_seconds_count{outcome="failure"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
