package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsAreIsolatedPerInstance(t *testing.T) {
	// Two instances must not collide on a shared registry.
	a := NewMetrics()
	b := NewMetrics()

	a.RecordSessionCreated()
	a.RecordSessionCreated()
	b.RecordSessionCreated()

	if got := testutil.ToFloat64(a.SessionsCreated); got != 2 {
		t.Errorf("Expected 2 sessions on first instance, got %v", got)
	}
	if got := testutil.ToFloat64(b.SessionsCreated); got != 1 {
		t.Errorf("Expected 1 session on second instance, got %v", got)
	}
}

func TestSessionLifecycleGauge(t *testing.T) {
	m := NewMetrics()
	m.RecordSessionCreated()
	m.RecordSessionCreated()
	m.RecordSessionDestroyed("disconnect", 3*time.Second)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("Expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsDestroyed.WithLabelValues("disconnect")); got != 1 {
		t.Errorf("Expected 1 disconnect, got %v", got)
	}
}

func TestRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordProviderCall("transcribe", 100*time.Millisecond, nil)
	m.RecordProviderCall("transcribe", 100*time.Millisecond, errors.New("boom"))
	m.RecordSegment(50*time.Millisecond, false)
	m.RecordSegment(50*time.Millisecond, true)
	m.RecordSpeechEpisode(false)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"provider success", testutil.ToFloat64(m.ProviderCalls.WithLabelValues("transcribe", "success")), 1},
		{"provider failure", testutil.ToFloat64(m.ProviderCalls.WithLabelValues("transcribe", "failure")), 1},
		{"segments", testutil.ToFloat64(m.SegmentsSynthesized), 2},
		{"placeholders", testutil.ToFloat64(m.SegmentPlaceholders), 1},
		{"discarded episodes", testutil.ToFloat64(m.SpeechEpisodes.WithLabelValues("discarded")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordBargeIn()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "voiceturn_barge_ins_total 1") {
		t.Errorf("Expected barge-in counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Expected Go runtime collector in exposition")
	}
}
