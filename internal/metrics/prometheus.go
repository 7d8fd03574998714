package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the voice turn service
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec
	SessionDuration   prometheus.Histogram

	// Turn metrics
	Turns             *prometheus.CounterVec
	BargeIns          prometheus.Counter
	StateTransitions  *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	UtterancesDropped *prometheus.CounterVec

	// VAD metrics
	SpeechEpisodes *prometheus.CounterVec

	// Response streaming metrics
	SegmentsSynthesized prometheus.Counter
	SegmentPlaceholders prometheus.Counter
	SegmentLatency      prometheus.Histogram

	// Provider metrics
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec

	// Transport metrics
	MessagesIn   *prometheus.CounterVec
	MessagesOut  *prometheus.CounterVec
	Backpressure prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry. Go runtime and
// process collectors are registered alongside.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voiceturn_active_sessions",
			Help: "Current number of connected sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceturn_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_sessions_destroyed_total",
			Help: "Total number of sessions destroyed, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voiceturn_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Turn metrics
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_turns_total",
			Help: "Total number of conversation turns, by outcome",
		}, []string{"outcome"}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceturn_barge_ins_total",
			Help: "Total number of responses interrupted by new speech",
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_state_transitions_total",
			Help: "Total number of session state transitions",
		}, []string{"from", "to"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voiceturn_first_audio_latency_seconds",
			Help:    "Time from end of speech to the first response chunk",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		UtterancesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_utterances_dropped_total",
			Help: "Total number of utterances not finalized, by reason",
		}, []string{"reason"}),

		// VAD metrics
		SpeechEpisodes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_vad_episodes_total",
			Help: "Total number of server-side VAD speech episodes, by result",
		}, []string{"result"}),

		// Response streaming metrics
		SegmentsSynthesized: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceturn_segments_synthesized_total",
			Help: "Total number of response segments synthesized",
		}),
		SegmentPlaceholders: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceturn_segment_placeholders_total",
			Help: "Total number of segments replaced by a placeholder after synthesis failed",
		}),
		SegmentLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voiceturn_segment_synthesis_seconds",
			Help:    "Time from segment cut to synthesized audio",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		// Provider metrics
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_provider_calls_total",
			Help: "Total number of provider calls, by operation and result",
		}, []string{"op", "result"}),
		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voiceturn_provider_call_duration_seconds",
			Help:    "Duration of provider calls including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"op"}),

		// Transport metrics
		MessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_messages_received_total",
			Help: "Total number of inbound messages, by type",
		}, []string{"type"}),
		MessagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_messages_sent_total",
			Help: "Total number of outbound messages, by type",
		}, []string{"type"}),
		Backpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceturn_backpressure_disconnects_total",
			Help: "Total number of sessions closed because the client stopped draining",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voiceturn_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceturn_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionCreated increments the created counter and the active gauge
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionDestroyed records a closed session
func (m *Metrics) RecordSessionDestroyed(reason string, duration time.Duration) {
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordTurn records how a turn ended: completed, interrupted, cancelled,
// empty or failed.
func (m *Metrics) RecordTurn(outcome string) {
	m.Turns.WithLabelValues(outcome).Inc()
}

// RecordBargeIn increments the barge-in counter
func (m *Metrics) RecordBargeIn() {
	m.BargeIns.Inc()
}

// RecordTransition counts a session state change
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordFirstAudio observes the delay before a response became audible
func (m *Metrics) RecordFirstAudio(latency time.Duration) {
	m.FirstAudioLatency.Observe(latency.Seconds())
}

// RecordUtteranceDropped counts an utterance that never reached transcription
func (m *Metrics) RecordUtteranceDropped(reason string) {
	m.UtterancesDropped.WithLabelValues(reason).Inc()
}

// RecordSpeechEpisode counts a VAD episode, kept or discarded
func (m *Metrics) RecordSpeechEpisode(kept bool) {
	result := "kept"
	if !kept {
		result = "discarded"
	}
	m.SpeechEpisodes.WithLabelValues(result).Inc()
}

// RecordSegment records one synthesized response segment
func (m *Metrics) RecordSegment(latency time.Duration, placeholder bool) {
	m.SegmentsSynthesized.Inc()
	if placeholder {
		m.SegmentPlaceholders.Inc()
	}
	m.SegmentLatency.Observe(latency.Seconds())
}

// RecordProviderCall records one guarded provider call
func (m *Metrics) RecordProviderCall(op string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ProviderCalls.WithLabelValues(op, result).Inc()
	m.ProviderDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordMessageIn counts an inbound message by wire type
func (m *Metrics) RecordMessageIn(msgType string) {
	m.MessagesIn.WithLabelValues(msgType).Inc()
}

// RecordMessageOut counts an outbound message by wire type
func (m *Metrics) RecordMessageOut(msgType string) {
	m.MessagesOut.WithLabelValues(msgType).Inc()
}

// RecordBackpressure counts a session dropped for not draining
func (m *Metrics) RecordBackpressure() {
	m.Backpressure.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
