// Package metrics exports conversation counters to Prometheus by
// listening on the event bus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/turn"
)

// Collector holds the companion's metrics on a private registry.
type Collector struct {
	Registry *prometheus.Registry

	Turns           *prometheus.CounterVec
	DialogueLatency prometheus.Histogram
	Captures        *prometheus.CounterVec
	Playbacks       *prometheus.CounterVec
	Listening       prometheus.Gauge
	Speaking        prometheus.Gauge
}

// NewCollector registers the metrics plus Go runtime collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		Registry: reg,
		Turns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_turns_total",
				Help: "Conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		DialogueLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "companion_dialogue_latency_seconds",
				Help:    "Round trip time of /chat requests",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		Captures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_capture_total",
				Help: "Voice capture sessions by outcome",
			},
			[]string{"outcome"},
		),
		Playbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_playback_total",
				Help: "Reply playbacks by outcome",
			},
			[]string{"outcome"},
		),
		Listening: f.NewGauge(prometheus.GaugeOpts{
			Name: "companion_listening",
			Help: "1 while a capture session is live",
		}),
		Speaking: f.NewGauge(prometheus.GaugeOpts{
			Name: "companion_speaking",
			Help: "1 while a reply is being spoken",
		}),
	}
}

// Subscribe starts counting bus events. The returned func stops it.
func (c *Collector) Subscribe(b *bus.EventBus) func() {
	return b.SubscribeMultiple([]bus.EventType{
		bus.EventTypeTurnStarted,
		bus.EventTypeTurnCompleted,
		bus.EventTypeTurnFailed,
		bus.EventTypeTurnRejected,
		bus.EventTypeCaptureStarted,
		bus.EventTypeCaptureResult,
		bus.EventTypeCaptureFailed,
		bus.EventTypePlaybackStarted,
		bus.EventTypePlaybackEnded,
		bus.EventTypePlaybackFailed,
		bus.EventTypeStateChanged,
	}, c.Observe)
}

// Observe records one bus event.
func (c *Collector) Observe(e bus.Event) {
	switch e.Type {
	case bus.EventTypeTurnStarted:
		c.Turns.WithLabelValues("started").Inc()
	case bus.EventTypeTurnCompleted:
		c.Turns.WithLabelValues("completed").Inc()
		c.observeLatency(e)
	case bus.EventTypeTurnFailed:
		c.Turns.WithLabelValues("failed").Inc()
		c.observeLatency(e)
	case bus.EventTypeTurnRejected:
		c.Turns.WithLabelValues("rejected").Inc()

	case bus.EventTypeCaptureStarted:
		c.Captures.WithLabelValues("started").Inc()
	case bus.EventTypeCaptureResult:
		outcome, _ := e.Data["outcome"].(string)
		if outcome == "" {
			outcome = "transcript"
		}
		c.Captures.WithLabelValues(outcome).Inc()
	case bus.EventTypeCaptureFailed:
		kind, _ := e.Data["kind"].(string)
		c.Captures.WithLabelValues("failed_" + kind).Inc()

	case bus.EventTypePlaybackStarted:
		c.Playbacks.WithLabelValues("started").Inc()
	case bus.EventTypePlaybackEnded:
		if cancelled, _ := e.Data["cancelled"].(bool); cancelled {
			c.Playbacks.WithLabelValues("cancelled").Inc()
		} else {
			c.Playbacks.WithLabelValues("ended").Inc()
		}
	case bus.EventTypePlaybackFailed:
		c.Playbacks.WithLabelValues("failed").Inc()

	case bus.EventTypeStateChanged:
		if st, ok := e.Data["state"].(turn.State); ok {
			c.Listening.Set(boolGauge(st.IsListening))
			c.Speaking.Set(boolGauge(st.IsSpeaking))
		}
	}
}

func (c *Collector) observeLatency(e bus.Event) {
	if d, ok := e.Data["latency"].(time.Duration); ok {
		c.DialogueLatency.Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
