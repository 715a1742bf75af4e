// Package metrics exposes Prometheus instrumentation for the mesh node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "bitpoints"
	subsystem = "mesh"
)

// Recorder holds the mesh collectors. A nil *Recorder discards every
// observation, so instrumentation never needs to branch.
type Recorder struct {
	framesIn   prometheus.Counter
	framesOut  prometheus.Counter
	bytesIn    prometheus.Counter
	bytesOut   prometheus.Counter
	rejected   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	relayed    prometheus.Counter
	suppressed *prometheus.CounterVec
	delivered  prometheus.Counter

	handshakesStarted   prometheus.Counter
	handshakesCompleted prometheus.Counter
	handshakesFailed    prometheus.Counter

	sessionsActive    prometheus.Gauge
	connectionsActive prometheus.Gauge
	peersKnown        prometheus.Gauge
	blockedSenders    prometheus.Gauge

	fragmentsSplit     prometheus.Counter
	fragmentsAssembled prometheus.Counter
	fragmentsDropped   *prometheus.CounterVec

	eventsDropped prometheus.Counter
}

// NewRecorder registers the mesh collectors with reg. A nil reg falls back
// to the process-wide default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "frames_in_total",
			Help: "Frames handed in by transports",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "frames_out_total",
			Help: "Frames handed out to transports",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "bytes_in_total",
			Help: "Frame bytes handed in by transports",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "bytes_out_total",
			Help: "Frame bytes handed out to transports",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "frames_rejected_total",
			Help: "Frames rejected before decoding, grouped by verdict",
		}, []string{"verdict"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packets_dropped_total",
			Help: "Decoded packets dropped by routing, grouped by reason",
		}, []string{"reason"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packets_relayed_total",
			Help: "Packets re-broadcast toward other nodes",
		}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "relay_suppressed_total",
			Help: "Relay candidates suppressed, grouped by reason",
		}, []string{"reason"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packets_delivered_total",
			Help: "Packets delivered to this node",
		}),
		handshakesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "handshakes_started_total",
			Help: "Noise handshake runs started",
		}),
		handshakesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "handshakes_completed_total",
			Help: "Noise handshake runs completed",
		}),
		handshakesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "handshakes_failed_total",
			Help: "Noise handshake runs failed or timed out",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_active",
			Help: "Established Noise sessions",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "connections_active",
			Help: "Transport links currently tracked",
		}),
		peersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "peers_known",
			Help: "Peers in the directory",
		}),
		blockedSenders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "blocked_senders",
			Help: "Senders currently blocked by the security gate",
		}),
		fragmentsSplit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "fragments_split_total",
			Help: "Fragment frames produced for oversized packets",
		}),
		fragmentsAssembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "fragments_assembled_total",
			Help: "Original packets reassembled from fragments",
		}),
		fragmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "fragments_dropped_total",
			Help: "Fragments or assemblies discarded, grouped by reason",
		}, []string{"reason"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "events_dropped_total",
			Help: "Events discarded because the subscriber lagged",
		}),
	}

	reg.MustRegister(
		r.framesIn,
		r.framesOut,
		r.bytesIn,
		r.bytesOut,
		r.rejected,
		r.dropped,
		r.relayed,
		r.suppressed,
		r.delivered,
		r.handshakesStarted,
		r.handshakesCompleted,
		r.handshakesFailed,
		r.sessionsActive,
		r.connectionsActive,
		r.peersKnown,
		r.blockedSenders,
		r.fragmentsSplit,
		r.fragmentsAssembled,
		r.fragmentsDropped,
		r.eventsDropped,
	)
	return r
}

// Handler returns the HTTP handler serving /metrics for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveFrameIn counts one inbound frame of n bytes.
func (r *Recorder) ObserveFrameIn(n int) {
	if r == nil {
		return
	}
	r.framesIn.Inc()
	r.bytesIn.Add(float64(n))
}

// ObserveFrameOut counts one outbound frame of n bytes.
func (r *Recorder) ObserveFrameOut(n int) {
	if r == nil {
		return
	}
	r.framesOut.Inc()
	r.bytesOut.Add(float64(n))
}

// ObserveRejected counts a frame refused by the security gate.
func (r *Recorder) ObserveRejected(verdict string) {
	if r == nil {
		return
	}
	if verdict == "" {
		verdict = "unknown"
	}
	r.rejected.WithLabelValues(verdict).Inc()
}

// ObserveDropped counts a decoded packet the router discarded.
func (r *Recorder) ObserveDropped(reason string) {
	if r == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	r.dropped.WithLabelValues(reason).Inc()
}

// ObserveRelayed counts a packet flooded onward.
func (r *Recorder) ObserveRelayed() {
	if r == nil {
		return
	}
	r.relayed.Inc()
}

// ObserveRelaySuppressed counts a relay candidate the policy vetoed.
func (r *Recorder) ObserveRelaySuppressed(reason string) {
	if r == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	r.suppressed.WithLabelValues(reason).Inc()
}

// ObserveDelivered counts a packet consumed locally.
func (r *Recorder) ObserveDelivered() {
	if r == nil {
		return
	}
	r.delivered.Inc()
}

func (r *Recorder) ObserveHandshakeStarted() {
	if r == nil {
		return
	}
	r.handshakesStarted.Inc()
}

func (r *Recorder) ObserveHandshakeCompleted() {
	if r == nil {
		return
	}
	r.handshakesCompleted.Inc()
}

func (r *Recorder) ObserveHandshakeFailed() {
	if r == nil {
		return
	}
	r.handshakesFailed.Inc()
}

func (r *Recorder) SetSessionsActive(n int) {
	if r == nil {
		return
	}
	r.sessionsActive.Set(float64(n))
}

func (r *Recorder) SetConnectionsActive(n int) {
	if r == nil {
		return
	}
	r.connectionsActive.Set(float64(n))
}

func (r *Recorder) SetPeersKnown(n int) {
	if r == nil {
		return
	}
	r.peersKnown.Set(float64(n))
}

func (r *Recorder) SetBlockedSenders(n int) {
	if r == nil {
		return
	}
	r.blockedSenders.Set(float64(n))
}

// ObserveFragmentsSplit counts the fragment frames one split produced.
func (r *Recorder) ObserveFragmentsSplit(parts int) {
	if r == nil || parts <= 0 {
		return
	}
	r.fragmentsSplit.Add(float64(parts))
}

func (r *Recorder) ObserveFragmentAssembled() {
	if r == nil {
		return
	}
	r.fragmentsAssembled.Inc()
}

func (r *Recorder) ObserveFragmentDropped(reason string) {
	if r == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	r.fragmentsDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) ObserveEventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Inc()
}
