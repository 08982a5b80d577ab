// Package metrics 汇总同步引擎和中继的 prometheus 指标。
// 所有方法对 nil 接收者安全，不需要指标的地方直接传 nil。
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "roomsync"

type Engine struct {
	dedupRejected     *prometheus.CounterVec
	staleEdits        prometheus.Counter
	documentGaps      prometheus.Counter
	sendFailures      *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	stateTransitions  *prometheus.CounterVec
}

func NewEngine(reg prometheus.Registerer) *Engine {
	e := &Engine{
		dedupRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_rejected_total",
			Help:      "Inbound events rejected by the deduplicator.",
		}, []string{"reason"}),
		staleEdits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_edits_total",
			Help:      "Remote document edits discarded as stale.",
		}),
		documentGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_gaps_total",
			Help:      "Remote document edits that skipped at least one revision.",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound sends reported as failed.",
		}, []string{"kind"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Resubscription attempts made by the reconnect supervisor.",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Channel session state transitions.",
		}, []string{"to"}),
	}
	if reg != nil {
		reg.MustRegister(e.dedupRejected, e.staleEdits, e.documentGaps, e.sendFailures, e.reconnectAttempts, e.stateTransitions)
	}
	return e
}

func (e *Engine) DedupRejected(reason string) {
	if e == nil {
		return
	}
	e.dedupRejected.WithLabelValues(reason).Inc()
}

func (e *Engine) StaleEdit() {
	if e == nil {
		return
	}
	e.staleEdits.Inc()
}

func (e *Engine) DocumentGap() {
	if e == nil {
		return
	}
	e.documentGaps.Inc()
}

func (e *Engine) SendFailure(kind string) {
	if e == nil {
		return
	}
	e.sendFailures.WithLabelValues(kind).Inc()
}

func (e *Engine) ReconnectAttempt() {
	if e == nil {
		return
	}
	e.reconnectAttempts.Inc()
}

func (e *Engine) StateTransition(to string) {
	if e == nil {
		return
	}
	e.stateTransitions.WithLabelValues(to).Inc()
}

// Relay 中继服务端的指标
type Relay struct {
	connections *prometheus.GaugeVec
	frames      *prometheus.CounterVec
	rateLimited prometheus.Counter
	dropped     prometheus.Counter
}

func NewRelay(reg prometheus.Registerer) *Relay {
	r := &Relay{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open websocket connections per room.",
		}, []string{"room"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Client frames handled by type.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rate_limited_total",
			Help:      "Client frames rejected by the per-connection rate limit.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_frames_total",
			Help:      "Server frames dropped because a connection send queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.connections, r.frames, r.rateLimited, r.dropped)
	}
	return r
}

func (r *Relay) ConnOpened(room string) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues(room).Inc()
}

func (r *Relay) ConnClosed(room string) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues(room).Dec()
}

func (r *Relay) Frame(typ string) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues(typ).Inc()
}

func (r *Relay) RateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}

func (r *Relay) Dropped() {
	if r == nil {
		return
	}
	r.dropped.Inc()
}
