package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "readcircle"
	subsystem = "sync"
)

// Set bundles the sync engine collectors on a private registry. A nil Set is
// valid and records nothing, so wiring metrics stays optional.
type Set struct {
	registry *prometheus.Registry

	changesApplied       *prometheus.CounterVec
	notificationsDropped *prometheus.CounterVec
	conflictsResolved    *prometheus.CounterVec
	reconnectAttempts    prometheus.Counter
	resyncs              prometheus.Counter
	activeSubscriptions  prometheus.Gauge
	presenceOnline       *prometheus.GaugeVec
	transportOnline      prometheus.Gauge
}

func NewSet() *Set {
	registry := prometheus.NewRegistry()
	set := &Set{
		registry: registry,
		changesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "changes_applied_total",
			Help:      "Remote changes applied to the local store, by kind.",
		}, []string{"kind"}),
		notificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_dropped_total",
			Help:      "Remote notifications ignored before application, by reason.",
		}, []string{"reason"}),
		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts detected and merged, by kind.",
		}, []string{"kind"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Channel resubscription attempts scheduled by the supervisor.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resyncs_total",
			Help:      "Full state reloads from the remote row store.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_subscriptions",
			Help:      "Club channels currently registered.",
		}),
		presenceOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "presence_online",
			Help:      "Participants currently online per club.",
		}, []string{"club_id"}),
		transportOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_online",
			Help:      "Whether the realtime transport is connected (1) or not (0).",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		set.changesApplied,
		set.notificationsDropped,
		set.conflictsResolved,
		set.reconnectAttempts,
		set.resyncs,
		set.activeSubscriptions,
		set.presenceOnline,
		set.transportOnline,
	)
	return set
}

func (s *Set) ChangeApplied(kind string) {
	if s == nil {
		return
	}
	s.changesApplied.WithLabelValues(kind).Inc()
}

func (s *Set) NotificationDropped(reason string) {
	if s == nil {
		return
	}
	s.notificationsDropped.WithLabelValues(reason).Inc()
}

func (s *Set) ConflictResolved(kind string) {
	if s == nil {
		return
	}
	s.conflictsResolved.WithLabelValues(kind).Inc()
}

func (s *Set) ReconnectAttempt() {
	if s == nil {
		return
	}
	s.reconnectAttempts.Inc()
}

func (s *Set) ResyncStarted() {
	if s == nil {
		return
	}
	s.resyncs.Inc()
}

func (s *Set) SetActiveSubscriptions(count int) {
	if s == nil {
		return
	}
	s.activeSubscriptions.Set(float64(count))
}

func (s *Set) SetPresenceOnline(clubID string, count int) {
	if s == nil {
		return
	}
	s.presenceOnline.WithLabelValues(clubID).Set(float64(count))
}

func (s *Set) ForgetPresence(clubID string) {
	if s == nil {
		return
	}
	s.presenceOnline.DeleteLabelValues(clubID)
}

func (s *Set) SetTransportOnline(online bool) {
	if s == nil {
		return
	}
	if online {
		s.transportOnline.Set(1)
		return
	}
	s.transportOnline.Set(0)
}

// Handler serves the registry in the prometheus exposition format.
func (s *Set) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
