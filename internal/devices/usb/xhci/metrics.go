package xhci

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "xhci"

// metrics are the controller's Prometheus collectors. They are registered
// only when Options.Registerer is set.
type metrics struct {
	commands        *prometheus.CounterVec
	transferEvents  *prometheus.CounterVec
	eventsPosted    *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	tdsSubmitted    prometheus.Counter
	fatalErrors     prometheus.Counter
}

func newMetrics(name string, reg prometheus.Registerer) (*metrics, error) {
	labels := prometheus.Labels{"controller": name}
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "commands_total",
			Help:        "Commands completed, by command type and completion code.",
			ConstLabels: labels,
		}, []string{"command", "code"}),

		transferEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "transfer_events_total",
			Help:        "Transfer events posted, by completion code.",
			ConstLabels: labels,
		}, []string{"code"}),

		eventsPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "events_posted_total",
			Help:        "Event TRBs written to event rings, by interrupter and TRB type.",
			ConstLabels: labels,
		}, []string{"interrupter", "type"}),

		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "events_dropped_total",
			Help:        "Events discarded because the event ring was full or not set up.",
			ConstLabels: labels,
		}, []string{"interrupter"}),

		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "transport_errors_total",
			Help:        "Failed USB requests reported by the transport, by status.",
			ConstLabels: labels,
		}, []string{"status"}),

		tdsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "tds_submitted_total",
			Help:        "Transfer descriptors handed to the transport.",
			ConstLabels: labels,
		}),

		fatalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   promNamespace,
			Name:        "host_controller_errors_total",
			Help:        "Host controller errors that halted the controller.",
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, col := range []prometheus.Collector{
		m.commands,
		m.transferEvents,
		m.eventsPosted,
		m.eventsDropped,
		m.transportErrors,
		m.tdsSubmitted,
		m.fatalErrors,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) eventPosted(idx int, typ uint8) {
	m.eventsPosted.WithLabelValues(strconv.Itoa(idx), trbTypeName(typ)).Inc()
}

func (m *metrics) eventDropped(idx int) {
	m.eventsDropped.WithLabelValues(strconv.Itoa(idx)).Inc()
}
