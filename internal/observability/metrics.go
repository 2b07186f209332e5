package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/obu-negotiator/model"
)

// UnitCollector bundles Prometheus metrics for OBU units and hands out
// per-unit recorders bound to the "unit" label.
type UnitCollector struct {
	gatherer prometheus.Gatherer

	BeaconsPublished *prometheus.CounterVec
	BeaconsReceived  *prometheus.CounterVec
	Yields           *prometheus.CounterVec
	YieldEscapes     *prometheus.CounterVec
	YieldWait        *prometheus.HistogramVec
	NegotiationState *prometheus.GaugeVec
}

// NewUnitCollector registers unit metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewUnitCollector(reg prometheus.Registerer) (*UnitCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	published, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "obu_beacons_published_total",
		Help: "Total number of position beacons published, labeled by unit.",
	}, []string{"unit"}), "obu_beacons_published_total")
	if err != nil {
		return nil, err
	}

	received, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "obu_beacons_received_total",
		Help: "Total number of inbound beacons, labeled by unit and handling result.",
	}, []string{"unit", "result"}), "obu_beacons_received_total")
	if err != nil {
		return nil, err
	}

	yields, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "obu_yields_total",
		Help: "Number of PROCEEDING to YIELDING transitions, labeled by unit and threat strategy.",
	}, []string{"unit", "strategy"}), "obu_yields_total")
	if err != nil {
		return nil, err
	}

	escapes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "obu_yield_escapes_total",
		Help: "Number of yields abandoned because the configured maximum wait elapsed.",
	}, []string{"unit"}), "obu_yield_escapes_total")
	if err != nil {
		return nil, err
	}

	wait, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "obu_yield_wait_seconds",
		Help:    "Time spent yielding before proceeding, in simulated seconds.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"unit"}), "obu_yield_wait_seconds")
	if err != nil {
		return nil, err
	}

	state, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "obu_negotiation_state",
		Help: "Current negotiation state per unit (0 = PROCEEDING, 1 = YIELDING).",
	}, []string{"unit"}), "obu_negotiation_state")
	if err != nil {
		return nil, err
	}

	return &UnitCollector{
		gatherer:         gatherer,
		BeaconsPublished: published,
		BeaconsReceived:  received,
		Yields:           yields,
		YieldEscapes:     escapes,
		YieldWait:        wait,
		NegotiationState: state,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *UnitCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ForUnit returns a recorder bound to one unit. A nil collector yields a
// recorder that drops everything.
func (c *UnitCollector) ForUnit(unitID string) *UnitMetrics {
	return &UnitMetrics{c: c, unit: unitID}
}

// UnitMetrics records metrics for a single unit. It satisfies the metrics
// recorder interfaces of the beacon, negotiation and driver packages.
type UnitMetrics struct {
	c    *UnitCollector
	unit string
}

// BeaconPublished counts an outbound beacon.
func (m *UnitMetrics) BeaconPublished() {
	if m == nil || m.c == nil || m.c.BeaconsPublished == nil {
		return
	}
	m.c.BeaconsPublished.WithLabelValues(m.unit).Inc()
}

// BeaconReceived counts an inbound beacon by handling result.
func (m *UnitMetrics) BeaconReceived(result string) {
	if m == nil || m.c == nil || m.c.BeaconsReceived == nil {
		return
	}
	m.c.BeaconsReceived.WithLabelValues(m.unit, result).Inc()
}

// YieldStarted counts a transition into YIELDING.
func (m *UnitMetrics) YieldStarted(strategy string) {
	if m == nil || m.c == nil || m.c.Yields == nil {
		return
	}
	m.c.Yields.WithLabelValues(m.unit, strategy).Inc()
}

// YieldEnded observes how long a yield lasted and whether it was
// abandoned by the maximum-wait escape.
func (m *UnitMetrics) YieldEnded(wait time.Duration, escaped bool) {
	if m == nil || m.c == nil {
		return
	}
	if m.c.YieldWait != nil {
		m.c.YieldWait.WithLabelValues(m.unit).Observe(wait.Seconds())
	}
	if escaped && m.c.YieldEscapes != nil {
		m.c.YieldEscapes.WithLabelValues(m.unit).Inc()
	}
}

// SetState publishes the current negotiation state.
func (m *UnitMetrics) SetState(s model.NegotiationState) {
	if m == nil || m.c == nil || m.c.NegotiationState == nil {
		return
	}
	m.c.NegotiationState.WithLabelValues(m.unit).Set(float64(s))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
