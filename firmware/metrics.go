package firmware

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/gcpusb/device/class/gcp"
)

// Metrics collects main loop statistics. A nil *Metrics records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	queueHighWater prometheus.Gauge
	overflows      prometheus.Counter
	vendorRequests *prometheus.CounterVec
}

// NewMetrics creates the firmware metrics and registers them with reg if
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcpusb_firmware_events_total",
			Help: "The total number of interrupt events handled by the main loop.",
		}, []string{"interface", "kind"}),
		queueHighWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gcpusb_firmware_queue_high_water",
			Help: "The largest number of events handled in a single drain of the event queue.",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gcpusb_firmware_queue_overflows_total",
			Help: "The total number of event queue overflows.",
		}),
		vendorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcpusb_vendor_requests_total",
			Help: "The total number of vendor requests by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.queueHighWater, m.overflows, m.vendorRequests)
	}
	return m
}

func (m *Metrics) observeEvent(ev InterruptEvent) {
	if m == nil {
		return
	}
	kind := "error_message"
	iface := "none"
	if ev.Kind == InterruptUsb {
		kind = ev.Event.Kind.String()
		iface = ev.Interface.String()
	}
	m.events.WithLabelValues(iface, kind).Inc()
}

func (m *Metrics) observeQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueHighWater.Set(float64(n))
}

func (m *Metrics) observeOverflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

func (m *Metrics) observeVendorResult(r gcp.Result) {
	if m == nil {
		return
	}
	m.vendorRequests.WithLabelValues(r.String()).Inc()
}
