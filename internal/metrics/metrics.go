package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter names shared by the pipeline, the reporter and the stats endpoint
const (
	EventsReceived     = "events_received"
	EventsAccepted     = "events_accepted"
	DuplicatesDropped  = "duplicates_dropped"
	ValidationErrors   = "validation_errors"
	EventsShed         = "events_shed"
	BatchesSealed      = "batches_sealed"
	BatchesWritten     = "batches_written"
	BatchRetries       = "batch_retries"
	BatchesSpilled     = "batches_spilled"
	BatchesReplayed    = "batches_replayed"
	QuarantinedBatches = "quarantined_batches"
	RollupsDropped     = "rollups_dropped"
	ArchiveDropped     = "archive_dropped"
	ArchiveFailures    = "archive_failures"
)

var counterNames = []string{
	EventsReceived,
	EventsAccepted,
	DuplicatesDropped,
	ValidationErrors,
	EventsShed,
	BatchesSealed,
	BatchesWritten,
	BatchRetries,
	BatchesSpilled,
	BatchesReplayed,
	QuarantinedBatches,
	RollupsDropped,
	ArchiveDropped,
	ArchiveFailures,
}

// Pipeline holds the first-class pipeline counters. Values are kept in
// process for the stats endpoint and mirrored to Prometheus when a
// registerer is supplied.
type Pipeline struct {
	values    map[string]*atomic.Int64
	counters  map[string]prometheus.Counter
	writeTime prometheus.Histogram
	lag       prometheus.Histogram
	inFlight  prometheus.Gauge
}

// NewPipeline creates the pipeline counters and registers them on reg.
// A nil registerer keeps the counters in process only.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		values:   make(map[string]*atomic.Int64, len(counterNames)),
		counters: make(map[string]prometheus.Counter, len(counterNames)),
	}
	for _, name := range counterNames {
		p.values[name] = new(atomic.Int64)
	}

	if reg == nil {
		return p
	}

	collectors := make([]prometheus.Collector, 0, len(counterNames)+3)
	for _, name := range counterNames {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adpipeline",
			Name:      name + "_total",
			Help:      "Pipeline counter " + name + ".",
		})
		p.counters[name] = c
		collectors = append(collectors, c)
	}

	p.writeTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "adpipeline",
		Name:      "sink_write_duration_seconds",
		Help:      "Duration of durable store writes per batch.",
		Buckets:   prometheus.DefBuckets,
	})
	p.lag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "adpipeline",
		Name:      "ingest_lag_seconds",
		Help:      "Delay between event time and ingestion.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})
	p.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "adpipeline",
		Name:      "batches_in_flight",
		Help:      "Sealed batches not yet settled by the sink writer.",
	})
	collectors = append(collectors, p.writeTime, p.lag, p.inFlight)

	reg.MustRegister(collectors...)
	return p
}

// Add increments the named counter by n. Unknown names are ignored.
func (p *Pipeline) Add(name string, n int64) {
	if p == nil || n <= 0 {
		return
	}
	v, ok := p.values[name]
	if !ok {
		return
	}
	v.Add(n)
	if c, ok := p.counters[name]; ok {
		c.Add(float64(n))
	}
}

// Inc increments the named counter by one
func (p *Pipeline) Inc(name string) {
	p.Add(name, 1)
}

// Get returns the current value of the named counter
func (p *Pipeline) Get(name string) int64 {
	if p == nil {
		return 0
	}
	if v, ok := p.values[name]; ok {
		return v.Load()
	}
	return 0
}

// ObserveWrite records the duration of one durable write attempt
func (p *Pipeline) ObserveWrite(d time.Duration) {
	if p == nil || p.writeTime == nil {
		return
	}
	p.writeTime.Observe(d.Seconds())
}

// ObserveLag records ingestion lag for one event
func (p *Pipeline) ObserveLag(d time.Duration) {
	if p == nil || p.lag == nil || d < 0 {
		return
	}
	p.lag.Observe(d.Seconds())
}

// SetInFlight reports the number of unsettled batches
func (p *Pipeline) SetInFlight(n int) {
	if p == nil || p.inFlight == nil {
		return
	}
	p.inFlight.Set(float64(n))
}

// Snapshot returns a copy of every counter
func (p *Pipeline) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(counterNames))
	for _, name := range counterNames {
		out[name] = p.Get(name)
	}
	return out
}
