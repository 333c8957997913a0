// Package metrics holds the prometheus collectors of the relay. Every method
// is nil-safe so components can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	LoadsStarted   prometheus.Counter
	LoadsCoalesced prometheus.Counter
	LoadRetries    prometheus.Counter
	LoadFailures   prometheus.Counter
	ChunksSaved    prometheus.Counter
	ChunksResident prometheus.Gauge
	TicketsLive    prometheus.Gauge
	TicketChurn    prometheus.Counter

	UpdatesEmitted        *prometheus.CounterVec
	ChunkMessages         *prometheus.CounterVec
	SerializationFailures prometheus.Counter
	ConnectionFaults      prometheus.Counter
	Viewers               prometheus.Gauge

	TickDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg (if non-nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelrelay_chunk_loads_started_total",
			Help: "Chunk loads dispatched to storage or the generator.",
		}),
		LoadsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelrelay_chunk_loads_coalesced_total",
			Help: "Chunk requests that joined an in-flight load.",
		}),
		LoadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelrelay_chunk_load_retries_total",
			Help: "Chunk load attempts retried after a failure.",
		}),
		LoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelrelay_chunk_load_failures_total",
			Help: "Chunk loads that exhausted their retries.",
		}),
		ChunksSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelrelay_chunks_saved_total",
			Help: "Dirty chunks written back to storage on eviction.",
		}),
		ChunksResident: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxelrelay_chunks_resident",
			Help: "Chunks currently held by at least one strong reference.",
		}),
		TicketsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxelrelay_tickets_live",
			Help: "Live chunk tickets.",
		}),
		TicketChurn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelrelay_ticket_replacements_total",
			Help: "Tickets replaced because their owner changed chunk.",
		}),
		UpdatesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxelrelay_updates_emitted_total",
			Help: "Entity replication events enqueued, by kind.",
		}, []string{"kind"}),
		ChunkMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxelrelay_chunk_messages_total",
			Help: "Chunk data channel messages enqueued, by kind.",
		}, []string{"kind"}),
		SerializationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelrelay_serialization_failures_total",
			Help: "Events dropped because their payload could not be serialized.",
		}),
		ConnectionFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelrelay_connection_faults_total",
			Help: "Stream handles terminated by a write failure.",
		}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxelrelay_viewers",
			Help: "Registered relevancy viewers.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxelrelay_tick_duration_seconds",
			Help:    "Wall time of the synchronous tick pass.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.LoadsStarted, m.LoadsCoalesced, m.LoadRetries, m.LoadFailures,
			m.ChunksSaved, m.ChunksResident, m.TicketsLive, m.TicketChurn,
			m.UpdatesEmitted, m.ChunkMessages, m.SerializationFailures,
			m.ConnectionFaults, m.Viewers, m.TickDuration,
		)
	}
	return m
}

func (m *Metrics) IncLoadStarted() {
	if m != nil {
		m.LoadsStarted.Inc()
	}
}

func (m *Metrics) IncLoadCoalesced() {
	if m != nil {
		m.LoadsCoalesced.Inc()
	}
}

func (m *Metrics) IncLoadRetry() {
	if m != nil {
		m.LoadRetries.Inc()
	}
}

func (m *Metrics) IncLoadFailure() {
	if m != nil {
		m.LoadFailures.Inc()
	}
}

func (m *Metrics) IncChunkSaved() {
	if m != nil {
		m.ChunksSaved.Inc()
	}
}

func (m *Metrics) SetChunksResident(n int) {
	if m != nil {
		m.ChunksResident.Set(float64(n))
	}
}

func (m *Metrics) SetTicketsLive(n int) {
	if m != nil {
		m.TicketsLive.Set(float64(n))
	}
}

func (m *Metrics) IncTicketChurn() {
	if m != nil {
		m.TicketChurn.Inc()
	}
}

func (m *Metrics) AddUpdates(kind string, n int) {
	if m != nil && n > 0 {
		m.UpdatesEmitted.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) IncChunkMessage(kind string) {
	if m != nil {
		m.ChunkMessages.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncSerializationFailure() {
	if m != nil {
		m.SerializationFailures.Inc()
	}
}

func (m *Metrics) IncConnectionFault() {
	if m != nil {
		m.ConnectionFaults.Inc()
	}
}

func (m *Metrics) SetViewers(n int) {
	if m != nil {
		m.Viewers.Set(float64(n))
	}
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m != nil {
		m.TickDuration.Observe(d.Seconds())
	}
}
