package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsInit sync.Once

	groupsReceived   *prometheus.CounterVec
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	catchupSkipped   *prometheus.CounterVec
	subscriberGauge  *prometheus.GaugeVec
	broadcastSeconds *prometheus.HistogramVec
	framesSent       *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	stageLatency     *prometheus.HistogramVec
	tracksActive     prometheus.Gauge
)

// initMetrics registers the relay's Prometheus collectors exactly once per
// process. Safe to call from multiple Setup invocations (tests in
// particular call Setup repeatedly).
func initMetrics() {
	metricsInit.Do(func() {
		groupsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qumo_relay_groups_received_total",
			Help: "Groups received from a track's publisher, by track.",
		}, []string{"track"})
		cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qumo_relay_cache_hits_total",
			Help: "Subscriber reads served from the catch-up ring, by track.",
		}, []string{"track"})
		cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qumo_relay_cache_misses_total",
			Help: "Subscriber reads that fell outside the catch-up ring, by track.",
		}, []string{"track"})
		catchupSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qumo_relay_catchup_skipped_groups_total",
			Help: "Groups a joining subscriber skipped to reach the ring's head, by track.",
		}, []string{"track"})
		subscriberGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qumo_relay_subscribers",
			Help: "Current subscriber count, by track.",
		}, []string{"track"})
		broadcastSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qumo_relay_broadcast_seconds",
			Help:    "Time spent fanning a group out to its subscribers, by track.",
			Buckets: prometheus.DefBuckets,
		}, []string{"track"})
		framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qumo_relay_frames_sent_total",
			Help: "Frames forwarded to subscribers, by track.",
		}, []string{"track"})
		framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qumo_relay_frames_dropped_total",
			Help: "Frames dropped because a subscriber fell behind, by track.",
		}, []string{"track"})
		stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qumo_relay_stage_latency_seconds",
			Help:    "Latency of a named pipeline stage, by track.",
			Buckets: prometheus.DefBuckets,
		}, []string{"track", "stage"})
		tracksActive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "qumo_relay_tracks_active",
			Help: "Tracks currently held open by the relay.",
		})
	})
}

// Recorder scopes a handful of per-track counters and gauges to one track
// name. Every method is a safe no-op when Setup was never called with
// Config.Metrics set.
type Recorder struct {
	track string
}

// NewRecorder returns a Recorder for the named track. It never panics, even
// before Setup runs: its methods simply do nothing until metrics are on.
func NewRecorder(track string) *Recorder {
	return &Recorder{track: track}
}

// GroupReceived counts a group arriving from the track's publisher.
func (r *Recorder) GroupReceived() {
	if !MetricsEnabled() {
		return
	}
	groupsReceived.WithLabelValues(r.track).Inc()
}

// CacheHit counts a subscriber read served from the catch-up ring.
func (r *Recorder) CacheHit() {
	if !MetricsEnabled() {
		return
	}
	cacheHitsTotal.WithLabelValues(r.track).Inc()
}

// CacheMiss counts a subscriber read that fell outside the ring.
func (r *Recorder) CacheMiss() {
	if !MetricsEnabled() {
		return
	}
	cacheMissesTotal.WithLabelValues(r.track).Inc()
}

// Catchup records that a joining subscriber skipped n groups to reach the
// ring's current head.
func (r *Recorder) Catchup(n int) {
	if !MetricsEnabled() {
		return
	}
	catchupSkipped.WithLabelValues(r.track).Add(float64(n))
}

// IncSubscribers records a new subscriber joining the track.
func (r *Recorder) IncSubscribers() {
	if !MetricsEnabled() {
		return
	}
	subscriberGauge.WithLabelValues(r.track).Inc()
}

// DecSubscribers records a subscriber leaving the track.
func (r *Recorder) DecSubscribers() {
	if !MetricsEnabled() {
		return
	}
	subscriberGauge.WithLabelValues(r.track).Dec()
}

// SetSubscribers sets the track's subscriber count directly.
func (r *Recorder) SetSubscribers(n int) {
	if !MetricsEnabled() {
		return
	}
	subscriberGauge.WithLabelValues(r.track).Set(float64(n))
}

// Broadcast records how long a group's fan-out took, and how many frames
// were sent versus dropped along the way.
func (r *Recorder) Broadcast(d time.Duration, sent, dropped int) {
	if !MetricsEnabled() {
		return
	}
	broadcastSeconds.WithLabelValues(r.track).Observe(d.Seconds())
	framesSent.WithLabelValues(r.track).Add(float64(sent))
	framesDropped.WithLabelValues(r.track).Add(float64(dropped))
}

// LatencyObs returns an Observer for the named pipeline stage, or nil when
// metrics are disabled.
func (r *Recorder) LatencyObs(stage string) prometheus.Observer {
	if !MetricsEnabled() {
		return nil
	}
	return stageLatency.WithLabelValues(r.track, stage)
}

// IncTracks records a track being opened on the relay.
func IncTracks() {
	if !MetricsEnabled() {
		return
	}
	tracksActive.Inc()
}

// DecTracks records a track closing on the relay.
func DecTracks() {
	if !MetricsEnabled() {
		return
	}
	tracksActive.Dec()
}
