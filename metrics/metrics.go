// Package metrics exposes prometheus counters for the filesystem core.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics pointer without guarding every call site.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/404wolf/drivefs/common"
)

type Metrics struct {
	registry *prometheus.Registry

	listingLookups  *prometheus.CounterVec
	remoteListPages prometheus.Counter
	locatorRequests prometheus.Counter
	bufferReads     *prometheus.CounterVec
	rangeFetches    prometheus.Counter
	rangeBytes      prometheus.Counter
	fetchDuration   prometheus.Histogram
	retries         *prometheus.CounterVec
	openHandles     prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		listingLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivefs_listing_lookups_total",
				Help: "Directory listing requests by cache result",
			},
			[]string{"result"},
		),
		remoteListPages: factory.NewCounter(prometheus.CounterOpts{
			Name: "drivefs_remote_list_pages_total",
			Help: "Pages fetched from the remote metadata service",
		}),
		locatorRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "drivefs_locator_requests_total",
			Help: "Download locators requested from the remote content service",
		}),
		bufferReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivefs_buffer_reads_total",
				Help: "File reads by read-buffer result",
			},
			[]string{"result"},
		),
		rangeFetches: factory.NewCounter(prometheus.CounterOpts{
			Name: "drivefs_range_fetches_total",
			Help: "Remote range fetches issued",
		}),
		rangeBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "drivefs_range_fetch_bytes_total",
			Help: "Bytes received from remote range fetches",
		}),
		fetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "drivefs_range_fetch_duration_seconds",
			Help:    "Latency of remote range fetches",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivefs_remote_retries_total",
				Help: "Retried remote calls by operation",
			},
			[]string{"op"},
		),
		openHandles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drivefs_open_handles",
			Help: "Currently open file handles",
		}),
	}
}

func (m *Metrics) ListingHit() {
	if m != nil {
		m.listingLookups.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) ListingMiss() {
	if m != nil {
		m.listingLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) RemoteListPage() {
	if m != nil {
		m.remoteListPages.Inc()
	}
}

func (m *Metrics) LocatorRequest() {
	if m != nil {
		m.locatorRequests.Inc()
	}
}

// BufferRead records whether a read was served by the window ("hit"),
// partly by it ("partial") or needed a new fetch ("miss").
func (m *Metrics) BufferRead(result string) {
	if m != nil {
		m.bufferReads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RangeFetch(bytes int, took time.Duration) {
	if m != nil {
		m.rangeFetches.Inc()
		m.rangeBytes.Add(float64(bytes))
		m.fetchDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Retry(op string) {
	if m != nil {
		m.retries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) HandleOpened() {
	if m != nil {
		m.openHandles.Inc()
	}
}

func (m *Metrics) HandleReleased() {
	if m != nil {
		m.openHandles.Dec()
	}
}

// Registry returns the underlying registry, nil for nil metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	common.Logger.Infow("serving metrics", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
