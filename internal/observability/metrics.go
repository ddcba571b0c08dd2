package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	capturesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "territory_service",
		Subsystem: "capture",
		Name:      "captures_total",
		Help:      "Number of processed captures, labeled by closure verdict.",
	}, []string{"verdict"})

	tilesTraversedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "territory_service",
		Subsystem: "capture",
		Name:      "tiles_traversed_total",
		Help:      "Total distinct tiles produced by the tiler across captures.",
	})

	claimsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "territory_service",
		Subsystem: "ledger",
		Name:      "claims_total",
		Help:      "Number of ownership changes, labeled by kind.",
	}, []string{"kind"})

	lastCaptureGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "territory_service",
		Subsystem: "capture",
		Name:      "last_capture_timestamp_seconds",
		Help:      "Unix timestamp of the most recent processed capture.",
	})
)

func init() {
	prometheus.MustRegister(capturesCounter, tilesTraversedCounter, claimsCounter, lastCaptureGauge)
}

// RecordCapture counts one processed capture and its tile yield.
func RecordCapture(closed bool, tileCount int) {
	verdict := "open"
	if closed {
		verdict = "captured"
	}
	capturesCounter.WithLabelValues(verdict).Inc()
	tilesTraversedCounter.Add(float64(tileCount))
	lastCaptureGauge.Set(float64(time.Now().Unix()))
}

// RecordClaims counts ownership changes from one capture.
func RecordClaims(claimedNew, transferred int) {
	if claimedNew > 0 {
		claimsCounter.WithLabelValues("new").Add(float64(claimedNew))
	}
	if transferred > 0 {
		claimsCounter.WithLabelValues("transferred").Add(float64(transferred))
	}
}
