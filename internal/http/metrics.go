package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// storeCollector exports store.Stats on every scrape.
type storeCollector struct {
	store iStoreAPI

	memtableBytes   *prometheus.Desc
	memtableEntries *prometheus.Desc
	levelSegments   *prometheus.Desc
	levelBytes      *prometheus.Desc
}

func newStoreCollector(store iStoreAPI) *storeCollector {
	return &storeCollector{
		store: store,
		memtableBytes: prometheus.NewDesc("lsmkv_memtable_bytes",
			"Encoded size of the active memtable.", nil, nil),
		memtableEntries: prometheus.NewDesc("lsmkv_memtable_entries",
			"Number of keys in the active memtable.", nil, nil),
		levelSegments: prometheus.NewDesc("lsmkv_level_segments",
			"Number of segments in a level.", []string{"level"}, nil),
		levelBytes: prometheus.NewDesc("lsmkv_level_bytes",
			"Total segment size of a level.", []string{"level"}, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.memtableBytes
	ch <- c.memtableEntries
	ch <- c.levelSegments
	ch <- c.levelBytes
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.store.Stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.memtableBytes, err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.memtableBytes, prometheus.GaugeValue, float64(stats.MemtableBytes))
	ch <- prometheus.MustNewConstMetric(c.memtableEntries, prometheus.GaugeValue, float64(stats.MemtableEntries))
	for _, l := range stats.Levels {
		level := strconv.Itoa(l.Level)
		ch <- prometheus.MustNewConstMetric(c.levelSegments, prometheus.GaugeValue, float64(l.Segments), level)
		ch <- prometheus.MustNewConstMetric(c.levelBytes, prometheus.GaugeValue, float64(l.Bytes), level)
	}
}

func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newStoreCollector(s.store))

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
