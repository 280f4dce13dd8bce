// Package metrics exports the connection manager counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/asnowfix/wifimgr/pkg/wifi"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wifimgr"

// Source is read on every scrape.
type Source interface {
	Stats() wifi.Stats
	State() wifi.State
	RSSI() int
	IsConnected() bool
	Uptime() time.Duration
}

var states = []wifi.State{wifi.Disconnected, wifi.Scanning, wifi.Connecting, wifi.Connected}

type Collector struct {
	source Source

	scans        *prometheus.Desc
	connects     *prometheus.Desc
	invalidRSSI  *prometheus.Desc
	invalidIP    *prometheus.Desc
	restarts     *prometheus.Desc
	failedTries  *prometheus.Desc
	rssi         *prometheus.Desc
	connected    *prometheus.Desc
	state        *prometheus.Desc
	uptime       *prometheus.Desc
	lastScan     *prometheus.Desc
	lastGoodRSSI *prometheus.Desc
}

func NewCollector(source Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		source:       source,
		scans:        desc("scans_total", "Network scans started."),
		connects:     desc("connects_total", "Successful associations."),
		invalidRSSI:  desc("invalid_rssi_total", "Reconnects forced by a weak signal."),
		invalidIP:    desc("invalid_ip_total", "Reconnects forced by a missing address."),
		restarts:     desc("restarts_total", "Restarts requested since start."),
		failedTries:  desc("unsuccessful_tries", "Consecutive failed association attempts."),
		rssi:         desc("rssi_dbm", "Signal strength of the association."),
		connected:    desc("connected", "1 when the station is associated."),
		state:        desc("state", "Current connection state.", "state"),
		uptime:       desc("uptime_seconds", "Time since the manager started."),
		lastScan:     desc("last_scan_timestamp_seconds", "Time of the last completed scan."),
		lastGoodRSSI: desc("last_good_rssi_timestamp_seconds", "Last time the signal was above the threshold."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	timestamp := func(d *prometheus.Desc, t time.Time) {
		if !t.IsZero() {
			gauge(d, float64(t.UnixMilli())/1000)
		}
	}

	counter(c.scans, s.ScanCount)
	counter(c.connects, s.ConnectCount)
	counter(c.invalidRSSI, s.InvalidRSSICount)
	counter(c.invalidIP, s.InvalidIPCount)
	counter(c.restarts, s.RestartCount)
	gauge(c.failedTries, float64(s.UnsuccessfulTries))

	connected := c.source.IsConnected()
	gauge(c.connected, boolFloat(connected))
	if connected {
		gauge(c.rssi, float64(c.source.RSSI()))
	}
	current := c.source.State()
	for _, st := range states {
		gauge(c.state, boolFloat(st == current), string(st))
	}
	gauge(c.uptime, c.source.Uptime().Seconds())
	timestamp(c.lastScan, s.LastScan)
	timestamp(c.lastGoodRSSI, s.LastGoodRSSI)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Registry holds the manager collector plus the Go runtime and process
// collectors.
func Registry(source Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Register serves the registry at path.
func Register(router *mux.Router, path string, reg *prometheus.Registry) {
	router.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
