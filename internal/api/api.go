// Package api exposes the connection manager over HTTP under /wifiMgr.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asnowfix/wifimgr/pkg/clock"
	"github.com/asnowfix/wifimgr/pkg/wifi"
	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
)

// AckDelay separates the answer to a control request from its effect, so
// the client gets the answer before the link drops.
const AckDelay = 500 * time.Millisecond

type Station interface {
	RSSI() int
	IsConnected() bool
	SSID() string
	BSSID() string
	Stats() wifi.Stats
	Uptime() time.Duration
	Delay(d time.Duration)
	Reconnect() bool
	Restart(reason string)
}

type Heap interface {
	FreeHeap() uint64
	HeapFragmentation() (int, bool)
}

// Routes is where the handlers get registered.
type Routes interface {
	Router() *mux.Router
	Exclusive(route *mux.Route) *mux.Route
}

type API struct {
	log     logr.Logger
	station Station
	clock   clock.Clock
	heap    Heap
}

func New(log logr.Logger, station Station, clk clock.Clock, heap Heap) *API {
	return &API{log: log, station: station, clock: clk, heap: heap}
}

func (a *API) Register(routes Routes) {
	r := routes.Router().PathPrefix("/wifiMgr").Subrouter()
	r.HandleFunc("/rssi", a.rssi).Methods(http.MethodGet)
	r.HandleFunc("/isConnected", a.isConnected).Methods(http.MethodGet)
	r.HandleFunc("/ssid", a.ssid).Methods(http.MethodGet)
	r.HandleFunc("/bssid", a.bssid).Methods(http.MethodGet)
	r.HandleFunc("/status", a.status).Methods(http.MethodGet)
	routes.Exclusive(r.HandleFunc("/restart", a.restart).Methods(http.MethodPost, http.MethodGet))
	routes.Exclusive(r.HandleFunc("/reconnect", a.reconnect).Methods(http.MethodPost, http.MethodGet))
}

// text answers with a complete plain-text body and pushes it to the client
// right away.
func text(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write([]byte(body))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func boolText(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (a *API) rssi(w http.ResponseWriter, r *http.Request) {
	text(w, strconv.Itoa(a.station.RSSI()))
}

func (a *API) isConnected(w http.ResponseWriter, r *http.Request) {
	text(w, boolText(a.station.IsConnected()))
}

func (a *API) ssid(w http.ResponseWriter, r *http.Request) {
	text(w, a.station.SSID())
}

func (a *API) bssid(w http.ResponseWriter, r *http.Request) {
	text(w, a.station.BSSID())
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	text(w, a.Status())
}

// Status is the diagnostic block served on /wifiMgr/status.
func (a *API) Status() string {
	st := a.station.Stats()
	lastScan := time.Duration(0)
	if !st.LastScan.IsZero() {
		lastScan = a.clock.Now().Sub(st.LastScan)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ssid: %s\n", a.station.SSID())
	fmt.Fprintf(&b, "connected: %s\n", boolText(a.station.IsConnected()))
	fmt.Fprintf(&b, "bssid: %s\n", a.station.BSSID())
	fmt.Fprintf(&b, "rssi: %d\n", a.station.RSSI())
	fmt.Fprintf(&b, "uptime: %ds\n", int64(a.station.Uptime()/time.Second))
	fmt.Fprintf(&b, "last scan: %ds\n", int64(lastScan/time.Second))
	fmt.Fprintf(&b, "scanned: %d times\n", st.ScanCount)
	fmt.Fprintf(&b, "connected: %d times\n", st.ConnectCount)
	fmt.Fprintf(&b, "invalid rssi: %d times\n", st.InvalidRSSICount)
	fmt.Fprintf(&b, "invalid ip: %d times\n", st.InvalidIPCount)
	fmt.Fprintf(&b, "unsuccessful tries: %d\n", st.UnsuccessfulTries)
	fmt.Fprintf(&b, "\nfree heap: %d", a.heap.FreeHeap())
	if frag, ok := a.heap.HeapFragmentation(); ok {
		fmt.Fprintf(&b, "\nheap fragmentation: %d", frag)
	}
	return b.String()
}

func (a *API) restart(w http.ResponseWriter, r *http.Request) {
	a.log.Info("Restart requested", "remote", r.RemoteAddr)
	text(w, "restarting")
	a.station.Delay(AckDelay)
	a.station.Restart("requested over HTTP")
}

func (a *API) reconnect(w http.ResponseWriter, r *http.Request) {
	a.log.Info("Reconnect requested", "remote", r.RemoteAddr)
	text(w, "reconnecting")
	a.station.Delay(AckDelay)
	a.station.Reconnect()
}
