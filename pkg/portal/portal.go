// Package portal is the captive configuration portal. Without usable
// credentials in the store it brings up an access point and serves a form
// listing the registered configuration entries; once credentials are known
// it keeps the station connected and forwards the poll loop to the wifi
// manager.
package portal

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/asnowfix/wifimgr/pkg/wifi"
	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
)

// Well-known store keys of the network identity.
const (
	KeySSID     = "SSID"
	KeyPassword = "WIFI_PW"
	KeyHost     = "HOST"
)

const DefaultRestartDelay = time.Second

type State string

const (
	NotConfigured  State = "not-configured"
	ApBroadcasting State = "ap-broadcasting"
	StationBound   State = "station-bound"
)

// Store is the persistent configuration the portal edits.
type Store interface {
	Get(name string) (string, bool)
	GetBytes(name string) ([]byte, bool)
	Set(name, value string) error
	SetBytes(name string, value []byte) error
	GetLong(name string, def int32) int32
	SetLong(name string, val int32) error
	GetBool(name string, def bool) bool
	SetBool(name string, val bool) error
	Delete(name string) error
	Commit() error
}

// Station is the connection manager driven by the portal.
type Station interface {
	Configure(p wifi.Profile) bool
	PollTick()
	Delay(d time.Duration)
	Restart(reason string)
}

// AccessPoint is the part of the radio needed to broadcast the portal.
type AccessPoint interface {
	StartAP(ssid, password string) error
	MACAddress() net.HardwareAddr
}

// HTTP is the cooperative server the portal registers its pages on.
type HTTP interface {
	Router() *mux.Router
	Exclusive(route *mux.Route) *mux.Route
	Begin() error
	Serving() bool
	Service() int
	Close() error
}

type Options struct {
	// RedirectIndex also serves the form on "/".
	RedirectIndex bool
	// SSIDPrefix is prepended to the last six hex digits of the MAC address
	// to name the access point, and the device when HOST is not set.
	SSIDPrefix string
	// APPassword protects the access point; empty means open.
	APPassword string
	// Profile carries the station tolerances; its identity fields are
	// ignored. The zero value selects the wifi defaults.
	Profile      wifi.Profile
	RestartDelay time.Duration
}

type Controller struct {
	log     logr.Logger
	store   Store
	station Station
	ap      AccessPoint
	http    HTTP

	opts      Options
	entries   []Entry
	state     State
	apStarted bool
	assets    *assets
	decoder   *schema.Decoder
	routes    bool
}

func New(log logr.Logger, store Store, station Station, ap AccessPoint, srv HTTP) *Controller {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	return &Controller{
		log:     log,
		store:   store,
		station: station,
		ap:      ap,
		http:    srv,
		state:   NotConfigured,
		decoder: decoder,
	}
}

// Setup registers the network identity entries, connects when the store
// holds an SSID and a password, and registers the portal routes.
func (c *Controller) Setup(opts Options) error {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.Profile.ConnectTimeout == 0 {
		opts.Profile = wifi.NewProfile("", "", "")
	}
	c.opts = opts

	a, err := loadAssets()
	if err != nil {
		return err
	}
	c.assets = a

	c.AddConfigEntry("SSID", KeySSID, String, false, true)
	c.AddConfigEntry("WiFi Password", KeyPassword, String, true, true)
	c.AddConfigEntry("Hostname", KeyHost, String, false, true)

	ssid, okSSID := c.store.Get(KeySSID)
	pw, okPW := c.store.Get(KeyPassword)
	if okSSID && okPW {
		c.log.Info("Stored credentials found", "ssid", ssid)
		p := c.profile(ssid, pw)
		if !c.station.Configure(p) {
			c.log.Info("Initial connection failed, will retry", "ssid", ssid)
		}
		c.state = StationBound
	} else {
		c.log.Info("No stored credentials", "ssid_set", okSSID, "password_set", okPW)
	}

	c.registerRoutes()
	return nil
}

// AddConfigEntry appends a field to the form. Keys are not checked for
// duplicates.
func (c *Controller) AddConfigEntry(name, key string, kind Kind, password, restart bool) {
	c.entries = append(c.entries, Entry{
		Name:     name,
		Key:      key,
		Kind:     kind,
		Password: password,
		Restart:  restart,
	})
}

func (c *Controller) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

func (c *Controller) State() State {
	return c.state
}

// PollTick must be called once per pass of the control loop. It reports
// whether the station is bound, that is whether the application may use
// the network.
func (c *Controller) PollTick() bool {
	switch {
	case c.state == StationBound:
		c.station.PollTick()
		c.http.Service()
		return true
	case !c.apStarted:
		c.startAP()
	default:
		c.http.Service()
	}
	return false
}

// Cleanup forgets the registered entries and stops the HTTP server. Safe to
// call more than once.
func (c *Controller) Cleanup() {
	c.entries = nil
	if err := c.http.Close(); err != nil {
		c.log.Error(err, "Failed to close HTTP server")
	}
}

// DeviceName is the prefix followed by the last six hex digits of the MAC.
func (c *Controller) DeviceName() string {
	mac := strings.ToUpper(strings.ReplaceAll(c.ap.MACAddress().String(), ":", ""))
	if len(mac) > 6 {
		mac = mac[6:]
	}
	return c.opts.SSIDPrefix + mac
}

func (c *Controller) startAP() {
	name := c.DeviceName()
	if err := c.ap.StartAP(name, c.opts.APPassword); err != nil {
		c.log.Error(err, "Failed to start access point", "ssid", name)
		return
	}
	if !c.http.Serving() {
		if err := c.http.Begin(); err != nil {
			c.log.Error(err, "Failed to start HTTP server")
		}
	}
	c.apStarted = true
	c.state = ApBroadcasting
	c.log.Info("Portal broadcasting", "ssid", name, "open", c.opts.APPassword == "")
}

func (c *Controller) profile(ssid, password string) wifi.Profile {
	p := c.opts.Profile
	p.SSID = ssid
	p.Password = password
	p.Hostname = c.DeviceName()
	if host, ok := c.store.Get(KeyHost); ok && host != "" {
		p.Hostname = host
	}
	return p
}

func (c *Controller) registerRoutes() {
	if c.routes {
		return
	}
	c.routes = true
	r := c.http.Router()
	r.HandleFunc("/wifiMgr/style.css", c.assets.serve("text/css", c.assets.css)).Methods(http.MethodGet)
	r.HandleFunc("/wifiMgr/script.js", c.assets.serve("application/javascript", c.assets.js)).Methods(http.MethodGet)

	paths := []string{"/wifiMgr/configure"}
	if c.opts.RedirectIndex {
		paths = append(paths, "/")
	}
	for _, p := range paths {
		r.HandleFunc(p, c.serveConfigure).Methods(http.MethodGet)
		c.http.Exclusive(r.HandleFunc(p, c.serveConfigure).Methods(http.MethodPost))
	}
}

func (c *Controller) serveConfigure(w http.ResponseWriter, r *http.Request) {
	var res Result
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			http.Error(w, fmt.Sprintf("bad form: %v", err), http.StatusBadRequest)
			return
		}
		res = c.Submit(r.Form)
	}

	body, err := c.render(res)
	if err != nil {
		c.log.Error(err, "Failed to render configuration page")
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	_, _ = w.Write(body)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if res.RestartPending() {
		c.station.Delay(c.opts.RestartDelay)
		c.Cleanup()
		c.station.Restart("configuration changed")
	}
}
