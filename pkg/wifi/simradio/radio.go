// Package simradio is an in-memory radio driver. Access points are declared
// up front; scan and association complete after configurable delays measured
// on the injected clock, the way a real radio finishes them in the background.
package simradio

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/asnowfix/wifimgr/pkg/clock"
	"github.com/asnowfix/wifimgr/pkg/wifi"
)

// AP is a simulated access point.
type AP struct {
	SSID     string     `mapstructure:"ssid"`
	Password string     `mapstructure:"password"`
	BSSID    wifi.BSSID `mapstructure:"bssid"`
	Channel  int        `mapstructure:"channel"`
	RSSI     int        `mapstructure:"rssi"`
	Hidden   bool       `mapstructure:"hidden"`
}

var ErrUnknownAP = errors.New("no such access point")

type Radio struct {
	mu    sync.Mutex
	clock clock.Clock
	mac   net.HardwareAddr

	ScanDuration    time.Duration
	ConnectDuration time.Duration

	aps  []AP
	mode string

	scanning    bool
	scanStarted time.Time
	results     []wifi.Network

	pending      *wifi.BSSID
	pendingPass  string
	pendingSince time.Time
	assoc        *wifi.BSSID
	ip           netip.Addr
	nextHost     byte

	apSSID     string
	apPassword string

	Scans     int
	Begins    int
	Hostname  string
	FailScans bool
}

func New(clk clock.Clock, mac net.HardwareAddr, aps ...AP) *Radio {
	return &Radio{
		clock:           clk,
		mac:             mac,
		aps:             aps,
		mode:            "off",
		ScanDuration:    2 * time.Second,
		ConnectDuration: 3 * time.Second,
		nextHost:        10,
	}
}

func (r *Radio) StationMode(hostname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = "sta"
	r.Hostname = hostname
	return nil
}

func (r *Radio) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked()
	return nil
}

func (r *Radio) Off() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked()
	r.mode = "off"
	return nil
}

func (r *Radio) StartScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailScans {
		return fmt.Errorf("scan refused in mode %q", r.mode)
	}
	r.Scans++
	r.scanning = true
	r.scanStarted = r.clock.Now()
	r.results = nil
	return nil
}

func (r *Radio) ScanDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanDoneLocked()
}

func (r *Radio) scanDoneLocked() bool {
	if !r.scanning {
		return r.results != nil
	}
	if r.clock.Now().Sub(r.scanStarted) < r.ScanDuration {
		return false
	}
	r.scanning = false
	r.results = make([]wifi.Network, 0, len(r.aps))
	for _, ap := range r.aps {
		n := wifi.Network{
			BSSID:   ap.BSSID,
			Channel: ap.Channel,
			RSSI:    ap.RSSI,
			Hidden:  ap.Hidden,
		}
		if !ap.Hidden {
			n.SSID = ap.SSID
		}
		if ap.Password != "" {
			n.Auth = 3
		}
		r.results = append(r.results, n)
	}
	return true
}

func (r *Radio) ScanResults() []wifi.Network {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanDoneLocked() {
		return nil
	}
	return append([]wifi.Network(nil), r.results...)
}

func (r *Radio) ScanDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = nil
}

func (r *Radio) Begin(ssid, password string, channel int, bssid wifi.BSSID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Begins++
	r.dropLocked()
	for _, ap := range r.aps {
		if ap.BSSID == bssid && ap.SSID == ssid && ap.Channel == channel {
			r.pending = &bssid
			r.pendingPass = password
			r.pendingSince = r.clock.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s on channel %d", ErrUnknownAP, bssid, channel)
}

func (r *Radio) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil && r.clock.Now().Sub(r.pendingSince) >= r.ConnectDuration {
		if ap, ok := r.lookup(*r.pending); ok && ap.Password == r.pendingPass {
			r.assoc = r.pending
			r.ip = netip.AddrFrom4([4]byte{192, 168, 1, r.nextHost})
			r.nextHost++
		}
		r.pending = nil
	}
	return r.assoc != nil
}

func (r *Radio) RSSI() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ap, ok := r.associated()
	if !ok {
		return 0
	}
	return ap.RSSI
}

func (r *Radio) SSID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ap, ok := r.associated()
	if !ok {
		return ""
	}
	return ap.SSID
}

func (r *Radio) BSSID() wifi.BSSID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assoc == nil {
		return wifi.BSSID{}
	}
	return *r.assoc
}

func (r *Radio) LocalIP() netip.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ip
}

func (r *Radio) MACAddress() net.HardwareAddr {
	return r.mac
}

func (r *Radio) StartAP(ssid, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked()
	r.mode = "ap"
	r.apSSID = ssid
	r.apPassword = password
	return nil
}

// SoftAP returns the name and password of the running access point.
func (r *Radio) SoftAP() (ssid, password string, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apSSID, r.apPassword, r.mode == "ap"
}

func (r *Radio) Mode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetRSSI changes the signal strength of an access point.
func (r *Radio) SetRSSI(bssid wifi.BSSID, rssi int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.aps {
		if r.aps[i].BSSID == bssid {
			r.aps[i].RSSI = rssi
		}
	}
}

// SetIP overrides the address obtained from the access point.
func (r *Radio) SetIP(ip netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ip = ip
}

// AddAP makes a new access point visible to subsequent scans.
func (r *Radio) AddAP(ap AP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aps = append(r.aps, ap)
}

// RemoveAP powers an access point down, dropping the station if it was
// associated with it.
func (r *Radio) RemoveAP(bssid wifi.BSSID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assoc != nil && *r.assoc == bssid {
		r.dropLocked()
	}
	kept := r.aps[:0]
	for _, ap := range r.aps {
		if ap.BSSID != bssid {
			kept = append(kept, ap)
		}
	}
	r.aps = kept
}

// SetPassword changes the passphrase of every access point of a network.
func (r *Radio) SetPassword(ssid, password string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.aps {
		if r.aps[i].SSID == ssid {
			r.aps[i].Password = password
		}
	}
}

func (r *Radio) lookup(bssid wifi.BSSID) (AP, bool) {
	for _, ap := range r.aps {
		if ap.BSSID == bssid {
			return ap, true
		}
	}
	return AP{}, false
}

func (r *Radio) associated() (AP, bool) {
	if r.assoc == nil {
		return AP{}, false
	}
	return r.lookup(*r.assoc)
}

func (r *Radio) dropLocked() {
	r.assoc = nil
	r.pending = nil
	r.ip = netip.Addr{}
}
