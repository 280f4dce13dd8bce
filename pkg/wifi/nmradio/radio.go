// Package nmradio drives a Linux WiFi interface through NetworkManager's
// nmcli. Scans and associations run in the background like on a radio
// firmware; the link state is cached and refreshed by Watch so the manager
// can poll it at spin rate without forking a process each time.
package nmradio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/asnowfix/wifimgr/pkg/wifi"
	"github.com/go-logr/logr"
	"github.com/jackpal/gateway"
)

// Runner executes nmcli with the given arguments and returns its stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Nmcli runs the real nmcli binary.
func Nmcli(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "nmcli", args...).Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return out, fmt.Errorf("nmcli %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(ee.Stderr)))
		}
		return out, fmt.Errorf("nmcli %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

const (
	DefaultCommandTimeout = 90 * time.Second
	DefaultWatchInterval  = time.Second
	hotspotConnection     = "wifimgr-portal"
)

type link struct {
	connected bool
	ssid      string
	bssid     wifi.BSSID
	rssi      int
	ip        netip.Addr
}

type Radio struct {
	log   logr.Logger
	ctx   context.Context
	iface string
	run   Runner

	CommandTimeout time.Duration

	mu         sync.Mutex
	hostname   string
	scanning   bool
	scanDone   bool
	results    []wifi.Network
	connecting bool
	attempt    uint64
	abort      context.CancelFunc
	link       link
	ap         bool
}

func New(ctx context.Context, log logr.Logger, iface string, run Runner) *Radio {
	if run == nil {
		run = Nmcli
	}
	return &Radio{
		log:            log,
		ctx:            ctx,
		iface:          iface,
		run:            run,
		CommandTimeout: DefaultCommandTimeout,
	}
}

func (r *Radio) nmcli(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.CommandTimeout)
	defer cancel()
	return r.nmcliContext(ctx, args...)
}

func (r *Radio) nmcliContext(ctx context.Context, args ...string) ([]byte, error) {
	r.log.V(2).Info("nmcli", "args", args)
	return r.run(ctx, args...)
}

// abortLocked cancels the association in flight, if any. Its goroutine
// sees a newer attempt number and leaves the state alone.
func (r *Radio) abortLocked() {
	if r.abort != nil {
		r.abort()
		r.abort = nil
		r.log.V(1).Info("Association aborted", "iface", r.iface)
	}
	r.attempt++
	r.connecting = false
}

// Watch refreshes the cached link state every interval until ctx is done.
func (r *Radio) Watch(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.Refresh(); err != nil {
					r.log.V(1).Info("Link refresh failed", "iface", r.iface, "error", err.Error())
				}
			}
		}
	}()
}

// Refresh queries NetworkManager for the link state.
func (r *Radio) Refresh() error {
	out, err := r.nmcli("-t", "-e", "yes", "-f", "GENERAL.STATE,IP4.ADDRESS", "device", "show", r.iface)
	if err != nil {
		return err
	}
	l := parseDeviceShow(out)
	if l.connected {
		rows, err := r.nmcli(append(listArgs(r.iface), "--rescan", "no")...)
		if err != nil {
			return err
		}
		for _, n := range parseWifiList(rows) {
			if n.inUse {
				l.ssid = n.SSID
				l.bssid = n.BSSID
				l.rssi = n.RSSI
				break
			}
		}
	}
	r.mu.Lock()
	if !r.connecting {
		r.link = l
	}
	r.mu.Unlock()
	return nil
}

func (r *Radio) StationMode(hostname string) error {
	r.mu.Lock()
	r.hostname = hostname
	ap := r.ap
	r.ap = false
	r.mu.Unlock()

	if ap {
		if _, err := r.nmcli("connection", "down", hotspotConnection); err != nil {
			r.log.V(1).Info("Hotspot already down", "error", err.Error())
		}
	}
	_, err := r.nmcli("radio", "wifi", "on")
	return err
}

func (r *Radio) Disconnect() error {
	r.mu.Lock()
	r.abortLocked()
	r.link = link{}
	r.mu.Unlock()
	if _, err := r.nmcli("device", "disconnect", r.iface); err != nil {
		// Disconnecting an idle device fails; that is the state we want.
		r.log.V(1).Info("Disconnect", "iface", r.iface, "error", err.Error())
	}
	return nil
}

func (r *Radio) Off() error {
	r.mu.Lock()
	r.abortLocked()
	r.link = link{}
	r.mu.Unlock()
	_, err := r.nmcli("radio", "wifi", "off")
	return err
}

func (r *Radio) StartScan() error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.scanning = true
	r.scanDone = false
	r.results = nil
	r.mu.Unlock()

	go func() {
		out, err := r.nmcli(append(listArgs(r.iface), "--rescan", "yes")...)
		var networks []wifi.Network
		if err != nil {
			r.log.Error(err, "Scan failed", "iface", r.iface)
		} else {
			for _, n := range parseWifiList(out) {
				networks = append(networks, n.Network)
			}
		}
		r.mu.Lock()
		r.results = networks
		r.scanning = false
		r.scanDone = true
		r.mu.Unlock()
	}()
	return nil
}

func (r *Radio) ScanDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanDone
}

func (r *Radio) ScanResults() []wifi.Network {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanDone {
		return nil
	}
	return append([]wifi.Network(nil), r.results...)
}

func (r *Radio) ScanDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = nil
	r.scanDone = false
}

// Begin associates in the background; IsConnected turns true once
// NetworkManager reports the device activated. A new Begin, Disconnect or
// Off cancels the association still in flight.
func (r *Radio) Begin(ssid, password string, channel int, bssid wifi.BSSID) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.CommandTimeout)

	r.mu.Lock()
	r.abortLocked()
	r.connecting = true
	r.abort = cancel
	id := r.attempt
	r.link = link{}
	hostname := r.hostname
	r.mu.Unlock()

	args := []string{"device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	args = append(args, "ifname", r.iface)
	if !bssid.IsZero() {
		args = append(args, "bssid", bssid.String())
	}

	go func() {
		defer cancel()
		_, err := r.nmcliContext(ctx, args...)

		r.mu.Lock()
		current := r.attempt == id
		if current {
			r.connecting = false
			r.abort = nil
		}
		r.mu.Unlock()

		switch {
		case !current:
			r.log.V(1).Info("Superseded association finished", "ssid", ssid, "bssid", bssid)
			return
		case err != nil:
			r.log.Error(err, "Association failed", "ssid", ssid, "bssid", bssid, "channel", channel)
			return
		case hostname != "":
			if _, err := r.nmcli("connection", "modify", ssid, "ipv4.dhcp-hostname", hostname, "ipv6.dhcp-hostname", hostname); err != nil {
				r.log.V(1).Info("Cannot set DHCP hostname", "hostname", hostname, "error", err.Error())
			}
		}
		if err := r.Refresh(); err != nil {
			r.log.Error(err, "Link refresh after association failed")
		}
	}()
	return nil
}

func (r *Radio) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link.connected
}

func (r *Radio) RSSI() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link.rssi
}

func (r *Radio) SSID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link.ssid
}

func (r *Radio) BSSID() wifi.BSSID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link.bssid
}

// LocalIP is the address NetworkManager assigned, or the address of the
// default route interface when it did not report one.
func (r *Radio) LocalIP() netip.Addr {
	r.mu.Lock()
	l := r.link
	r.mu.Unlock()
	if !l.connected {
		return netip.Addr{}
	}
	if l.ip.IsValid() {
		return l.ip
	}
	ip, err := gateway.DiscoverInterface()
	if err != nil {
		r.log.V(1).Info("No default route interface", "error", err.Error())
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func (r *Radio) MACAddress() net.HardwareAddr {
	iface, err := net.InterfaceByName(r.iface)
	if err != nil {
		r.log.Error(err, "Unknown interface", "iface", r.iface)
		return nil
	}
	return iface.HardwareAddr
}

// StartAP shares the connection of the host over a hotspot. NetworkManager
// refuses WPA passphrases shorter than 8 characters, and an empty password
// makes an open network.
func (r *Radio) StartAP(ssid, password string) error {
	r.mu.Lock()
	r.link = link{}
	r.mu.Unlock()

	_, _ = r.nmcli("connection", "delete", hotspotConnection)
	args := []string{
		"connection", "add", "type", "wifi", "ifname", r.iface, "con-name", hotspotConnection,
		"autoconnect", "no", "ssid", ssid,
		"802-11-wireless.mode", "ap", "ipv4.method", "shared",
	}
	if password != "" {
		args = append(args, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", password)
	}
	if _, err := r.nmcli(args...); err != nil {
		return err
	}
	if _, err := r.nmcli("connection", "up", hotspotConnection); err != nil {
		return err
	}
	r.mu.Lock()
	r.ap = true
	r.mu.Unlock()
	r.log.Info("Hotspot up", "iface", r.iface, "ssid", ssid)
	return nil
}
