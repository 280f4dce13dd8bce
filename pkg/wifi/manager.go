package wifi

import (
	"net/netip"
	"time"

	"github.com/asnowfix/wifimgr/pkg/clock"
	"github.com/go-logr/logr"
)

const (
	DefaultBadRSSI           = -70
	DefaultInvalidIPTimeout  = 30 * time.Second
	DefaultNotifyNoWifiAfter = 10 * time.Minute
	DefaultDisconnectTimeout = 3 * time.Second
	DefaultCheckInterval     = time.Second
	DefaultSpinInterval      = 10 * time.Millisecond

	// noSignal is below anything a radio reports.
	noSignal = -999
)

// Options are the tolerances that are not part of a Profile.
type Options struct {
	BadRSSI int // dBm under which the signal counts as bad
	// RebootAfterUnsuccessfulTries restarts the device after that many
	// consecutive failed association attempts. 0 never restarts.
	RebootAfterUnsuccessfulTries uint8
	InvalidIPTimeout             time.Duration
	DisconnectTimeout            time.Duration
	CheckInterval                time.Duration // quality checks throttle
	SpinInterval                 time.Duration // idle step of bounded waits
	NotifyNoWifiAfter            time.Duration
}

func DefaultOptions() Options {
	return Options{
		BadRSSI:           DefaultBadRSSI,
		InvalidIPTimeout:  DefaultInvalidIPTimeout,
		DisconnectTimeout: DefaultDisconnectTimeout,
		CheckInterval:     DefaultCheckInterval,
		SpinInterval:      DefaultSpinInterval,
		NotifyNoWifiAfter: DefaultNotifyNoWifiAfter,
	}
}

// Manager keeps the station associated with the best access point of the
// configured network. It is driven by PollTick from a single control loop
// and never starts goroutines: every wait spins on the clock and calls the
// yield hook so the caller can keep serving other work.
type Manager struct {
	log       logr.Logger
	radio     Radio
	clock     clock.Clock
	restarter Restarter
	opts      Options

	advertiser Advertiser
	server     Server
	yield      func()
	notify     func()
	teardown   []func()
	listeners  []func(Status)

	profile Profile
	cycle   State // non-empty while a reconnect cycle runs

	started        time.Time
	stats          Stats
	lastCheck      time.Time // last quality check, i.e. last time seen connected
	lastNotified   time.Time
	invalidIPSince time.Time
}

func NewManager(log logr.Logger, radio Radio, clk clock.Clock, restarter Restarter, opts Options) *Manager {
	return &Manager{
		log:       log,
		radio:     radio,
		clock:     clk,
		restarter: restarter,
		opts:      opts,
		started:   clk.Now(),
	}
}

// SetYield installs the hook called on every spin of a bounded wait.
func (m *Manager) SetYield(yield func()) {
	m.yield = yield
}

func (m *Manager) SetAdvertiser(a Advertiser) {
	m.advertiser = a
}

func (m *Manager) SetServer(s Server) {
	m.server = s
}

func (m *Manager) SetBadRSSI(rssi int) {
	m.opts.BadRSSI = rssi
}

func (m *Manager) SetRebootAfterUnsuccessfulTries(n uint8) {
	m.opts.RebootAfterUnsuccessfulTries = n
}

// NotifyNoWifi registers fn to be called, at most once per window, while
// the station stays disconnected for longer than window.
func (m *Manager) NotifyNoWifi(fn func(), window time.Duration) {
	m.notify = fn
	m.opts.NotifyNoWifiAfter = window
}

// OnTeardown registers a resource release run before any restart. Hooks run
// in reverse registration order.
func (m *Manager) OnTeardown(fn func()) {
	m.teardown = append(m.teardown, fn)
}

// OnConnected registers a listener called after every successful cycle.
func (m *Manager) OnConnected(fn func(Status)) {
	m.listeners = append(m.listeners, fn)
}

// Configure replaces the active profile and immediately runs a reconnect
// cycle. It reports whether the station is associated afterwards.
func (m *Manager) Configure(p Profile) bool {
	m.profile = p
	m.log.Info("Configured station",
		"ssid", p.SSID,
		"hostname", p.Hostname,
		"tolerate_bad_rssi", p.TolerateBadRSSI,
		"connect_timeout", p.ConnectTimeout,
		"scan_timeout", p.ScanTimeout,
		"rescan_interval", p.RescanInterval)
	return m.reconnect()
}

// Reconnect forces a reconnect cycle.
func (m *Manager) Reconnect() bool {
	return m.reconnect()
}

// PollTick must be called at least once per pass of the control loop.
func (m *Manager) PollTick() {
	if !m.radio.IsConnected() {
		m.reconnect()
		if !m.radio.IsConnected() {
			m.maybeNotifyNoWifi()
		}
	}
	if m.radio.IsConnected() {
		now := m.clock.Now()
		if now.Sub(m.lastCheck) > m.opts.CheckInterval {
			m.lastCheck = now
			if m.needsReconnect(now) {
				m.reconnect()
			}
		}
	}
}

// Delay waits for d while keeping the yield hook serviced.
func (m *Manager) Delay(d time.Duration) {
	start := m.clock.Now()
	for m.clock.Now().Sub(start) < d {
		m.spin()
	}
}

// Restart releases resources and restarts the device.
func (m *Manager) Restart(reason string) {
	m.log.Info("Restarting", "reason", reason, "uptime", m.Uptime())
	m.stats.RestartCount++
	for i := len(m.teardown) - 1; i >= 0; i-- {
		m.teardown[i]()
	}
	m.restarter.Restart()
}

func (m *Manager) reconnect() bool {
	defer func() { m.cycle = "" }()

	if m.advertiser != nil && m.advertiser.Running() {
		if err := m.advertiser.Stop(); err != nil {
			m.log.Error(err, "Failed to stop name advertisement")
		}
	}

	if err := m.radio.Disconnect(); err != nil {
		m.log.V(1).Info("Disconnect failed", "error", err.Error())
	}
	m.waitFor(m.opts.DisconnectTimeout, m.disconnected)
	if err := m.radio.StationMode(m.profile.Hostname); err != nil {
		m.log.Error(err, "Failed to enter station mode")
	}

	m.cycle = Scanning
	m.stats.ScanCount++
	if err := m.radio.StartScan(); err != nil {
		m.log.Error(err, "Failed to start scan")
		return false
	}
	if !m.waitFor(m.profile.ScanTimeout, m.radio.ScanDone) {
		m.log.Info("Scan timed out", "timeout", m.profile.ScanTimeout)
	}
	networks := m.radio.ScanResults()
	m.radio.ScanDelete()
	if len(networks) == 0 {
		m.log.Info("Scan found no network")
		return false
	}
	m.stats.LastScan = m.clock.Now()

	best, ok := SelectBest(networks, m.profile.SSID)
	if !ok {
		m.log.Info("Configured network not in range", "ssid", m.profile.SSID, "scanned", len(networks))
		return false
	}
	m.log.V(1).Info("Selected access point", "ssid", best.SSID, "bssid", best.BSSID, "channel", best.Channel, "rssi", best.RSSI)

	m.cycle = Connecting
	m.stats.ConnectCount++
	if err := m.radio.Begin(m.profile.SSID, m.profile.Password, best.Channel, best.BSSID); err != nil {
		m.log.Error(err, "Failed to start association", "bssid", best.BSSID)
		m.connectFailed(best)
		return false
	}
	if !m.waitFor(m.profile.ConnectTimeout, m.radio.IsConnected) {
		m.connectFailed(best)
		return false
	}

	m.connected()
	return true
}

func (m *Manager) connectFailed(ap Network) {
	_ = m.radio.Disconnect()
	if err := m.radio.Off(); err != nil {
		m.log.V(1).Info("Radio off failed", "error", err.Error())
	}
	m.waitFor(m.opts.DisconnectTimeout, m.disconnected)

	if m.stats.UnsuccessfulTries < 255 {
		m.stats.UnsuccessfulTries++
	}
	m.log.Info("Association failed",
		"ssid", ap.SSID,
		"bssid", ap.BSSID,
		"timeout", m.profile.ConnectTimeout,
		"tries", m.stats.UnsuccessfulTries,
		"reboot_after", m.opts.RebootAfterUnsuccessfulTries)

	if n := m.opts.RebootAfterUnsuccessfulTries; n > 0 && m.stats.UnsuccessfulTries >= n {
		m.Restart("too many unsuccessful connection attempts")
	}
}

func (m *Manager) connected() {
	m.stats.UnsuccessfulTries = 0

	if m.profile.Hostname != "" && m.advertiser != nil {
		if m.advertiser.Running() {
			_ = m.advertiser.Stop()
		}
		if err := m.advertiser.Start(m.profile.Hostname, m.radio.LocalIP()); err != nil {
			m.log.Error(err, "Failed to advertise hostname", "hostname", m.profile.Hostname)
		}
	}
	if m.server != nil && !m.server.Serving() {
		if err := m.server.Begin(); err != nil {
			m.log.Error(err, "Failed to start HTTP server")
		}
	}

	now := m.clock.Now()
	m.stats.LastGoodRSSI = now
	m.stats.LastScan = now
	m.invalidIPSince = time.Time{}

	status := m.Status()
	m.log.Info("Connected", "ssid", status.SSID, "bssid", status.BSSID, "ip", status.IP, "rssi", status.Strength)
	for _, fn := range m.listeners {
		fn(status)
	}
}

// needsReconnect runs the link quality checks. Any of them failing asks for
// one reconnect cycle.
func (m *Manager) needsReconnect(now time.Time) bool {
	need := false

	if rssi := m.radio.RSSI(); rssi < m.opts.BadRSSI {
		m.stats.InvalidRSSICount++
		if now.Sub(m.stats.LastGoodRSSI) > m.profile.TolerateBadRSSI {
			m.log.Info("Signal too weak for too long", "rssi", rssi, "threshold", m.opts.BadRSSI, "since", m.stats.LastGoodRSSI)
			need = true
		}
	} else {
		m.stats.LastGoodRSSI = now
	}

	if ip := m.radio.LocalIP(); !ip.IsValid() || ip.IsUnspecified() {
		if m.invalidIPSince.IsZero() {
			m.invalidIPSince = now
		} else if now.Sub(m.invalidIPSince) > m.opts.InvalidIPTimeout {
			m.stats.InvalidIPCount++
			m.log.Info("No IP address", "since", m.invalidIPSince)
			need = true
		}
	} else {
		m.invalidIPSince = time.Time{}
	}

	if m.profile.RescanInterval > 0 && now.Sub(m.stats.LastScan) > m.profile.RescanInterval {
		m.log.V(1).Info("Periodic rescan", "last_scan", m.stats.LastScan, "interval", m.profile.RescanInterval)
		need = true
	}

	return need
}

func (m *Manager) maybeNotifyNoWifi() {
	if m.notify == nil {
		return
	}
	now := m.clock.Now()
	since := m.lastCheck
	if since.IsZero() {
		since = m.started
	}
	window := m.opts.NotifyNoWifiAfter
	if now.Sub(since) <= window {
		return
	}
	if !m.lastNotified.IsZero() && now.Sub(m.lastNotified) < window {
		return
	}
	m.lastNotified = now
	m.log.Info("No WiFi", "since", since)
	m.notify()
}

// waitFor spins until done or timeout and reports done.
func (m *Manager) waitFor(timeout time.Duration, done func() bool) bool {
	start := m.clock.Now()
	for !done() && m.clock.Now().Sub(start) < timeout {
		m.spin()
	}
	return done()
}

func (m *Manager) spin() {
	if m.yield != nil {
		m.yield()
	}
	m.clock.Sleep(m.opts.SpinInterval)
}

func (m *Manager) disconnected() bool {
	return !m.radio.IsConnected()
}

// SelectBest returns the strongest non-hidden access point broadcasting
// ssid. On equal strength the first one scanned wins.
func SelectBest(networks []Network, ssid string) (Network, bool) {
	best := Network{RSSI: noSignal}
	found := false
	for _, n := range networks {
		if n.Hidden || n.SSID != ssid {
			continue
		}
		if n.RSSI > best.RSSI {
			best = n
			found = true
		}
	}
	return best, found
}

func (m *Manager) IsConnected() bool {
	return m.radio.IsConnected()
}

func (m *Manager) RSSI() int {
	return m.radio.RSSI()
}

func (m *Manager) SSID() string {
	return m.radio.SSID()
}

func (m *Manager) BSSID() string {
	return m.radio.BSSID().String()
}

func (m *Manager) LocalIP() netip.Addr {
	return m.radio.LocalIP()
}

func (m *Manager) State() State {
	if m.cycle != "" {
		return m.cycle
	}
	if m.radio.IsConnected() {
		return Connected
	}
	return Disconnected
}

func (m *Manager) Stats() Stats {
	return m.stats
}

func (m *Manager) Profile() Profile {
	return m.profile
}

func (m *Manager) Uptime() time.Duration {
	return m.clock.Now().Sub(m.started)
}

// Status is a snapshot of the live association.
func (m *Manager) Status() Status {
	s := Status{
		Connected: m.radio.IsConnected(),
		Hostname:  m.profile.Hostname,
	}
	if s.Connected {
		s.SSID = m.radio.SSID()
		s.BSSID = m.radio.BSSID().String()
		s.Strength = m.radio.RSSI()
		if ip := m.radio.LocalIP(); ip.IsValid() {
			s.IP = ip.String()
		}
	}
	return s
}
