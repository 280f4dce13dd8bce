package wifi_test

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/asnowfix/wifimgr/pkg/clock"
	"github.com/asnowfix/wifimgr/pkg/wifi"
	"github.com/asnowfix/wifimgr/pkg/wifi/simradio"
	"github.com/go-logr/logr/testr"
)

var (
	mac      = net.HardwareAddr{0x24, 0x6f, 0x28, 0xab, 0xcd, 0xef}
	apWeak   = wifi.BSSID{0x02, 0, 0, 0, 0, 1}
	apStrong = wifi.BSSID{0x02, 0, 0, 0, 0, 2}
	apHidden = wifi.BSSID{0x02, 0, 0, 0, 0, 3}
	apOther  = wifi.BSSID{0x02, 0, 0, 0, 0, 4}
	apTie    = wifi.BSSID{0x02, 0, 0, 0, 0, 5}
)

type restarter struct{ count int }

func (r *restarter) Restart() { r.count++ }

type advertiser struct {
	running  bool
	starts   []string
	stops    int
	lastAddr netip.Addr
}

func (a *advertiser) Start(hostname string, ip netip.Addr) error {
	a.running = true
	a.starts = append(a.starts, hostname)
	a.lastAddr = ip
	return nil
}

func (a *advertiser) Stop() error {
	a.running = false
	a.stops++
	return nil
}

func (a *advertiser) Running() bool { return a.running }

type server struct {
	serving bool
	begins  int
}

func (s *server) Serving() bool { return s.serving }

func (s *server) Begin() error {
	s.serving = true
	s.begins++
	return nil
}

type fixture struct {
	clock     *clock.Fake
	radio     *simradio.Radio
	restarter *restarter
	manager   *wifi.Manager
}

func newFixture(t *testing.T, aps ...simradio.AP) *fixture {
	t.Helper()
	f := &fixture{
		clock:     clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		restarter: &restarter{},
	}
	f.radio = simradio.New(f.clock, mac, aps...)
	f.manager = wifi.NewManager(testr.New(t), f.radio, f.clock, f.restarter, wifi.DefaultOptions())
	return f
}

func homeAPs() []simradio.AP {
	return []simradio.AP{
		{SSID: "Home", Password: "secret", BSSID: apWeak, Channel: 1, RSSI: -80},
		{SSID: "Home", Password: "secret", BSSID: apHidden, Channel: 3, RSSI: -30, Hidden: true},
		{SSID: "Home", Password: "secret", BSSID: apStrong, Channel: 6, RSSI: -50},
		{SSID: "Other", Password: "other", BSSID: apOther, Channel: 11, RSSI: -20},
		{SSID: "Home", Password: "secret", BSSID: apTie, Channel: 11, RSSI: -50},
	}
}

// tick lets the quality-check throttle expire before polling.
func (f *fixture) tick(d time.Duration) {
	f.clock.Advance(d)
	f.manager.PollTick()
}

func TestConfigureJoinsStrongestVisibleAP(t *testing.T) {
	f := newFixture(t, homeAPs()...)

	if !f.manager.Configure(wifi.NewProfile("Home", "secret", "")) {
		t.Fatalf("Configure did not connect")
	}
	if got := f.radio.BSSID(); got != apStrong {
		t.Errorf("Associated with %v, want %v", got, apStrong)
	}
	if f.manager.State() != wifi.Connected {
		t.Errorf("State = %v, want connected", f.manager.State())
	}
	st := f.manager.Stats()
	if st.ScanCount != 1 || st.ConnectCount != 1 {
		t.Errorf("Counters = %+v, want one scan and one connect", st)
	}
}

func TestSelectBest(t *testing.T) {
	networks := []wifi.Network{
		{SSID: "Home", BSSID: apWeak, RSSI: -80},
		{SSID: "", BSSID: apHidden, RSSI: -10, Hidden: true},
		{SSID: "Home", BSSID: apStrong, RSSI: -50},
		{SSID: "Home", BSSID: apTie, RSSI: -50},
		{SSID: "home", BSSID: apOther, RSSI: -20},
	}
	best, ok := wifi.SelectBest(networks, "Home")
	if !ok || best.BSSID != apStrong {
		t.Errorf("SelectBest = %v, %v; want first of the strongest (%v)", best.BSSID, ok, apStrong)
	}
	if _, ok := wifi.SelectBest(networks, "Nope"); ok {
		t.Errorf("SelectBest found a network that is not there")
	}
	if _, ok := wifi.SelectBest(nil, "Home"); ok {
		t.Errorf("SelectBest on empty scan")
	}
}

func TestReconnectMonotonicity(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	if !f.manager.Configure(wifi.NewProfile("Home", "secret", "")) {
		t.Fatal("Configure did not connect")
	}
	before := f.manager.Stats()

	f.clock.Advance(time.Minute)
	if !f.manager.Reconnect() {
		t.Fatal("Reconnect did not connect")
	}
	after := f.manager.Stats()

	if after.LastScan.Before(before.LastScan) {
		t.Errorf("LastScan went backwards: %v -> %v", before.LastScan, after.LastScan)
	}
	if after.LastGoodRSSI.Before(before.LastGoodRSSI) {
		t.Errorf("LastGoodRSSI went backwards: %v -> %v", before.LastGoodRSSI, after.LastGoodRSSI)
	}
	if after.UnsuccessfulTries != 0 {
		t.Errorf("UnsuccessfulTries = %d after success", after.UnsuccessfulTries)
	}
}

func TestRestartAfterUnsuccessfulTries(t *testing.T) {
	const n = 3
	f := newFixture(t, homeAPs()...)
	f.manager.SetRebootAfterUnsuccessfulTries(n)
	var torn []string
	f.manager.OnTeardown(func() { torn = append(torn, "first") })
	f.manager.OnTeardown(func() { torn = append(torn, "second") })

	if f.manager.Configure(wifi.NewProfile("Home", "wrong", "")) {
		t.Fatal("Connected with a wrong password")
	}
	for i := 2; i < n; i++ {
		f.tick(time.Second)
	}
	if got := f.manager.Stats().UnsuccessfulTries; got != n-1 {
		t.Fatalf("UnsuccessfulTries = %d, want %d", got, n-1)
	}
	if f.restarter.count != 0 {
		t.Fatalf("Restarted after %d failures, threshold is %d", n-1, n)
	}

	f.tick(time.Second)
	if f.restarter.count != 1 {
		t.Fatalf("Restart count = %d after %d failures, want 1", f.restarter.count, n)
	}
	if len(torn) != 2 || torn[0] != "second" || torn[1] != "first" {
		t.Errorf("Teardown hooks = %v, want reverse registration order", torn)
	}
	if f.radio.Mode() != "off" {
		t.Errorf("Radio should be off after a failed attempt, mode is %q", f.radio.Mode())
	}
}

// refusingRadio never accepts an association request.
type refusingRadio struct {
	*simradio.Radio
	begins int
}

func (r *refusingRadio) Begin(ssid, password string, channel int, bssid wifi.BSSID) error {
	r.begins++
	return errors.New("association refused")
}

func TestRefusedAssociationCountsOnceWithoutWaiting(t *testing.T) {
	const n = 3
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	radio := &refusingRadio{Radio: simradio.New(clk, mac, homeAPs()...)}
	r := &restarter{}
	m := wifi.NewManager(testr.New(t), radio, clk, r, wifi.DefaultOptions())
	m.SetRebootAfterUnsuccessfulTries(n)

	start := clk.Now()
	if m.Configure(wifi.NewProfile("Home", "secret", "")) {
		t.Fatal("Connected through a refusing radio")
	}
	if elapsed := clk.Now().Sub(start); elapsed >= wifi.DefaultConnectTimeout {
		t.Errorf("Refused association waited %v, want less than the connect timeout", elapsed)
	}
	if got := m.Stats().UnsuccessfulTries; got != 1 || radio.begins != 1 {
		t.Fatalf("UnsuccessfulTries = %d after %d requests, want 1 each", got, radio.begins)
	}

	for i := 1; i < n; i++ {
		clk.Advance(time.Second)
		m.PollTick()
	}
	if radio.begins != n || r.count != 1 {
		t.Errorf("Requests = %d, restarts = %d, want %d and 1", radio.begins, r.count, n)
	}
}

func TestZeroThresholdNeverRestarts(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	f.manager.Configure(wifi.NewProfile("Home", "wrong", ""))
	for i := 0; i < 5; i++ {
		f.tick(time.Second)
	}
	if f.restarter.count != 0 {
		t.Errorf("Restarted with threshold 0")
	}
	if got := f.manager.Stats().UnsuccessfulTries; got != 6 {
		t.Errorf("UnsuccessfulTries = %d, want 6", got)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	f.manager.SetRebootAfterUnsuccessfulTries(3)

	f.manager.Configure(wifi.NewProfile("Home", "later", ""))
	f.tick(time.Second)
	if got := f.manager.Stats().UnsuccessfulTries; got != 2 {
		t.Fatalf("UnsuccessfulTries = %d, want 2", got)
	}

	f.radio.SetPassword("Home", "later")
	f.tick(time.Second)
	if !f.manager.IsConnected() {
		t.Fatal("Not connected once the password matches")
	}
	if got := f.manager.Stats().UnsuccessfulTries; got != 0 {
		t.Errorf("UnsuccessfulTries = %d after success, want 0", got)
	}
	if f.restarter.count != 0 {
		t.Errorf("Unexpected restart")
	}
}

func TestNetworkOutOfRangeIsNotAFailedAttempt(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	f.manager.SetRebootAfterUnsuccessfulTries(1)

	if f.manager.Configure(wifi.NewProfile("Elsewhere", "x", "")) {
		t.Fatal("Connected to a network that is not in range")
	}
	st := f.manager.Stats()
	if st.ConnectCount != 0 || st.UnsuccessfulTries != 0 || f.restarter.count != 0 {
		t.Errorf("No association should be attempted: %+v, restarts %d", st, f.restarter.count)
	}
}

func TestYieldRunsDuringBoundedWaits(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	yields := 0
	f.manager.SetYield(func() { yields++ })

	f.manager.Configure(wifi.NewProfile("Home", "secret", ""))

	// 2s scan plus 3s association at one spin every 10ms.
	if yields < 400 {
		t.Errorf("Yield hook called %d times, expected it on every spin", yields)
	}

	before := yields
	f.manager.Delay(500 * time.Millisecond)
	if yields-before != 50 {
		t.Errorf("Delay(500ms) yielded %d times, want 50", yields-before)
	}
}

func TestWeakSignalTriggersReconnectAfterTolerance(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	f.manager.Configure(wifi.NewProfile("Home", "secret", ""))
	scans := f.radio.Scans

	f.radio.SetRSSI(apStrong, -90)
	f.tick(2 * time.Second)
	if f.radio.Scans != scans {
		t.Fatalf("Reconnected before the tolerance window expired")
	}
	if got := f.manager.Stats().InvalidRSSICount; got != 1 {
		t.Errorf("InvalidRSSICount = %d, want 1", got)
	}

	f.tick(wifi.DefaultTolerateBadRSSI)
	if f.radio.Scans != scans+1 {
		t.Fatalf("Scans = %d, want a reconnect cycle once the weak signal outlasted the tolerance", f.radio.Scans)
	}
}

func TestGoodSignalRefreshesTolerance(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	p := wifi.NewProfile("Home", "secret", "")
	p.RescanInterval = 0
	f.manager.Configure(p)
	scans := f.radio.Scans

	for i := 0; i < 10; i++ {
		f.tick(time.Minute)
	}
	if f.radio.Scans != scans {
		t.Errorf("Good signal should never force a reconnect, scans %d -> %d", scans, f.radio.Scans)
	}
}

func TestInvalidIPTriggersReconnect(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	f.manager.Configure(wifi.NewProfile("Home", "secret", ""))
	scans := f.radio.Scans

	f.radio.SetIP(netip.IPv4Unspecified())
	f.tick(2 * time.Second)
	f.tick(10 * time.Second)
	if f.radio.Scans != scans {
		t.Fatalf("Reconnected before the invalid address timeout")
	}

	f.tick(wifi.DefaultInvalidIPTimeout)
	if f.radio.Scans != scans+1 {
		t.Fatalf("Scans = %d, want a reconnect cycle for the unspecified address", f.radio.Scans)
	}
	if got := f.manager.Stats().InvalidIPCount; got != 1 {
		t.Errorf("InvalidIPCount = %d, want 1", got)
	}
	if ip := f.manager.LocalIP(); !ip.IsValid() || ip.IsUnspecified() {
		t.Errorf("Expected a fresh address after reconnect, got %v", ip)
	}
}

func TestPeriodicRescan(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	p := wifi.NewProfile("Home", "secret", "")
	p.RescanInterval = 10 * time.Minute
	f.manager.Configure(p)
	scans := f.radio.Scans

	f.tick(5 * time.Minute)
	if f.radio.Scans != scans {
		t.Fatalf("Rescanned before the interval")
	}
	f.tick(6 * time.Minute)
	if f.radio.Scans != scans+1 {
		t.Errorf("Scans = %d, want a periodic rescan", f.radio.Scans)
	}
}

func TestQualityChecksThrottled(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	f.manager.Configure(wifi.NewProfile("Home", "secret", ""))
	f.radio.SetRSSI(apStrong, -90)

	f.tick(2 * time.Second)
	f.tick(100 * time.Millisecond)
	f.tick(100 * time.Millisecond)
	if got := f.manager.Stats().InvalidRSSICount; got != 1 {
		t.Errorf("InvalidRSSICount = %d, quality checks must run at most once per second", got)
	}
}

func TestNotifyNoWifiOncePerWindow(t *testing.T) {
	f := newFixture(t)
	notified := 0
	f.manager.NotifyNoWifi(func() { notified++ }, time.Minute)
	f.manager.Configure(wifi.NewProfile("Home", "secret", ""))

	// Configure and every poll scan for 2s, then 10s pass: polls check at 4, 16, 28, ...
	counts := make([]int, 16)
	f.manager.PollTick()
	counts[0] = notified
	for k := 1; k < len(counts); k++ {
		f.clock.Advance(10 * time.Second)
		f.manager.PollTick()
		counts[k] = notified
	}

	if counts[4] != 0 {
		t.Errorf("Notified before the window expired: %v", counts)
	}
	if counts[5] != 1 || counts[9] != 1 {
		t.Errorf("Expected exactly one notification in the first window: %v", counts)
	}
	if counts[15] != 3 {
		t.Errorf("Notifications = %d after ~3 windows, want 3 (%v)", counts[15], counts)
	}
}

func TestAdvertiserAndServerFollowTheLink(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	adv := &advertiser{}
	srv := &server{}
	f.manager.SetAdvertiser(adv)
	f.manager.SetServer(srv)

	f.manager.Configure(wifi.NewProfile("Home", "secret", "kitchen"))
	if len(adv.starts) != 1 || adv.starts[0] != "kitchen" || !adv.running {
		t.Fatalf("Hostname not advertised: %+v", adv)
	}
	if adv.lastAddr != f.manager.LocalIP() {
		t.Errorf("Advertised %v, local address is %v", adv.lastAddr, f.manager.LocalIP())
	}
	if srv.begins != 1 {
		t.Errorf("Server started %d times, want 1", srv.begins)
	}
	if f.radio.Hostname != "kitchen" {
		t.Errorf("Radio hostname = %q", f.radio.Hostname)
	}

	f.manager.Reconnect()
	if adv.stops == 0 {
		t.Errorf("Advertisement must be torn down before reconnecting")
	}
	if len(adv.starts) != 2 {
		t.Errorf("Advertisement not re-armed after reconnect: %v", adv.starts)
	}
	if srv.begins != 1 {
		t.Errorf("Server already serving must not be restarted")
	}
}

func TestNoHostnameNoAdvertisement(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	adv := &advertiser{}
	f.manager.SetAdvertiser(adv)
	f.manager.Configure(wifi.NewProfile("Home", "secret", ""))
	if len(adv.starts) != 0 {
		t.Errorf("Advertised without a hostname")
	}
}

func TestConfigureReplacesProfile(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	f.manager.Configure(wifi.NewProfile("Home", "secret", "a"))

	p := wifi.NewProfile("Other", "other", "b")
	p.ConnectTimeout = 5 * time.Second
	if !f.manager.Configure(p) {
		t.Fatal("Did not join the new network")
	}
	if got := f.manager.Profile(); got != p {
		t.Errorf("Profile = %+v, want %+v", got, p)
	}
	if f.manager.SSID() != "Other" || f.radio.BSSID() != apOther {
		t.Errorf("Associated with %s/%s", f.manager.SSID(), f.manager.BSSID())
	}
}

func TestLinkLossReconnectsOnNextTick(t *testing.T) {
	f := newFixture(t, homeAPs()...)
	var statuses []wifi.Status
	f.manager.OnConnected(func(s wifi.Status) { statuses = append(statuses, s) })
	f.manager.Configure(wifi.NewProfile("Home", "secret", ""))

	f.radio.RemoveAP(apStrong)
	if f.manager.IsConnected() {
		t.Fatal("Still connected to a removed AP")
	}
	f.tick(time.Second)
	if !f.manager.IsConnected() || f.radio.BSSID() != apTie {
		t.Errorf("Expected roaming to the remaining strongest AP, got %v", f.radio.BSSID())
	}
	if len(statuses) != 2 || !statuses[1].Connected || statuses[1].BSSID != apTie.String() {
		t.Errorf("Listener statuses = %+v", statuses)
	}
}
