package wifi

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// BSSID is the hardware address of an access point.
type BSSID [6]byte

func (b BSSID) String() string {
	return strings.ToUpper(net.HardwareAddr(b[:]).String())
}

func (b BSSID) IsZero() bool {
	return b == BSSID{}
}

func (b BSSID) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BSSID) UnmarshalText(text []byte) error {
	v, err := ParseBSSID(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ParseBSSID accepts the usual colon, dash or dot separated notations.
func ParseBSSID(s string) (BSSID, error) {
	var b BSSID
	hw, err := net.ParseMAC(s)
	if err != nil {
		return b, err
	}
	if len(hw) != len(b) {
		return b, fmt.Errorf("bssid %q: want %d bytes, got %d", s, len(b), len(hw))
	}
	copy(b[:], hw)
	return b, nil
}

// Network describes a single access point found during a scan.
type Network struct {
	SSID    string `json:"ssid"`    // Network SSID
	BSSID   BSSID  `json:"bssid"`   // MAC address of the AP
	Auth    int    `json:"auth"`    // Auth mode (0=open, 3=WPA2, etc.)
	Channel int    `json:"channel"` // WiFi channel
	RSSI    int    `json:"rssi"`    // Signal strength (dBm)
	Hidden  bool   `json:"hidden"`  // Does not broadcast its SSID
}

// State is the connectivity state reported by the Manager. ApOnly is never
// produced by the Manager itself: it belongs to the captive portal.
type State string

const (
	Disconnected State = "disconnected"
	Scanning     State = "scanning"
	Connecting   State = "connecting"
	Connected    State = "connected"
	ApOnly       State = "ap-only"
)

// Profile is the station configuration the Manager tries to maintain.
// Configure replaces it wholesale.
type Profile struct {
	SSID     string
	Password string
	Hostname string

	TolerateBadRSSI time.Duration // how long the signal may stay below the threshold
	ConnectTimeout  time.Duration // bound on association
	ScanTimeout     time.Duration // bound on scan completion
	RescanInterval  time.Duration // periodic refresh/roaming, 0 disables
}

const (
	DefaultTolerateBadRSSI = 5 * time.Minute
	DefaultConnectTimeout  = 30 * time.Second
	DefaultScanTimeout     = 30 * time.Second
	DefaultRescanInterval  = time.Hour
)

// NewProfile returns a profile with the default tolerances.
func NewProfile(ssid, password, hostname string) Profile {
	return Profile{
		SSID:            ssid,
		Password:        password,
		Hostname:        hostname,
		TolerateBadRSSI: DefaultTolerateBadRSSI,
		ConnectTimeout:  DefaultConnectTimeout,
		ScanTimeout:     DefaultScanTimeout,
		RescanInterval:  DefaultRescanInterval,
	}
}

// Stats are the diagnostic counters and timestamps of the Manager.
type Stats struct {
	ScanCount         uint64    `json:"scan_count"`
	ConnectCount      uint64    `json:"connect_count"`
	InvalidRSSICount  uint64    `json:"invalid_rssi_count"`
	InvalidIPCount    uint64    `json:"invalid_ip_count"`
	UnsuccessfulTries uint8     `json:"unsuccessful_tries"`
	RestartCount      uint64    `json:"restart_count"`
	LastScan          time.Time `json:"last_scan"`
	LastGoodRSSI      time.Time `json:"last_good_rssi"`
}

// Status is a snapshot of the live association, as published to listeners.
type Status struct {
	SSID      string `json:"ssid"`      // SSID of the network (empty if disconnected)
	BSSID     string `json:"bssid"`     // AP the radio is associated with
	IP        string `json:"ip"`        // IP address of the device in the network
	Strength  int    `json:"strength"`  // Signal strength in dBm
	Hostname  string `json:"hostname"`  // Advertised name, if any
	Connected bool   `json:"connected"` // Association state
}
