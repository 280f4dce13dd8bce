package wifi

import (
	"net"
	"net/netip"
)

// Radio is the network interface driver. Scan and association run in the
// background on the radio side: StartScan and Begin return immediately and
// the Manager polls ScanDone / IsConnected.
type Radio interface {
	// StationMode puts the radio in station mode with auto-connect,
	// persistence and power saving disabled.
	StationMode(hostname string) error
	// Disconnect drops the current association (if any).
	Disconnect() error
	// Off powers the radio down.
	Off() error

	StartScan() error
	ScanDone() bool
	ScanResults() []Network
	ScanDelete()

	Begin(ssid, password string, channel int, bssid BSSID) error
	IsConnected() bool
	RSSI() int
	SSID() string
	BSSID() BSSID
	LocalIP() netip.Addr
	MACAddress() net.HardwareAddr

	// StartAP brings up a soft access point. An empty password means an
	// open network.
	StartAP(ssid, password string) error
}

// Advertiser publishes the device name on the local network (mDNS).
type Advertiser interface {
	Start(hostname string, ip netip.Addr) error
	Stop() error
	Running() bool
}

// Server is the HTTP server that depends on the association. The Manager
// (re)starts it after a successful connection when it is not serving.
type Server interface {
	Serving() bool
	Begin() error
}

// Restarter performs the hard restart used as last-resort recovery.
type Restarter interface {
	Restart()
}
