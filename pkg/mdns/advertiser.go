// Package mdns advertises the device on the local link: its hostname as
// <hostname>.local and, when a port is set, its HTTP server as a DNS-SD
// service.
package mdns

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/go-logr/logr"
	"github.com/grandcat/zeroconf"
	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	DefaultService = "_http._tcp"
	DefaultDomain  = "local."
)

type Advertiser struct {
	log logr.Logger

	Service string
	Domain  string
	Port    int // 0 disables the DNS-SD record
	Text    []string

	conn    *mdns.Conn
	l4      *net.UDPConn
	l6      *net.UDPConn
	service *zeroconf.Server
	running bool
}

func New(log logr.Logger, port int) *Advertiser {
	return &Advertiser{
		log:     log,
		Service: DefaultService,
		Domain:  DefaultDomain,
		Port:    port,
	}
}

func (a *Advertiser) Running() bool {
	return a.running
}

// Start answers mDNS queries for hostname.local with ip.
func (a *Advertiser) Start(hostname string, ip netip.Addr) error {
	if a.running {
		if err := a.Stop(); err != nil {
			return err
		}
	}
	if !ip.IsValid() || ip.IsUnspecified() {
		return fmt.Errorf("cannot advertise %s without an address", hostname)
	}

	if err := a.listen(); err != nil {
		return err
	}
	var p4 *ipv4.PacketConn
	var p6 *ipv6.PacketConn
	if a.l4 != nil {
		p4 = ipv4.NewPacketConn(a.l4)
	}
	if a.l6 != nil {
		p6 = ipv6.NewPacketConn(a.l6)
	}

	name := LocalName(hostname)
	conn, err := mdns.Server(p4, p6, &mdns.Config{
		LocalNames:   []string{name},
		LocalAddress: net.IP(ip.AsSlice()),
	})
	if err != nil {
		a.closeListeners()
		return fmt.Errorf("publish %s over mDNS: %w", name, err)
	}
	a.conn = conn

	if a.Port > 0 {
		instance := strings.TrimSuffix(name, ".local")
		srv, err := zeroconf.RegisterProxy(instance, a.Service, a.Domain, a.Port, instance, []string{ip.String()}, a.Text, nil)
		if err != nil {
			a.log.Error(err, "Failed to register DNS-SD service", "instance", instance, "service", a.Service, "port", a.Port)
		} else {
			a.service = srv
		}
	}

	a.running = true
	a.log.Info("Published over mDNS", "hostname", name, "ip", ip.String(), "service", a.Service, "port", a.Port)
	return nil
}

func (a *Advertiser) Stop() error {
	if a.service != nil {
		a.service.Shutdown()
		a.service = nil
	}
	var err error
	if a.conn != nil {
		err = a.conn.Close()
		a.conn = nil
	}
	a.closeListeners()
	if a.running {
		a.log.V(1).Info("mDNS advertisement stopped")
	}
	a.running = false
	return err
}

// listen opens the multicast sockets. Either family may be missing on the
// host, but not both.
func (a *Advertiser) listen() error {
	var errs []error
	if addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4); err != nil {
		errs = append(errs, err)
	} else if a.l4, err = net.ListenUDP("udp4", addr4); err != nil {
		errs = append(errs, fmt.Errorf("listen %s: %w", addr4, err))
	}
	if addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6); err != nil {
		errs = append(errs, err)
	} else if a.l6, err = net.ListenUDP("udp6", addr6); err != nil {
		a.log.V(1).Info("No IPv6 mDNS socket", "address", addr6.String(), "error", err.Error())
	}
	if a.l4 == nil && a.l6 == nil {
		return errors.Join(errs...)
	}
	return nil
}

func (a *Advertiser) closeListeners() {
	if a.l4 != nil {
		_ = a.l4.Close()
		a.l4 = nil
	}
	if a.l6 != nil {
		_ = a.l6.Close()
		a.l6 = nil
	}
}

// LocalName turns a hostname into its .local name.
func LocalName(hostname string) string {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	if strings.HasSuffix(h, ".local") {
		return h
	}
	return h + ".local"
}
