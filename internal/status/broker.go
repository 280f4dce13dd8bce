package status

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/grandcat/zeroconf"
)

const (
	BrokerService = "_mqtt._tcp"
	DefaultPort   = 1883
	BrowseTimeout = 5 * time.Second
)

// LookupBroker turns where into a broker URL. It accepts a URL with a
// scheme, host[:port], or "zeroconf" to browse the local link for an
// _mqtt._tcp service.
func LookupBroker(ctx context.Context, log logr.Logger, where string) (*url.URL, error) {
	switch {
	case where == "":
		return nil, fmt.Errorf("no MQTT broker configured")
	case where == "zeroconf":
		return browseBroker(ctx, log)
	case strings.Contains(where, "://"):
		return url.Parse(where)
	}

	host, portStr, err := net.SplitHostPort(where)
	if err != nil {
		host, portStr = where, strconv.Itoa(DefaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid MQTT broker port in %q", where)
	}
	return &url.URL{Scheme: "tcp", Host: net.JoinHostPort(host, strconv.Itoa(port))}, nil
}

func browseBroker(ctx context.Context, log logr.Logger) (*url.URL, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("zeroconf resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan *url.URL, 1)
	go func() {
		for entry := range entries {
			for _, ip := range entry.AddrIPv4 {
				u := &url.URL{Scheme: "tcp", Host: net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))}
				log.Info("Found MQTT broker", "instance", entry.Instance, "url", u.String())
				select {
				case found <- u:
					cancel()
				default:
				}
			}
		}
	}()

	if err := resolver.Browse(ctx, BrokerService, "local.", entries); err != nil {
		return nil, fmt.Errorf("browsing %s: %w", BrokerService, err)
	}
	<-ctx.Done()

	select {
	case u := <-found:
		return u, nil
	default:
		return nil, fmt.Errorf("no MQTT broker found via %s", BrokerService)
	}
}
