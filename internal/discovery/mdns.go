package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Relays announce themselves on the local network so clients can find one
// without a configured URL.
const (
	ServiceType = "_livesync._tcp"
	Domain      = "local."
)

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers a relay listening on port, serving the cable
// endpoint at path.
func Advertise(port int, path string) (*Advertisement, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "relay"
	}
	server, err := zeroconf.Register(
		fmt.Sprintf("livesync-%s", host),
		ServiceType,
		Domain,
		port,
		[]string{"path=" + path, "txtv=1"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	log.Printf("📡 mDNS service registered: %s on port %d", ServiceType, port)
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Relay is a discovered relay endpoint.
type Relay struct {
	Instance string
	URL      string
}

// Browse collects relays answering within timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS services: %w", err)
	}

	var relays []Relay
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return relays, nil
			}
			if u, ok := EntryURL(entry); ok {
				relays = append(relays, Relay{Instance: entry.Instance, URL: u})
			}
		case <-ctx.Done():
			return relays, nil
		}
	}
}

// EntryURL builds the cable URL a service entry advertises. IPv4 is
// preferred over IPv6.
func EntryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}

	path := "/cable"
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "path="); ok && v != "" {
			path = v
		}
	}
	host := net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
	return "ws://" + host + path, true
}
