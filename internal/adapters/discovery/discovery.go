// Package discovery advertises and finds relay servers on the local
// network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const (
	Service = "_collab-relay._tcp"
	Domain  = "local."
)

var ErrNotFound = errors.New("no relay found")

// Advertise registers the relay listening on port. Call the returned func
// to withdraw it.
func Advertise(port int) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("Collab-%s", host),
		Service,
		Domain,
		port,
		[]string{"path=/api/ws/room"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	log.Info().Str("module", "adapters.discovery").Str("service", Service).Int("port", port).Msg("relay advertised")
	return server.Shutdown, nil
}

// Browse returns the websocket base url of the first relay that answers
// before ctx ends.
func Browse(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mdns resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			if u, ok := EntryURL(entry); ok {
				log.Info().Str("module", "adapters.discovery").Str("instance", entry.Instance).Str("url", u).Msg("relay discovered")
				select {
				case found <- u:
				default:
				}
				cancel()
			}
		}
	}()
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("browse mdns: %w", err)
	}

	select {
	case u := <-found:
		return u, nil
	case <-ctx.Done():
		select {
		case u := <-found:
			return u, nil
		default:
			return "", ErrNotFound
		}
	}
}

// EntryURL builds ws://host:port from a resolved entry, preferring IPv4.
func EntryURL(e *zeroconf.ServiceEntry) (string, bool) {
	if e == nil || e.Port == 0 {
		return "", false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)), true
}
