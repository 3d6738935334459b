// Package discovery advertises the relay over mDNS and lets participants on
// the same network find it without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// DefaultService is the mDNS service type of the relay.
const DefaultService = "_collabtext._tcp"

const domain = "local."

var ErrNotFound = errors.New("discovery: no relay found")

// Advertise registers the relay on port until ctx is cancelled.
func Advertise(ctx context.Context, service string, port int, logger *slog.Logger) error {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("CollabText-%s", host),
		service,
		domain,
		port,
		[]string{"txtv=0", "path=/ws"},
		nil,
	)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", service, err)
	}
	defer server.Shutdown()
	logger.Info("discovery: service registered", "service", service, "port", port)
	<-ctx.Done()
	return nil
}

// Browse returns the address (host:port) of the first relay that answers
// before ctx expires.
func Browse(ctx context.Context, service string, logger *slog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			addr, ok := entryAddr(entry)
			if !ok {
				continue
			}
			logger.Info("discovery: found relay", "instance", entry.Instance, "addr", addr)
			select {
			case found <- addr:
			default:
			}
			cancel()
		}
	}()
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("discovery: browse %s: %w", service, err)
	}
	<-ctx.Done()
	select {
	case addr := <-found:
		return addr, nil
	default:
		return "", ErrNotFound
	}
}

func entryAddr(e *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)), true
}
