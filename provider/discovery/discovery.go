// Package discovery announces relays on the local network via mDNS and finds
// them again, so clients can seed their failover endpoint list without
// configuration.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("discovery")

const (
	// DefaultService is the mDNS service type of dsync relays
	DefaultService = "_dsync._tcp"
	// Domain is the mDNS domain that is browsed
	Domain = "local."

	serverIDKey = "id="
)

// Endpoint is a relay found on the network
type Endpoint struct {
	Instance string
	ServerID string
	// URL is the websocket endpoint of the relay (ws://host:port)
	URL string
}

// Registration is an active mDNS announcement
type Registration struct {
	server *zeroconf.Server
}

// Register announces a relay listening on port
func Register(instance, service, serverID string, port int) (*Registration, error) {
	if service == "" {
		service = DefaultService
	}
	server, err := zeroconf.Register(instance, service, Domain, port, []string{serverIDKey + serverID}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service %s: %w", service, err)
	}
	Logger.Infof("registered %s as %s on port %d", instance, service, port)
	return &Registration{server: server}, nil
}

// Shutdown withdraws the announcement
func (r *Registration) Shutdown() {
	r.server.Shutdown()
}

// Browse collects relays announced for service until ctx is done. The result
// is sorted by url and free of duplicates.
func Browse(ctx context.Context, service string) ([]Endpoint, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Endpoint)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for entry := range entries {
			ep, ok := toEndpoint(entry)
			if !ok {
				Logger.Debugf("ignoring %s without usable address", entry.Instance)
				continue
			}
			Logger.Debugf("discovered %s at %s", ep.Instance, ep.URL)
			found[ep.URL] = ep
		}
	}()

	if err := resolver.Browse(ctx, service, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for %s: %w", service, err)
	}
	<-ctx.Done()
	// the resolver closes entries once ctx is done
	<-collected

	out := make([]Endpoint, 0, len(found))
	for _, ep := range found {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// URLs returns the urls of endpoints
func URLs(endpoints []Endpoint) []string {
	out := make([]string, len(endpoints))
	for i, ep := range endpoints {
		out[i] = ep.URL
	}
	return out
}

// ListenPort extracts the port of a listen address like "0.0.0.0:1234"
func ListenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port in listen address %q", addr)
	}
	return p, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// toEndpoint prefers IPv4, then IPv6, then the announced host name
func toEndpoint(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	if entry == nil || entry.Port <= 0 {
		return Endpoint{}, false
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return Endpoint{}, false
	}

	ep := Endpoint{
		Instance: entry.Instance,
		URL:      "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)),
	}
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, serverIDKey) {
			ep.ServerID = strings.TrimPrefix(txt, serverIDKey)
		}
	}
	return ep, true
}
