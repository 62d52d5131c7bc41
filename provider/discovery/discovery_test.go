package discovery

import (
	"net"
	"reflect"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestToEndpoint(t *testing.T) {
	entry := func(mod func(e *zeroconf.ServiceEntry)) *zeroconf.ServiceEntry {
		e := zeroconf.NewServiceEntry("relay-1", DefaultService, Domain)
		e.Port = 1234
		e.HostName = "relay.local."
		e.Text = []string{"id=server-1"}
		mod(e)
		return e
	}

	tests := map[string]struct {
		entry *zeroconf.ServiceEntry
		url   string
		ok    bool
	}{
		"IPv4": {
			entry: entry(func(e *zeroconf.ServiceEntry) { e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.10")} }),
			url:   "ws://192.168.1.10:1234", ok: true,
		},
		"IPv6": {
			entry: entry(func(e *zeroconf.ServiceEntry) { e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")} }),
			url:   "ws://[fe80::1]:1234", ok: true,
		},
		"HostName": {
			entry: entry(func(e *zeroconf.ServiceEntry) {}),
			url:   "ws://relay.local:1234", ok: true,
		},
		"NoPort": {
			entry: entry(func(e *zeroconf.ServiceEntry) { e.Port = 0 }),
			ok:    false,
		},
		"NoAddress": {
			entry: entry(func(e *zeroconf.ServiceEntry) { e.HostName = "" }),
			ok:    false,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ep, ok := toEndpoint(tt.entry)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if !ok {
				return
			}
			if ep.URL != tt.url || ep.ServerID != "server-1" || ep.Instance != "relay-1" {
				t.Errorf("Unexpected endpoint %+v", ep)
			}
		})
	}
}

func TestListenPort(t *testing.T) {
	tests := map[string]struct {
		addr string
		port int
		ok   bool
	}{
		"AllInterfaces": {addr: "0.0.0.0:1234", port: 1234, ok: true},
		"NoHost":        {addr: ":8080", port: 8080, ok: true},
		"NoPort":        {addr: "localhost", ok: false},
		"InvalidPort":   {addr: "localhost:99999", ok: false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			port, err := ListenPort(tt.addr)
			if (err == nil) != tt.ok || port != tt.port {
				t.Errorf("Expected (%d, ok=%v), got (%d, %v)", tt.port, tt.ok, port, err)
			}
		})
	}
}

func TestURLs(t *testing.T) {
	eps := []Endpoint{{URL: "ws://a:1"}, {URL: "ws://b:2"}}
	if got := URLs(eps); !reflect.DeepEqual(got, []string{"ws://a:1", "ws://b:2"}) {
		t.Errorf("Unexpected urls %v", got)
	}
}
