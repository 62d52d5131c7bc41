package common

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		endpoint string
		room     string
		params   map[string]string
		expected string
	}{
		{"ws://localhost:1234", "doc", nil, "ws://localhost:1234/doc"},
		{"ws://localhost:1234/", "doc", nil, "ws://localhost:1234/doc"},
		{"ws://localhost:1234///", "doc", nil, "ws://localhost:1234/doc"},
		{"wss://host/sync/", "a", map[string]string{"token": "x y", "b": "1"}, "wss://host/sync/a?b=1&token=x+y"},
	}

	for _, tt := range tests {
		if got := BuildURL(tt.endpoint, tt.room, tt.params); got != tt.expected {
			t.Errorf("BuildURL(%q, %q): expected %q, got %q", tt.endpoint, tt.room, tt.expected, got)
		}
	}
}

func TestHealthURL(t *testing.T) {
	tests := map[string]string{
		"ws://localhost:1234":       "http://localhost:1234/health",
		"wss://example.com/sync/":   "https://example.com/sync/health",
		"http://localhost:1234?x=1": "http://localhost:1234/health",
	}
	for in, expected := range tests {
		got, err := HealthURL(in)
		if err != nil {
			t.Fatalf("HealthURL(%q) failed: %v", in, err)
		}
		if got != expected {
			t.Errorf("HealthURL(%q): expected %q, got %q", in, expected, got)
		}
	}

	if _, err := HealthURL("ftp://x"); err == nil {
		t.Errorf("Expected error for unsupported scheme")
	}
}

func TestConfigValidate(t *testing.T) {
	c := DefaultProviderConfig()
	if err := c.Validate(); err == nil {
		t.Errorf("Expected error without endpoints")
	}

	c.Endpoints = []string{"ws://localhost:1234"}
	c.Room = "doc"
	if err := c.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	c.Endpoints = []string{"http://localhost:1234"}
	if err := c.Validate(); err == nil {
		t.Errorf("Expected error for http endpoint")
	}

	c.Endpoints = []string{"ws://localhost:1234"}
	c.MaxBackoff = time.Millisecond
	if err := c.Validate(); err == nil {
		t.Errorf("Expected error for max backoff below initial backoff")
	}

	if s := c.String(); !strings.Contains(s, "ws://localhost:1234") || !strings.Contains(s, "FAILOVER") {
		t.Errorf("Unexpected config string:\n%s", s)
	}
}

func TestChannelFor(t *testing.T) {
	c := DefaultProviderConfig()
	c.Room = "doc"
	if got := c.ChannelFor("ws://host/"); got != "ws://host/doc" {
		t.Errorf("Expected ws://host/doc, got %s", got)
	}
	c.BroadcastChannel = "custom"
	if got := c.ChannelFor("ws://host/"); got != "custom" {
		t.Errorf("Expected override, got %s", got)
	}
}

func TestClientIdentity(t *testing.T) {
	if ProcessID() != ProcessID() {
		t.Errorf("Process id must be stable")
	}
	a, b := NewClientID(), NewClientID()
	if a == b {
		t.Errorf("Client ids must be unique")
	}
	if !strings.HasPrefix(a, ProcessID()) || !strings.HasPrefix(b, ProcessID()) {
		t.Errorf("Client ids must carry the process id")
	}
}

func TestError(t *testing.T) {
	cause := errors.New("boom")
	err := error(NewError(ErrKindTransport, "dial", cause))

	if !errors.Is(err, cause) {
		t.Errorf("Expected error to unwrap to its cause")
	}
	if kind, ok := KindOf(err); !ok || kind != ErrKindTransport {
		t.Errorf("Expected transport kind, got %v", kind)
	}
	if err.Error() != "transport: dial: boom" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestEmitterOrder(t *testing.T) {
	e := NewEmitter("test")
	defer e.Close()

	got := make(chan EventType, 3)
	e.On(func(ev Event) { got <- ev.Type })

	e.Emit(Event{Type: EventStatus})
	e.Emit(Event{Type: EventSync})
	e.Emit(Event{Type: EventPeers})

	for _, expected := range []EventType{EventStatus, EventSync, EventPeers} {
		select {
		case ev := <-got:
			if ev != expected {
				t.Errorf("Expected %s, got %s", expected, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for %s", expected)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", "warn", "warning", "error"} {
		if _, err := ParseLogLevel(lvl); err != nil {
			t.Errorf("ParseLogLevel(%q) failed: %v", lvl, err)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Errorf("Expected error for invalid level")
	}
}
