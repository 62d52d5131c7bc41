package common

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Provider configuration struct
// --------------------------------------------------------------------------

// ProviderConfig holds everything a provider needs to keep one room in sync
type ProviderConfig struct {
	// Endpoints are the candidate relay addresses (ws:// or wss://). The first
	// one is used initially, the others are failover targets.
	Endpoints []string
	// Room is the name of the shared document
	Room string
	// Params are appended to the connection url as query parameters
	Params map[string]string
	// ClientID overrides the generated replica identity
	ClientID string

	// MessageTimeout closes a connection that received nothing for this long
	MessageTimeout time.Duration
	// InitialBackoff and MaxBackoff bound the reconnect delay
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxReconnectAttempts is the number of automatic reconnects after a
	// connection loss before the provider gives up
	MaxReconnectAttempts int
	// ResyncInterval re-sends sync step 1 periodically (0 disables)
	ResyncInterval time.Duration

	// HealthCheckInterval probes all endpoints periodically (0 disables)
	HealthCheckInterval time.Duration
	// LatencyThreshold is the maximal probe latency of a switch target
	LatencyThreshold time.Duration
	// ProbeTimeout bounds a single probe request
	ProbeTimeout time.Duration

	// DisableBroadcast keeps the provider off the same-host broadcast bus
	DisableBroadcast bool
	// BroadcastChannel overrides the bus channel name ({endpoint}/{room})
	BroadcastChannel string
}

// DefaultProviderConfig returns a configuration with the default timings
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Params:               map[string]string{},
		MessageTimeout:       30 * time.Second,
		InitialBackoff:       100 * time.Millisecond,
		MaxBackoff:           2500 * time.Millisecond,
		MaxReconnectAttempts: 5,
		HealthCheckInterval:  0,
		LatencyThreshold:     time.Second,
		ProbeTimeout:         2 * time.Second,
	}
}

// Validate checks that the configuration is usable
func (c *ProviderConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	for _, ep := range c.Endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return fmt.Errorf("invalid endpoint %q: %v", ep, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("invalid endpoint %q: scheme must be ws or wss", ep)
		}
	}
	if c.Room == "" {
		return fmt.Errorf("room must not be empty")
	}
	if c.MessageTimeout <= 0 {
		return fmt.Errorf("message timeout must be positive")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("invalid backoff bounds %s..%s", c.InitialBackoff, c.MaxBackoff)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	return nil
}

// ChannelFor returns the broadcast bus channel used for endpoint
func (c *ProviderConfig) ChannelFor(endpoint string) string {
	if c.BroadcastChannel != "" {
		return c.BroadcastChannel
	}
	return strings.TrimRight(endpoint, "/") + "/" + c.Room
}

// String returns a formatted string representation of the configuration
func (c *ProviderConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Document")
	addField("Room", c.Room)
	addField("Client ID", c.ClientID)

	addSection("Connection")
	addField("Message Timeout", c.MessageTimeout.String())
	addField("Backoff", fmt.Sprintf("%s .. %s", c.InitialBackoff, c.MaxBackoff))
	addField("Reconnect Attempts", strconv.Itoa(c.MaxReconnectAttempts))
	addField("Resync Interval", durationOrOff(c.ResyncInterval))

	addSection("Failover")
	addField("Health Check", durationOrOff(c.HealthCheckInterval))
	addField("Latency Threshold", c.LatencyThreshold.String())
	addField("Probe Timeout", c.ProbeTimeout.String())

	addSection("Broadcast Bus")
	addField("Enabled", strconv.FormatBool(!c.DisableBroadcast))
	if c.BroadcastChannel != "" {
		addField("Channel", c.BroadcastChannel)
	}

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(fmt.Sprintf("Endpoint %d", i+1), endpoint)
	}

	if len(c.Params) > 0 {
		addSection("Parameters")
		keys := make([]string, 0, len(c.Params))
		for k := range c.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			addField(k, c.Params[k])
		}
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Relay configuration struct
// --------------------------------------------------------------------------

// RelayConfig holds the configuration of the relay server
type RelayConfig struct {
	// Endpoint is the listen address (host:port)
	Endpoint string
	// ServerID identifies this relay on the redis bus
	ServerID string
	// RedisAddr enables cross relay fan-out if not empty
	RedisAddr string
	// RedisPrefix prefixes the redis channel of each room
	RedisPrefix string
	// MDNSService enables zeroconf registration if not empty
	MDNSService string
	// SendBuffer is the number of frames queued per connection before it is dropped
	SendBuffer int
	// WriteTimeout bounds a single websocket write
	WriteTimeout time.Duration
	// LogLevel is the level of all loggers
	LogLevel string
}

// DefaultRelayConfig returns the default relay configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Endpoint:     "0.0.0.0:1234",
		RedisPrefix:  "dsync:",
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		LogLevel:     "info",
	}
}

// String returns a formatted string representation of the configuration
func (c *RelayConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Relay Server")
	addField("Endpoint", c.Endpoint)
	addField("Server ID", c.ServerID)
	addField("Send Buffer", fmt.Sprintf("%d frames", c.SendBuffer))
	addField("Write Timeout", c.WriteTimeout.String())

	addSection("Redis")
	if c.RedisAddr == "" {
		addField("Address", "disabled")
	} else {
		addField("Address", c.RedisAddr)
		addField("Channel Prefix", c.RedisPrefix)
	}

	addSection("Discovery")
	if c.MDNSService == "" {
		addField("mDNS Service", "disabled")
	} else {
		addField("mDNS Service", c.MDNSService)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

func durationOrOff(d time.Duration) string {
	if d <= 0 {
		return "off"
	}
	return d.String()
}
