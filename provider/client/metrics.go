package client

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// channel names used as metric labels
const (
	viaSocket = "socket"
	viaBus    = "bus"
)

var (
	dialFailures     = metrics.GetOrCreateCounter(`dsync_provider_dial_failures_total`)
	reconnects       = metrics.GetOrCreateCounter(`dsync_provider_reconnects_total`)
	heartbeatTimeout = metrics.GetOrCreateCounter(`dsync_provider_heartbeat_timeouts_total`)
	framingErrors    = metrics.GetOrCreateCounter(`dsync_provider_framing_errors_total`)
	endpointSwitches = metrics.GetOrCreateCounter(`dsync_provider_endpoint_switches_total`)
)

func framesSent(channel string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dsync_provider_frames_sent_total{channel=%q}`, channel))
}

func framesReceived(channel string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dsync_provider_frames_received_total{channel=%q}`, channel))
}
