package relay

import "github.com/VictoriaMetrics/metrics"

var (
	roomsOpened    = metrics.GetOrCreateCounter(`dsync_relay_rooms_opened_total`)
	roomsClosed    = metrics.GetOrCreateCounter(`dsync_relay_rooms_closed_total`)
	connsOpened    = metrics.GetOrCreateCounter(`dsync_relay_connections_opened_total`)
	connsClosed    = metrics.GetOrCreateCounter(`dsync_relay_connections_closed_total`)
	connsDenied    = metrics.GetOrCreateCounter(`dsync_relay_connections_denied_total`)
	slowConsumers  = metrics.GetOrCreateCounter(`dsync_relay_slow_consumers_total`)
	framesReceived = metrics.GetOrCreateCounter(`dsync_relay_frames_received_total`)
	framesSent     = metrics.GetOrCreateCounter(`dsync_relay_frames_sent_total`)
	framingErrors  = metrics.GetOrCreateCounter(`dsync_relay_framing_errors_total`)
	redisPublished = metrics.GetOrCreateCounter(`dsync_relay_redis_published_total`)
	redisReceived  = metrics.GetOrCreateCounter(`dsync_relay_redis_received_total`)
)
