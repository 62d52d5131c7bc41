package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/lib/wire"
	"github.com/redis/go-redis/v9"
)

// redisBridge shares document updates between relays serving the same rooms
type redisBridge struct {
	hub    *Hub
	client *redis.Client
	pubsub *redis.PubSub
	prefix string
	ctx    context.Context
	cancel context.CancelFunc
}

func newRedisBridge(h *Hub) (*redisBridge, error) {
	client := redis.NewClient(&redis.Options{Addr: h.config.RedisAddr})
	ctx, cancel := context.WithCancel(context.Background())

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", h.config.RedisAddr, err)
	}

	b := &redisBridge{
		hub:    h,
		client: client,
		pubsub: client.PSubscribe(ctx, h.config.RedisPrefix+"*"),
		prefix: h.config.RedisPrefix,
		ctx:    ctx,
		cancel: cancel,
	}
	go b.receive()

	Logger.Infof("connected to redis at %s (prefix %q)", h.config.RedisAddr, b.prefix)
	return b, nil
}

// publish sends update to the other relays without blocking the room
func (b *redisBridge) publish(room string, update []byte) {
	payload := encodeEnvelope(b.hub.config.ServerID, update)
	go func() {
		if err := b.client.Publish(b.ctx, b.prefix+room, payload).Err(); err != nil {
			if b.ctx.Err() == nil {
				Logger.Warningf("%s: failed to publish update to redis: %v", room, err)
			}
			return
		}
		redisPublished.Inc()
	}()
}

// receive applies updates published by other relays to the local rooms. Rooms
// without connections are not kept, their updates are dropped.
func (b *redisBridge) receive() {
	for msg := range b.pubsub.Channel() {
		name := strings.TrimPrefix(msg.Channel, b.prefix)
		serverID, update, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			Logger.Warningf("%s: dropped malformed redis message: %v", name, err)
			continue
		}
		if serverID == b.hub.config.ServerID {
			continue
		}
		r, ok := b.hub.rooms.Load(name)
		if !ok {
			continue
		}
		redisReceived.Inc()
		r.exec.Post(func() {
			if err := r.doc.ApplyUpdate(update, fromRedis); err != nil {
				Logger.Warningf("%s: failed to apply update from relay %s: %v", name, serverID, err)
			}
		})
	}
}

func (b *redisBridge) close() {
	b.cancel()
	if err := b.pubsub.Close(); err != nil {
		Logger.Debugf("failed to close redis subscription: %v", err)
	}
	if err := b.client.Close(); err != nil {
		Logger.Debugf("failed to close redis client: %v", err)
	}
}

// --------------------------------------------------------------------------
// Envelope
// --------------------------------------------------------------------------

// encodeEnvelope frames an update as varstring(serverID) varbytes(update)
func encodeEnvelope(serverID string, update []byte) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarString(serverID)
	enc.WriteVarUint8Array(update)
	return enc.Bytes()
}

func decodeEnvelope(data []byte) (string, []byte, error) {
	dec := wire.NewDecoder(data)
	serverID, err := dec.ReadVarString()
	if err != nil {
		return "", nil, fmt.Errorf("server id: %w", err)
	}
	update, err := dec.ReadVarUint8Array()
	if err != nil {
		return "", nil, fmt.Errorf("update: %w", err)
	}
	// the decoder aliases data
	return serverID, append([]byte(nil), update...), nil
}
