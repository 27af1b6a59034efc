package hub

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// frame is the pub/sub envelope. Origin lets an instance ignore its own
// publishes when they come back around.
type frame struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge relays broadcasts through a Redis channel so sessions connected to
// other relay instances see the same state changes. Delivery keeps the
// fanout contract: best-effort, at-most-once.
type Bridge struct {
	rdb     *redis.Client
	channel string
	origin  string
	hub     *Hub

	cancel context.CancelFunc
	done   chan struct{}
}

// AttachBridge wires a Redis pub/sub bridge to the hub and starts its
// subscriber loop.
func AttachBridge(ctx context.Context, h *Hub, rdb *redis.Client, channel string) (*Bridge, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     h,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	pubsub := rdb.Subscribe(runCtx, channel)
	go b.run(runCtx, pubsub)
	h.bridge = b
	return b, nil
}

func (b *Bridge) run(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer pubsub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				log.Printf("bridge: bad frame: %v", err)
				continue
			}
			if f.Origin == b.origin {
				continue
			}
			b.hub.broadcastLocal(f.Payload)
		}
	}
}

// Publish pushes one serialized broadcast to the channel. Errors are logged,
// not surfaced; a Redis outage must not fail the local fanout.
func (b *Bridge) Publish(ctx context.Context, data []byte) {
	body, err := json.Marshal(frame{Origin: b.origin, Payload: data})
	if err != nil {
		log.Printf("bridge: encode frame: %v", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, body).Err(); err != nil {
		log.Printf("bridge: publish: %v", err)
	}
}

// Close stops the subscriber loop.
func (b *Bridge) Close() {
	b.cancel()
	<-b.done
}
