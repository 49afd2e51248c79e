package eventbusredis

import (
	"context"
	"encoding/json"

	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/logx"
	"github.com/redis/go-redis/v9"
)

// RedisTransport carries events over Redis pub/sub. Delivery is at-most-once
// to currently connected subscribers, which is exactly the bus contract.
type RedisTransport struct {
	rdb    *redis.Client
	cancel context.CancelFunc
	subCtx context.Context
}

func NewRedisTransport(rdb *redis.Client) *RedisTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisTransport{rdb: rdb, subCtx: ctx, cancel: cancel}
}

func (t *RedisTransport) Publish(ctx context.Context, channel eventbus.Channel, event eventbus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, string(channel), data).Err()
}

// Subscribe pumps messages from the channel into handler on a dedicated
// goroutine until ctx (or the transport) is done. Undecodable payloads are
// dropped with a log line.
func (t *RedisTransport) Subscribe(ctx context.Context, channel eventbus.Channel, handler func(eventbus.Event)) error {
	sub := t.rdb.Subscribe(ctx, string(channel))
	// Force the subscription onto the wire before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event eventbus.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logx.WithError(err).WithField("channel", msg.Channel).
						Warn("dropping undecodable event")
					continue
				}
				handler(event)
			}
		}
	}()
	return nil
}

func (t *RedisTransport) Close() error {
	t.cancel()
	return nil
}
