package eventbus

import (
	"context"
	"strings"
	"time"

	"github.com/quantrail/identity/pkg/asyncx"
	"github.com/quantrail/identity/pkg/logx"
)

// Transport carries serialized events to subscribers. Implementations are
// best-effort: nothing is persisted, nothing is redelivered.
type Transport interface {
	Publish(ctx context.Context, channel Channel, event Event) error
	Subscribe(ctx context.Context, channel Channel, handler func(Event)) error
	Close() error
}

// Route maps an event type to its topical channels. ChannelAll is implicit
// and not part of the return. The set of types is closed; an unrecognized
// type reaches events.all only.
func Route(eventType string) []Channel {
	switch {
	case eventType == "refresh.reuse_detected":
		return []Channel{ChannelSecurity}
	case eventType == "password.changed":
		return []Channel{ChannelAuth, ChannelSecurity}
	case strings.HasPrefix(eventType, "user."):
		return []Channel{ChannelUser}
	case strings.HasPrefix(eventType, "login."),
		eventType == "logout",
		eventType == "token.refreshed",
		eventType == "session.revoked":
		return []Channel{ChannelAuth}
	case strings.HasPrefix(eventType, "mfa."):
		return []Channel{ChannelAuth, ChannelSecurity}
	case strings.HasPrefix(eventType, "role."),
		strings.HasPrefix(eventType, "permission."):
		return []Channel{ChannelAuthz, ChannelSecurity}
	case strings.HasPrefix(eventType, "trading_account."),
		strings.HasPrefix(eventType, "membership."):
		return []Channel{ChannelTradingAccount}
	default:
		return nil
	}
}

const publishTimeout = 100 * time.Millisecond

// Bus publishes events to their routed channels. Publish never blocks the
// caller and never fails the business operation: transport errors are
// logged and dropped.
type Bus struct {
	transport Transport
}

func NewBus(transport Transport) *Bus {
	return &Bus{transport: transport}
}

// Publish fans the event out to events.all plus its topical channels,
// asynchronously.
func (b *Bus) Publish(event Event) {
	channels := append(Route(event.Type), ChannelAll)
	asyncx.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		for _, ch := range channels {
			if err := b.transport.Publish(ctx, ch, event); err != nil {
				logx.WithError(err).WithFields(logx.Fields{
					"type": event.Type, "channel": string(ch),
				}).Warn("event publish dropped")
			}
		}
	})
}

// Subscribe attaches handler to a channel until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel Channel, handler func(Event)) error {
	return b.transport.Subscribe(ctx, channel, handler)
}

func (b *Bus) Close() error { return b.transport.Close() }
