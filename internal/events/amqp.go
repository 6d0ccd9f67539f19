package events

import (
	"context"

	"github.com/shaiso/Relay/internal/mq"
)

// Publisher — часть mq.Publisher, нужная AMQPSink.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange mq.Exchange, routingKey mq.RoutingKey, msgType mq.MessageType, payload any) error
}

// AMQPSink публикует события в topic-обменник relay.events
// с ключом "<kind>.<status>".
type AMQPSink struct {
	pub Publisher
}

// NewAMQPSink создаёт AMQPSink.
func NewAMQPSink(pub Publisher) *AMQPSink {
	return &AMQPSink{pub: pub}
}

// Emit публикует событие.
func (s *AMQPSink) Emit(ctx context.Context, e Event) error {
	key := mq.EventRoutingKey(string(e.Kind), e.Status)
	return s.pub.PublishJSON(ctx, mq.ExchangeEvents, key, mq.MessageTypeEvent, e)
}
