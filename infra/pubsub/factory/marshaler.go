package factory

import (
	"strconv"
	"strings"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/ThreeDotsLabs/watermill/message"
)

// propertiesMarshaler turns a watermill message into the exact AMQP
// basic-properties spec.md §4.G step 3 describes: content_type and
// content_encoding are always forced, everything else is read back from the
// metadata the Sink Manager set from the route's properties.
type propertiesMarshaler struct{}

func (propertiesMarshaler) Marshal(topic string, msg *message.Message) (amqp091.Publishing, error) {
	pub := amqp091.Publishing{
		Body:            msg.Payload,
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		MessageId:       msg.UUID,
	}

	if v := msg.Metadata.Get(MetaDeliveryMode); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			pub.DeliveryMode = uint8(n)
		}
	}
	if v := msg.Metadata.Get(MetaPriority); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			pub.Priority = uint8(n)
		}
	}
	if v := msg.Metadata.Get(MetaExpiration); v != "" {
		pub.Expiration = v
	}
	if v := msg.Metadata.Get(MetaMessageID); v != "" {
		pub.MessageId = v
	}
	if v := msg.Metadata.Get(MetaType); v != "" {
		pub.Type = v
	}

	headers := amqp091.Table{}
	for k, v := range msg.Metadata {
		if name, ok := strings.CutPrefix(k, MetaHeaderPrefix); ok {
			headers[name] = v
		}
	}
	if len(headers) > 0 {
		pub.Headers = headers
	}

	return pub, nil
}

func (propertiesMarshaler) Unmarshal(amqpMsg amqp091.Delivery) (*message.Message, error) {
	msg := message.NewMessage(amqpMsg.MessageId, amqpMsg.Body)
	return msg, nil
}
