package kafka

import (
	"context"
	"encoding/json"
	"time"

	"crm-realtime/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TopicChatMessages  = "chat-messages"
	TopicTyping        = "typing-indicators"
	TopicPresence      = "presence-updates"
	TopicMessageStatus = "message-status"
)

type KafkaProducer struct {
	Writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaProducer(broker string, logger *zap.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(broker),
		Balancer: &kafka.LeastBytes{},
		// Optimize for low latency
		BatchSize:    1,
		BatchTimeout: 0 * time.Millisecond,
		RequiredAcks: 1,
		Async:        false,
	}
	return &KafkaProducer{Writer: writer, logger: logger}
}

// SendEvent publishes an event payload to the topic matching its type so
// every server instance can fan it out to its own stream subscribers.
func (k *KafkaProducer) SendEvent(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	topic := k.topicForEvent(event)
	msg := kafka.Message{
		Topic: topic,
		Value: data,
	}

	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("failed to publish event", zap.String("topic", topic), zap.Error(err))
		return err
	}
	return nil
}

func (k *KafkaProducer) topicForEvent(event interface{}) string {
	switch event.(type) {
	case domain.ChatMessage:
		return TopicChatMessages
	case domain.TypingIndicator:
		return TopicTyping
	case domain.PresenceStatus:
		return TopicPresence
	case domain.MessageDeliveryStatus:
		return TopicMessageStatus
	default:
		return TopicChatMessages
	}
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}
