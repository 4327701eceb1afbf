package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"crm-realtime/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventHandler receives decoded upstream events for fan-out to connected
// stream subscribers.
type EventHandler interface {
	HandleChatMessage(msg domain.ChatMessage)
	HandleTypingIndicator(ind domain.TypingIndicator)
	HandlePresence(p domain.PresenceStatus)
	HandleMessageStatus(st domain.MessageDeliveryStatus)
}

type KafkaConsumer struct {
	readers []*kafka.Reader
	handler EventHandler
	logger  *zap.Logger
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string, handler EventHandler, logger *zap.Logger) *KafkaConsumer {
	var readers []*kafka.Reader

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		readers = append(readers, reader)
	}

	return &KafkaConsumer{
		readers: readers,
		handler: handler,
		logger:  logger,
	}
}

func (k *KafkaConsumer) Start(ctx context.Context) error {
	for i := range k.readers {
		go func(reader *kafka.Reader) {
			defer func() {
				if r := recover(); r != nil {
					k.logger.Error("consumer goroutine recovered from panic", zap.Any("panic", r))
				}
			}()
			defer reader.Close()

			for {
				select {
				case <-ctx.Done():
					return
				default:
					m, err := reader.ReadMessage(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						// transient coordinator states, just keep polling
						if strings.Contains(err.Error(), "Rebalance In Progress") ||
							strings.Contains(err.Error(), "Leader Not Available") {
							continue
						}
						k.logger.Warn("error reading kafka message", zap.Error(err))
						continue
					}

					if k.handler != nil {
						k.handleMessage(m.Topic, m.Value)
					}
				}
			}
		}(k.readers[i])
	}

	return nil
}

// handleMessage decodes by topic; malformed payloads are logged and dropped.
func (k *KafkaConsumer) handleMessage(topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("handler recovered from panic", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()

	switch topic {
	case TopicChatMessages:
		var msg domain.ChatMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			k.logger.Warn("dropping malformed chat message", zap.Error(err))
			return
		}
		k.handler.HandleChatMessage(msg)

	case TopicTyping:
		var ind domain.TypingIndicator
		if err := json.Unmarshal(value, &ind); err != nil {
			k.logger.Warn("dropping malformed typing indicator", zap.Error(err))
			return
		}
		k.handler.HandleTypingIndicator(ind)

	case TopicPresence:
		var p domain.PresenceStatus
		if err := json.Unmarshal(value, &p); err != nil {
			k.logger.Warn("dropping malformed presence update", zap.Error(err))
			return
		}
		k.handler.HandlePresence(p)

	case TopicMessageStatus:
		var st domain.MessageDeliveryStatus
		if err := json.Unmarshal(value, &st); err != nil {
			k.logger.Warn("dropping malformed message status", zap.Error(err))
			return
		}
		k.handler.HandleMessageStatus(st)

	default:
		k.logger.Warn("unknown topic", zap.String("topic", topic))
	}
}

func (k *KafkaConsumer) Close() error {
	for i := range k.readers {
		if err := k.readers[i].Close(); err != nil {
			k.logger.Warn("error closing kafka reader", zap.Error(err))
		}
	}
	return nil
}
