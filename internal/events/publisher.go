// Package events publishes conversion lifecycle changes to kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConversionStatusChanged is the message written for every persisted transition.
type ConversionStatusChanged struct {
	ConversionID uuid.UUID       `json:"conversion_id"`
	CustomerID   uuid.UUID       `json:"customer_id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	TxHash       *string         `json:"tx_hash,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Publisher emits conversion status events.
type Publisher interface {
	PublishConversionStatus(ctx context.Context, c models.Conversion) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by conversion id so one conversion stays on one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, topic: topic}
}

func (p *KafkaPublisher) PublishConversionStatus(ctx context.Context, c models.Conversion) error {
	payload, err := json.Marshal(ConversionStatusChanged{
		ConversionID: c.ID,
		CustomerID:   c.CustomerID,
		Type:         c.Type,
		Status:       c.Status,
		FiatAmount:   c.FiatAmount,
		CryptoAmount: c.CryptoAmount,
		TxHash:       c.TxHash,
		OccurredAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal conversion event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(c.ID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("conversion.status_changed")},
		},
	})
	if err != nil {
		return fmt.Errorf("write conversion event to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishConversionStatus(_ context.Context, c models.Conversion) error {
	zap.L().Debug("conversion event dropped", zap.String("conversion_id", c.ID.String()), zap.String("status", c.Status))
	return nil
}

func (NopPublisher) Close() error { return nil }

// New returns a kafka publisher, or a NopPublisher when brokers is empty.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return NopPublisher{}
	}
	return NewKafkaPublisher(brokers, topic)
}
