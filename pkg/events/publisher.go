// Package events ships committed trades to downstream consumers
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotdex/pkg/app/core/matching"
)

// Publisher delivers trades somewhere outside the process
type Publisher interface {
	PublishTrades(ctx context.Context, trades []matching.Trade) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one JSON message per trade, keyed by ticker so a
// ticker's trades stay ordered within a partition
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

func (p *KafkaPublisher) PublishTrades(ctx context.Context, trades []matching.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal trade %d: %w", t.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.Ticker.String()),
			Value: value,
			Time:  time.Unix(t.Date, 0),
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("kafka_publish_failed",
			zap.Int("trades", len(trades)),
			zap.Uint64("first_trade", trades[0].ID),
			zap.Error(err))
		return fmt.Errorf("failed to publish %d trades: %w", len(trades), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Multi fans trades out to several publishers
type Multi []Publisher

func (m Multi) PublishTrades(ctx context.Context, trades []matching.Trade) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishTrades(ctx, trades); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Publisher = (*KafkaPublisher)(nil)
var _ Publisher = Multi(nil)
