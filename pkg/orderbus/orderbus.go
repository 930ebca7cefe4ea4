// Package orderbus publishes order notifications for the external
// notification service.
package orderbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"ledgersync/pkg/models"
)

const TypeChainSynced = "order.chain_synced"

// Notification is the payload of one order.chain_synced message.
type Notification struct {
	Type          string `json:"type"`
	OrderID       string `json:"orderId"`
	User          string `json:"user,omitempty"`
	Companion     string `json:"companion,omitempty"`
	ChainStatus   int    `json:"chainStatus"`
	Stage         string `json:"stage"`
	PaymentStatus string `json:"paymentStatus"`
	Source        string `json:"source"`
	Digest        string `json:"digest,omitempty"`
	At            string `json:"at"`
}

// ChainSynced builds the notification for an order the sync path just wrote.
func ChainSynced(order models.LocalOrderRecord, chain models.ChainOrderRecord, source string, at time.Time) Notification {
	return Notification{
		Type:          TypeChainSynced,
		OrderID:       order.ID,
		User:          order.User,
		Companion:     order.Companion,
		ChainStatus:   chain.Status,
		Stage:         order.Stage,
		PaymentStatus: order.PaymentStatus,
		Source:        source,
		Digest:        chain.Digest,
		At:            at.UTC().Format(time.RFC3339Nano),
	}
}

type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// Nop discards notifications; syncd uses it when Kafka is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Notification) error { return nil }
func (Nop) Close() error                                { return nil }

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaPublisher keys messages by order id so one order's notifications stay
// ordered within a partition.
type KafkaPublisher struct {
	writer kafkaWriter
	topic  string
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           timeout,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, n Notification) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	if n.Type == "" {
		n.Type = TypeChainSynced
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(n.OrderID),
		Value: raw,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s for order %s: %w", n.Type, n.OrderID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
