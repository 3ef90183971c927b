package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/septivank/tankwatch/internal/report"
)

// MessageTypeDailyReport identifies published report messages.
const MessageTypeDailyReport = "tankwatch.daily_report"

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ReportPublisher publishes finished reports to a topic exchange
type ReportPublisher struct {
	channel    publishChannel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewReportPublisher opens a channel and declares the report exchange
func NewReportPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*ReportPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &ReportPublisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// ReportMessage is the published body
type ReportMessage struct {
	MessageID   string         `json:"message_id"`
	Type        string         `json:"type"`
	PublishedAt time.Time      `json:"published_at"`
	Report      *report.Report `json:"report"`
}

// Name implements report.Sink.
func (p *ReportPublisher) Name() string { return "rabbitmq" }

// Deliver implements report.Sink by publishing the report as a persistent
// JSON message.
func (p *ReportPublisher) Deliver(ctx context.Context, r *report.Report) error {
	msg := ReportMessage{
		MessageID:   uuid.NewString(),
		Type:        MessageTypeDailyReport,
		PublishedAt: time.Now().UTC(),
		Report:      r,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.MessageID,
			Type:         msg.Type,
			Timestamp:    msg.PublishedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("[RABBITMQ] failed to publish report: %w", err)
	}

	p.logger.Info("published report",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", p.routingKey),
		zap.String("report_date", r.Date),
		zap.String("message_id", msg.MessageID))

	return nil
}

// Close closes the publisher channel
func (p *ReportPublisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
