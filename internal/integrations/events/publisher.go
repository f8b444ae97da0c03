// Package events publishes outbound replies and lifecycle transitions to a
// RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"homeai-bot/internal/domain"
	"homeai-bot/internal/lifecycle"
)

const (
	KeyReply            = "bot.reply.outbound"
	keyTransitionPrefix = "tenant.lifecycle."
	producer            = "homeai-bot"
)

// channel is the subset of *amqp091.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher opens a short-lived channel per publish on a shared connection.
type Publisher struct {
	open     func() (channel, error)
	closer   func() error
	exchange string
	now      func() time.Time
	log      *slog.Logger
}

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	if strings.TrimSpace(exchange) == "" {
		return nil, errors.New("events: exchange must not be empty")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}

	open := func() (channel, error) {
		return conn.Channel()
	}
	return newPublisher(open, conn.Close, exchange, logger), nil
}

func newPublisher(open func() (channel, error), closer func() error, exchange string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{open: open, closer: closer, exchange: exchange, now: time.Now, log: logger}
}

// PublishReply emits the reply for delivery to the user.
func (p *Publisher) PublishReply(ctx context.Context, r domain.Reply, inReplyTo string) error {
	segs := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		segs = append(segs, s.Text)
	}
	return p.publish(ctx, KeyReply, TypeReply, ReplyData{
		TenantID:       r.TenantID,
		ConversationID: r.ConversationID,
		To:             r.UserIdentity,
		Segments:       segs,
		InReplyTo:      inReplyTo,
	})
}

// PublishTransition emits a lifecycle stage change.
func (p *Publisher) PublishTransition(ctx context.Context, tr lifecycle.Transition) error {
	return p.publish(ctx, keyTransitionPrefix+string(tr.Event), TypeTransition, TransitionData{
		TenantID: tr.TenantID,
		From:     string(tr.From),
		To:       string(tr.To),
		Event:    string(tr.Event),
		At:       tr.At,
	})
}

func (p *Publisher) publish(ctx context.Context, key, eventType string, data any) error {
	now := p.now()
	cid := CorrelationID(ctx)
	if cid == "" {
		cid = uuid.NewString()
	}
	prod := producer
	msg := Envelope{
		Meta: Meta{
			CorrelationID: &cid,
			ID:            uuid.NewString(),
			Producer:      &prod,
			Time:          now,
			Type:          eventType,
		},
		Data: data,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", eventType, err)
	}

	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("events: channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     msg.Meta.ID,
		CorrelationId: cid,
		Timestamp:     now,
		Type:          eventType,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", key, err)
	}
	p.log.Info("published", slog.String("key", key), slog.String("exchange", p.exchange), slog.String("correlation_id", cid))
	return nil
}

// Close closes the underlying connection.
func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
