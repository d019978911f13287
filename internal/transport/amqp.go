package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/render"
)

// Envelope is the JSON body published for every message. Data holds the
// complete RFC 5322 message.
type Envelope struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	TemplateID int64     `json:"template_id"`
	SubjectID  int64     `json:"subject_id"`
	SenderID   int64     `json:"sender_id"`
	Data       []byte    `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
}

// AMQP publishes messages to a durable queue and waits for the broker to
// confirm each one
type AMQP struct {
	cfg    config.AMQPConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
}

// NewAMQP connects to the broker and declares the queue
func NewAMQP(cfg config.AMQPConfig, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 10 * time.Second
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.Queue
	}

	a := &AMQP{cfg: cfg, logger: logger}
	if err := a.connect(); err != nil {
		return nil, err
	}
	logger.Info("connected to broker", "queue", cfg.Queue, "exchange", cfg.Exchange)
	return a, nil
}

func (a *AMQP) connect() error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := a.declare(ch); err != nil {
		conn.Close()
		return err
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	a.conn = conn
	a.ch = ch
	a.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (a *AMQP) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", a.cfg.Queue, err)
	}
	if a.cfg.Exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", a.cfg.Exchange, err)
	}
	if err := ch.QueueBind(a.cfg.Queue, a.cfg.RoutingKey, a.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", a.cfg.Queue, err)
	}
	return nil
}

// Submit publishes msg and waits for the broker's confirmation. A nack or
// a missing confirmation is a temporary failure.
func (a *AMQP) Submit(ctx context.Context, msg *render.Message) error {
	body, err := json.Marshal(envelope(msg))
	if err != nil {
		return &SubmitError{Detail: fmt.Sprintf("failed to marshal envelope: %v", err)}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil || a.conn.IsClosed() {
		a.logger.Warn("broker connection lost, reconnecting")
		if err := a.connect(); err != nil {
			return &SubmitError{Temporary: true, Detail: err.Error()}
		}
	}

	err = a.ch.Publish(a.cfg.Exchange, a.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return &SubmitError{Temporary: true, Detail: fmt.Sprintf("publish failed: %v", err)}
	}

	timer := time.NewTimer(a.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-a.confirms:
		if !ok {
			return &SubmitError{Temporary: true, Detail: "channel closed before confirmation"}
		}
		if !c.Ack {
			return &SubmitError{Temporary: true, Detail: fmt.Sprintf("broker rejected message %s", msg.ID)}
		}
	case <-timer.C:
		// the channel is left with an outstanding confirmation
		a.resetLocked()
		return &SubmitError{Temporary: true, Detail: "timed out waiting for broker confirmation"}
	case <-ctx.Done():
		a.resetLocked()
		return ctx.Err()
	}

	a.logger.Debug("message published", "id", msg.ID, "to", msg.To)
	return nil
}

func (a *AMQP) resetLocked() {
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn = nil
	a.ch = nil
}

// Close closes the broker connection
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.ch = nil
	return err
}

func envelope(msg *render.Message) *Envelope {
	return &Envelope{
		ID:         msg.ID,
		From:       msg.From,
		To:         msg.To,
		Subject:    msg.Subject,
		TemplateID: msg.TemplateID,
		SubjectID:  msg.SubjectID,
		SenderID:   msg.SenderID,
		Data:       msg.Data,
		CreatedAt:  time.Now().UTC(),
	}
}
