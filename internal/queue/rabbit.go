package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/pushcadence/internal/config"
	"github.com/franzego/pushcadence/internal/delivery"
	"github.com/franzego/pushcadence/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMqClient struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Config  config.RabbitMQConfig
	logger  *zap.Logger
}

func NewRabbitMqService(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitMqClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is not configured")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("there was an error connecting to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not create a channel: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMqClient{
		Conn:    conn,
		Channel: channel,
		Config:  cfg,
		logger:  logger,
	}, nil
}

func (r *RabbitMqClient) CloseConnection() {
	if r.Channel != nil {
		_ = r.Channel.Close()
	}
	if r.Conn != nil {
		_ = r.Conn.Close()
	}
}

func (r *RabbitMqClient) IsConnected() bool {
	return r.Conn != nil && !r.Conn.IsClosed()
}

// set up our exchange
func (r *RabbitMqClient) SetUpExchangeAndQueue() error {
	if err := r.Channel.ExchangeDeclare(
		r.Config.Exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("error in declaring exchange: %w", err)
	}
	for _, queueName := range r.queues() {
		if _, err := r.Channel.QueueDeclare(
			queueName,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("error declaring queue %s: %w", queueName, err)
		}
		err := r.Channel.QueueBind(
			queueName,
			queueName,
			r.Config.Exchange,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queueName, err)
		}
	}
	return nil
}

func (r *RabbitMqClient) queues() []string {
	out := []string{r.Config.PushQueue}
	if r.Config.AlertQueue != "" && r.Config.AlertQueue != r.Config.PushQueue {
		out = append(out, r.Config.AlertQueue)
	}
	return out
}

func (r *RabbitMqClient) Publish(ctx context.Context, routingKey, messageID string, message interface{}) error {
	by, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = r.Channel.PublishWithContext(
		ctx,
		r.Config.Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    messageID,
			Body:         by,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Send publishes one push to the push queue. It satisfies delivery.Sender.
func (r *RabbitMqClient) Send(ctx context.Context, p delivery.Push) error {
	payload := delivery.Payload(p, time.Now())
	return r.Publish(ctx, r.Config.PushQueue, p.IdempotencyKey, payload)
}

// Alert publishes a safeguard violation to the alert queue.
func (r *RabbitMqClient) Alert(ctx context.Context, v models.Violation) error {
	if err := r.Publish(ctx, r.Config.AlertQueue, v.ID, v); err != nil {
		r.logger.Error("failed to publish alert", zap.String("violation_id", v.ID), zap.Error(err))
		return err
	}
	return nil
}
