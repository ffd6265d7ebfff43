package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// PoisonError помечает ошибку как неустранимую: повтор доставки не поможет,
// сообщение подтверждается и уходит в dead-letter сразу.
type PoisonError struct {
	Err error
}

func (e *PoisonError) Error() string {
	return fmt.Sprintf("poison message: %v", e.Err)
}

func (e *PoisonError) Unwrap() error {
	return e.Err
}

// Poison оборачивает ошибку как неустранимую.
func Poison(err error) error {
	return &PoisonError{Err: err}
}

// IsPoison сообщает, является ли ошибка неустранимой.
func IsPoison(err error) bool {
	var poison *PoisonError
	return errors.As(err, &poison)
}

// Consumer представляет Kafka consumer с поддержкой DLQ
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer // Producer для retry-переотправки и DLQ
	maxRetries  int       // Максимальное количество retry попыток
}

// NewConsumer создает новый Kafka consumer
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, 3)
}

// NewConsumerWithDLQ создает consumer с поддержкой Dead Letter Queue
func NewConsumerWithDLQ(brokers []string, groupID string, topics []string, handler MessageHandler, dlqProducer *Producer, maxRetries int) (*Consumer, error) {
	config := sarama.NewConfig()
	// Range оставляет события одного ключа за одним инстансом на время сессии.
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRange()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    consumer,
		topics:      topics,
		handler:     handler,
		logger:      log.WithField("component", "kafka-consumer"),
		dlqProducer: dlqProducer,
		maxRetries:  maxRetries,
	}, nil
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume должен вызываться в цикле, так как при rebalance он завершается
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}

			// Проверяем, не отменен ли контекст
			if ctx.Err() != nil {
				return
			}
		}
	}()

	// Обработка ошибок
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}).Debug("received message")

			// Обрабатываем сообщение с retry и DLQ логикой
			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message processing failed, waiting for redelivery")
				// Не маркируем сообщение: брокер доставит его повторно
				continue
			}

			// Маркируем сообщение как обработанное
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessageWithRetry обрабатывает сообщение с retry логикой и отправкой в DLQ
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	// Получаем текущий retry count из headers
	retryCount := c.getRetryCount(message)

	err := c.handler(ctx, message)
	if err == nil {
		return nil
	}

	// Неустранимые сообщения не переигрываются: сразу в DLQ и ack.
	if IsPoison(err) {
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":     message.Topic,
			"partition": message.Partition,
			"offset":    message.Offset,
		}).Warn("poison message, routing to DLQ")
		return c.routeToDLQ(message, err, retryCount)
	}

	// Временная ошибка и лимит повторов не достигнут: переотправляем копию
	// с продвинутым счётчиком и подтверждаем исходную доставку. Иначе заголовок
	// x-retry-count никогда не растёт и сообщение не доходит до DLQ.
	if retryCount < c.maxRetries {
		if c.dlqProducer == nil {
			// Без producer счётчик не продвинуть: отдаём брокеру на redelivery.
			c.logger.WithFields(log.Fields{
				"topic":       message.Topic,
				"retry_count": retryCount,
				"max_retries": c.maxRetries,
			}).Warn("message processing failed, will retry")
			return err
		}
		if pubErr := c.republishForRetry(message, retryCount+1); pubErr != nil {
			c.logger.WithError(pubErr).WithField("topic", message.Topic).
				Error("failed to republish message for retry")
			return err
		}
		c.logger.WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": retryCount + 1,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, republished for retry")
		return nil
	}

	// Исчерпаны все попытки - отправляем в DLQ
	return c.routeToDLQ(message, err, retryCount)
}

// routeToDLQ отправляет сообщение в dead-letter топик и считает его обработанным.
func (c *Consumer) routeToDLQ(message *sarama.ConsumerMessage, processingErr error, retryCount int) error {
	if c.dlqProducer == nil {
		return processingErr
	}

	if dlqErr := c.sendToDLQ(message, processingErr, retryCount); dlqErr != nil {
		c.logger.WithError(dlqErr).Error("failed to send message to DLQ")
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"dlq_topic":   DLQTopic(message.Topic),
		"retry_count": retryCount,
	}).Info("message sent to DLQ")
	return nil
}

// republishForRetry отправляет копию сообщения в исходный топик с увеличенным
// счётчиком попыток. Исходная доставка после этого подтверждается.
func (c *Consumer) republishForRetry(message *sarama.ConsumerMessage, nextRetry int) error {
	headers := make(map[string]string, len(message.Headers)+1)
	for _, header := range message.Headers {
		headers[string(header.Key)] = string(header.Value)
	}
	headers[HeaderRetryCount] = strconv.Itoa(nextRetry)
	return c.dlqProducer.PublishRaw(message.Topic, string(message.Key), message.Value, headers)
}

// getRetryCount извлекает retry count из headers сообщения
func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if string(header.Key) == HeaderRetryCount {
			count, err := strconv.Atoi(string(header.Value))
			if err == nil {
				return count
			}
		}
	}
	return 0
}

// sendToDLQ отправляет failed message в dead-letter топик исходного топика.
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error, retryCount int) error {
	// Создаём DLQ message с координатами оригинала
	dlqMessage := map[string]interface{}{
		"original_topic":     message.Topic,
		"original_partition": message.Partition,
		"original_offset":    message.Offset,
		"original_key":       string(message.Key),
		"original_value":     string(message.Value),
		"error_message":      processingErr.Error(),
		"failed_at":          time.Now().UTC().Format(time.RFC3339),
		"retry_count":        retryCount,
	}

	return c.dlqProducer.PublishEvent(
		DLQTopic(message.Topic),
		string(message.Key),
		dlqMessage,
	)
}

// ParseOrderCreatedEvent парсит OrderCreatedEvent из сообщения
func ParseOrderCreatedEvent(message *sarama.ConsumerMessage) (*OrderCreatedEvent, error) {
	var event OrderCreatedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order created event: %w", err)
	}
	return &event, nil
}

// ParseOrderStatusChangedEvent парсит OrderStatusChangedEvent из сообщения
func ParseOrderStatusChangedEvent(message *sarama.ConsumerMessage) (*OrderStatusChangedEvent, error) {
	var event OrderStatusChangedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order status changed event: %w", err)
	}
	return &event, nil
}

// ParsePaymentConfirmationEvent парсит PaymentConfirmationEvent из сообщения
func ParsePaymentConfirmationEvent(message *sarama.ConsumerMessage) (*PaymentConfirmationEvent, error) {
	var event PaymentConfirmationEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment confirmation event: %w", err)
	}
	return &event, nil
}

// ParsePaymentWebhook парсит сырой webhook провайдера (плоский словарь).
func ParsePaymentWebhook(message *sarama.ConsumerMessage) (map[string]string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(message.Value, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment webhook: %w", err)
	}
	payload := make(map[string]string, len(raw))
	for k, v := range raw {
		payload[k] = fmt.Sprintf("%v", v)
	}
	return payload, nil
}

// ParsePaymentRefundEvent парсит PaymentRefundEvent из сообщения
func ParsePaymentRefundEvent(message *sarama.ConsumerMessage) (*PaymentRefundEvent, error) {
	var event PaymentRefundEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment refund event: %w", err)
	}
	return &event, nil
}

// ParseBotResultEvent парсит BotResultEvent из сообщения
func ParseBotResultEvent(message *sarama.ConsumerMessage) (*BotResultEvent, error) {
	var event BotResultEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bot result event: %w", err)
	}
	return &event, nil
}

// ParseOfferAssignmentEvent парсит OfferAssignmentEvent из сообщения
func ParseOfferAssignmentEvent(message *sarama.ConsumerMessage) (*OfferAssignmentEvent, error) {
	var event OfferAssignmentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal offer assignment event: %w", err)
	}
	return &event, nil
}
