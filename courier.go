/*
Copyright 2025 Courier Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package courier

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/cache"
	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/database"
	"github.com/courierhq/courier/internal/encryption"
	redlock "github.com/courierhq/courier/internal/lock"
	"github.com/courierhq/courier/internal/mqerror"
	redis_db "github.com/courierhq/courier/internal/redis-db"
	"github.com/courierhq/courier/model"
)

// Courier is the delivery-reliability layer: transactional outbox writes,
// relay publishing, idempotent consumption and dead-letter handling, all
// constructed once and shared by reference.
type Courier struct {
	datasource *database.Datasource
	broker     *Broker
	codec      *EnvelopeCodec
	guard      *IdempotencyGuard
	sink       *DeadLetterSink
	metrics    *Metrics
	redis      redis.UniversalClient

	mu       sync.RWMutex
	handlers map[string]BusinessHandler
}

// NewCourier initializes the full component graph from configuration.
func NewCourier(datasource *database.Datasource) (*Courier, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns})
	if err != nil {
		return nil, err
	}

	broker, err := NewBroker(configuration)
	if err != nil {
		return nil, err
	}

	encrypter := encryption.NewEncrypter([]byte(configuration.Encryption.Key), configuration.Encryption.EncryptedTopics)
	metrics := NewMetrics()
	markers := cache.NewCacheFromClient(redisClient.Client())
	guard := NewIdempotencyGuard(
		redisClient.Client(),
		markers,
		time.Duration(configuration.Idempotency.LockTTLSec)*time.Second,
		time.Duration(configuration.Idempotency.RetentionHours)*time.Hour,
	)

	return &Courier{
		datasource: datasource,
		broker:     broker,
		codec:      NewEnvelopeCodec(encrypter),
		guard:      guard,
		sink:       NewDeadLetterSink(datasource, metrics),
		metrics:    metrics,
		redis:      redisClient.Client(),
		handlers:   make(map[string]BusinessHandler),
	}, nil
}

// SendMessage records the message intent in the outbox within the caller's
// transaction. The relay publishes it later; a broker outage at send time
// cannot fail the business commit. Pass tx nil to record outside a
// transaction.
func (c *Courier) SendMessage(ctx context.Context, tx *sql.Tx, message *model.MessageEnvelope) error {
	return c.datasource.RecordMessage(ctx, tx, message)
}

// SendTransactional records the intent and then publishes immediately,
// marking the row SENT on success. If the publish fails the row stays
// behind as FAILED and the sweeper requeues it, so the message is never
// lost, only delayed.
func (c *Courier) SendTransactional(ctx context.Context, message *model.MessageEnvelope) (string, error) {
	if err := c.datasource.RecordMessage(ctx, nil, message); err != nil {
		return "", err
	}

	encoded, err := c.codec.Encode(message)
	if err != nil {
		return "", err
	}

	brokerMessageID, err := c.broker.Publish(ctx, message, encoded)
	if err != nil {
		if updateErr := c.datasource.UpdateMessageStatus(ctx, message.MessageID, model.StatusFailed, err.Error()); updateErr != nil {
			logrus.Errorf("failed to mark message %s FAILED after publish error: %v", message.MessageID, updateErr)
		}
		return "", err
	}

	if err := c.datasource.MarkMessageSent(ctx, message.MessageID, brokerMessageID); err != nil {
		logrus.Warnf("message %s published but not marked sent: %v", message.MessageID, err)
	}
	return brokerMessageID, nil
}

// RegisterHandler binds a business handler to a topic. Deliveries for
// topics without a handler fail and eventually dead-letter.
func (c *Courier) RegisterHandler(topic string, handler BusinessHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
}

func (c *Courier) dispatch(ctx context.Context, message *model.MessageEnvelope) error {
	c.mu.RLock()
	handler, ok := c.handlers[message.Topic]
	c.mu.RUnlock()
	if !ok {
		return mqerror.NewMessagingError(mqerror.ErrInternal, fmt.Sprintf("no handler registered for topic '%s'", message.Topic), nil)
	}
	return handler(ctx, message)
}

// ConsumerHandler returns the envelope handler that wraps registered
// business handlers with the reliability protocol.
func (c *Courier) ConsumerHandler() *ConsumerHandler {
	return NewConsumerHandler(c.codec, c.guard, c.sink, c.metrics, c.dispatch)
}

// NewRelay builds the outbox relay with its fleet-wide leader lock.
func (c *Courier) NewRelay() (*Relay, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	leader := redlock.NewLocker(c.redis, relayLeaderKey, "")
	interval := time.Duration(configuration.Outbox.PollIntervalSec) * time.Second
	return NewRelay(c.datasource, c.broker, c.codec, leader, c.metrics, interval, configuration.Outbox.BatchSize), nil
}

// NewSweeper builds the compensation sweeper with its leader lock.
func (c *Courier) NewSweeper() (*Sweeper, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	leader := redlock.NewLocker(c.redis, sweeperLeaderKey, "")
	return NewSweeper(
		c.datasource,
		c.sink,
		leader,
		c.metrics,
		time.Duration(configuration.Outbox.SweepIntervalSec)*time.Second,
		time.Duration(configuration.Outbox.StuckTimeoutMin)*time.Minute,
		time.Duration(configuration.Outbox.RetentionDays)*24*time.Hour,
		configuration.Outbox.BatchSize,
	), nil
}

// DeadLetters exposes the sink for operator tooling.
func (c *Courier) DeadLetters() *DeadLetterSink {
	return c.sink
}

// Metrics exposes the delivery counters.
func (c *Courier) Metrics() *Metrics {
	return c.metrics
}

// Close releases broker resources.
func (c *Courier) Close() error {
	return c.broker.Close()
}
