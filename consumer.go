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
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/courierhq/courier/internal/mqerror"
	"github.com/courierhq/courier/model"
)

// Outcome is the tagged result of one delivery attempt. The broker-facing
// adapter translates it into the broker's native ack/retry calls.
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeDuplicate
	OutcomeRetry
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "PROCESSED"
	case OutcomeDuplicate:
		return "DUPLICATE"
	case OutcomeRetry:
		return "RETRY"
	case OutcomeDeadLetter:
		return "DEAD_LETTER"
	default:
		return "UNKNOWN"
	}
}

// BusinessHandler is the application callback invoked at most once per
// message id under normal operation.
type BusinessHandler func(ctx context.Context, message *model.MessageEnvelope) error

// Guard is the duplicate-suppression contract the consumer depends on.
type Guard interface {
	IsDuplicate(ctx context.Context, messageID string) bool
	TryLock(ctx context.Context, messageID string) bool
	MarkAsProcessed(ctx context.Context, messageID string) error
	Unlock(ctx context.Context, messageID string)
}

// Sink receives terminally failed messages.
type Sink interface {
	Record(ctx context.Context, message *model.MessageEnvelope, errorMessage string, retryCount int) error
}

// ConsumerHandler wraps a business handler with the delivery-reliability
// protocol: decode, dedup, lock, invoke, mark, unlock. The stages run in a
// fixed order composed here at construction time.
type ConsumerHandler struct {
	codec   *EnvelopeCodec
	guard   Guard
	sink    Sink
	metrics *Metrics
	handler BusinessHandler
}

func NewConsumerHandler(codec *EnvelopeCodec, guard Guard, sink Sink, metrics *Metrics, handler BusinessHandler) *ConsumerHandler {
	return &ConsumerHandler{
		codec:   codec,
		guard:   guard,
		sink:    sink,
		metrics: metrics,
		handler: handler,
	}
}

// Handle runs one delivery attempt. attempt is the broker's count of prior
// retries for this delivery; maxAttempts is the broker-level retry budget
// after which a failing message is parked instead of redelivered.
func (c *ConsumerHandler) Handle(ctx context.Context, raw []byte, attempt, maxAttempts int) (Outcome, error) {
	ctx, span := otel.Tracer("courier.consumer").Start(ctx, "Handling delivered message")
	defer span.End()

	message, err := c.codec.Decode(raw)
	if err != nil {
		// Permanent by definition: redelivery cannot fix a document that
		// does not parse or a payload that fails authentication.
		if message == nil {
			message = &model.MessageEnvelope{
				MessageID: model.GenerateMessageID(),
				Topic:     "unknown",
				Payload:   raw,
			}
		}
		if sinkErr := c.sink.Record(ctx, message, err.Error(), attempt); sinkErr != nil {
			logrus.Errorf("failed to dead-letter undecodable message: %v", sinkErr)
			return OutcomeRetry, sinkErr
		}
		return OutcomeDeadLetter, err
	}

	if c.guard.IsDuplicate(ctx, message.MessageID) {
		c.metrics.IncDuplicate()
		logrus.Infof("message %s already processed, acknowledging duplicate", message.MessageID)
		return OutcomeDuplicate, nil
	}

	if !c.guard.TryLock(ctx, message.MessageID) {
		// Another instance may be mid-flight on this id. Not an error and
		// never a dead letter; let the broker redeliver later.
		return OutcomeRetry, mqerror.NewMessagingError(mqerror.ErrLockContention, fmt.Sprintf("message '%s' is being processed elsewhere", message.MessageID), nil)
	}
	defer c.guard.Unlock(ctx, message.MessageID)

	// The other instance may have finished between the dedup check and the
	// lock acquisition.
	if c.guard.IsDuplicate(ctx, message.MessageID) {
		c.metrics.IncDuplicate()
		return OutcomeDuplicate, nil
	}

	if err := c.handler(ctx, message); err != nil {
		if attempt >= maxAttempts {
			if sinkErr := c.sink.Record(ctx, message, err.Error(), attempt); sinkErr != nil {
				logrus.Errorf("failed to dead-letter message %s: %v", message.MessageID, sinkErr)
				return OutcomeRetry, sinkErr
			}
			return OutcomeDeadLetter, mqerror.NewMessagingError(mqerror.ErrRetriesExhausted, fmt.Sprintf("message '%s' failed %d attempts", message.MessageID, attempt+1), err)
		}
		c.metrics.IncRetried()
		return OutcomeRetry, err
	}

	if err := c.guard.MarkAsProcessed(ctx, message.MessageID); err != nil {
		// The side effect already happened; failing the delivery now would
		// guarantee a duplicate invocation. Log loudly and acknowledge.
		logrus.Errorf("message %s processed but marker write failed, duplicate window open: %v", message.MessageID, err)
	}
	c.metrics.IncConsumed()
	return OutcomeProcessed, nil
}

// AsynqHandler adapts Handle to the broker's handler signature, translating
// outcomes into ack (nil), redeliver (error) or park (SkipRetry).
func (c *ConsumerHandler) AsynqHandler() asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		attempt, _ := asynq.GetRetryCount(ctx)
		maxAttempts, _ := asynq.GetMaxRetry(ctx)

		outcome, err := c.Handle(ctx, t.Payload(), attempt, maxAttempts)
		switch outcome {
		case OutcomeProcessed, OutcomeDuplicate:
			return nil
		case OutcomeDeadLetter:
			return fmt.Errorf("message parked in dead letter (%v): %w", err, asynq.SkipRetry)
		default:
			return err
		}
	}
}
