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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/courierhq/courier/database"
	redlock "github.com/courierhq/courier/internal/lock"
	"github.com/courierhq/courier/internal/mqerror"
	"github.com/courierhq/courier/model"
)

const relayLeaderKey = "courier:leader:relay"

// Publisher sends an encoded envelope to the broker.
type Publisher interface {
	Publish(ctx context.Context, message *model.MessageEnvelope, encoded []byte) (string, error)
}

// Relay drains PENDING outbox rows into the broker on a fixed interval.
// A fleet-wide leader lock keeps a single instance relaying per cycle so a
// row is never published twice by competing relays. A publish failure marks
// the row FAILED and moves on; retry timing belongs to the sweeper, so a
// broker outage never stalls the rest of the batch.
type Relay struct {
	datasource *database.Datasource
	publisher  Publisher
	codec      *EnvelopeCodec
	leader     *redlock.Locker
	metrics    *Metrics

	interval  time.Duration
	batchSize int

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRelay wires a relay from its collaborators. interval is the poll
// period; batchSize bounds how many rows one cycle publishes.
func NewRelay(datasource *database.Datasource, publisher Publisher, codec *EnvelopeCodec, leader *redlock.Locker, metrics *Metrics, interval time.Duration, batchSize int) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		datasource: datasource,
		publisher:  publisher,
		codec:      codec,
		leader:     leader,
		metrics:    metrics,
		interval:   interval,
		batchSize:  batchSize,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the relay loop. Calling Start more than once has no effect.
func (r *Relay) Start() {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runCycle()
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts the relay down, waiting for an in-flight cycle until the
// given context expires.
func (r *Relay) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) runCycle() {
	ctx, cancel := context.WithTimeout(r.ctx, r.interval)
	defer cancel()

	ctx, span := otel.Tracer("courier.relay").Start(ctx, "Relaying outbox batch to broker")
	defer span.End()

	// Leader TTL outlives the cycle deadline so a hung broker call cannot
	// leave two live leaders; the lock expires on its own if we crash.
	acquired, err := r.leader.TryAcquire(ctx, 2*r.interval)
	if err != nil {
		logrus.Warnf("relay leader lock unavailable: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := r.leader.Release(ctx); err != nil {
			logrus.Debugf("relay leader release: %v", err)
		}
	}()

	messages, err := r.datasource.FindPendingMessages(ctx, r.batchSize)
	if err != nil {
		logrus.Errorf("relay failed to read pending messages: %v", err)
		return
	}

	for _, message := range messages {
		r.relayMessage(ctx, message)
	}
}

func (r *Relay) relayMessage(ctx context.Context, message *model.MessageEnvelope) {
	encoded, err := r.codec.Encode(message)
	if err != nil {
		logrus.Errorf("relay failed to encode message %s: %v", message.MessageID, err)
		r.updateWithRetry(ctx, message.MessageID, func() error {
			return r.datasource.UpdateMessageStatus(ctx, message.MessageID, model.StatusFailed, err.Error())
		})
		return
	}

	brokerMessageID, err := r.publisher.Publish(ctx, message, encoded)
	if err != nil {
		r.metrics.IncPublishFailed()
		logrus.Warnf("relay publish failed for message %s: %v", message.MessageID, err)
		r.updateWithRetry(ctx, message.MessageID, func() error {
			return r.datasource.UpdateMessageStatus(ctx, message.MessageID, model.StatusFailed, err.Error())
		})
		return
	}

	r.metrics.IncPublished()
	r.updateWithRetry(ctx, message.MessageID, func() error {
		return r.datasource.MarkMessageSent(ctx, message.MessageID, brokerMessageID)
	})
}

// updateWithRetry retries stale-write conflicts a bounded number of times,
// then logs and leaves the row for the next cycle or the sweeper.
func (r *Relay) updateWithRetry(ctx context.Context, messageID string, update func() error) {
	operation := func() error {
		err := update()
		if err != nil && !mqerror.Is(err, mqerror.ErrStaleWrite) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		logrus.Warnf("relay status update for %s skipped this cycle: %v", messageID, err)
	}
}
