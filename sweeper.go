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
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/database"
	redlock "github.com/courierhq/courier/internal/lock"
	"github.com/courierhq/courier/internal/mqerror"
	"github.com/courierhq/courier/model"
)

const sweeperLeaderKey = "courier:leader:sweeper"

// Sweeper reconciles outbox rows the relay could not finish: rows stuck in
// PENDING or FAILED beyond the stuck timeout are requeued with a retry
// bump, or parked in the dead-letter table once their retry budget is
// spent. It also deletes terminal rows past the retention window. Like the
// relay it is serialized fleet-wide by a leader lock.
type Sweeper struct {
	datasource *database.Datasource
	sink       Sink
	leader     *redlock.Locker
	metrics    *Metrics

	interval     time.Duration
	stuckTimeout time.Duration
	retention    time.Duration
	batchSize    int

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSweeper(datasource *database.Datasource, sink Sink, leader *redlock.Locker, metrics *Metrics, interval, stuckTimeout, retention time.Duration, batchSize int) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		datasource:   datasource,
		sink:         sink,
		leader:       leader,
		metrics:      metrics,
		interval:     interval,
		stuckTimeout: stuckTimeout,
		retention:    retention,
		batchSize:    batchSize,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the sweep loop. Calling Start more than once has no effect.
func (s *Sweeper) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runSweep()
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts the sweeper down, waiting for an in-flight sweep until the
// given context expires.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(s.ctx, s.interval)
	defer cancel()

	acquired, err := s.leader.TryAcquire(ctx, 2*s.interval)
	if err != nil {
		logrus.Warnf("sweeper leader lock unavailable: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.leader.Release(ctx); err != nil {
			logrus.Debugf("sweeper leader release: %v", err)
		}
	}()

	if err := s.CompensateTimeoutMessages(ctx); err != nil {
		logrus.Errorf("compensation sweep failed: %v", err)
	}
	if err := s.CleanExpiredMessages(ctx); err != nil {
		logrus.Errorf("retention cleanup failed: %v", err)
	}
}

// CompensateTimeoutMessages requeues or dead-letters every stuck row it
// can find. A failure on one row logs and continues; the sweep is a total
// function over its candidate set.
func (s *Sweeper) CompensateTimeoutMessages(ctx context.Context) error {
	cutoff := time.Now().Add(-s.stuckTimeout)
	messages, err := s.datasource.FindStuckMessages(ctx, cutoff, s.batchSize)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	logrus.Infof("sweeper found %d stuck messages older than %s", len(messages), s.stuckTimeout)
	for _, message := range messages {
		if err := s.compensate(ctx, message); err != nil {
			logrus.Errorf("sweeper failed to compensate message %s: %v", message.MessageID, err)
			continue
		}
		s.metrics.IncCompensated()
	}
	return nil
}

func (s *Sweeper) compensate(ctx context.Context, message *model.MessageEnvelope) error {
	if message.RetriesExhausted() {
		return s.deadLetter(ctx, message)
	}

	if err := s.datasource.IncrementRetry(ctx, message.MessageID); err != nil {
		if mqerror.Is(err, mqerror.ErrRetriesExhausted) {
			// Raced with another increment; the budget is gone now.
			return s.deadLetter(ctx, message)
		}
		return err
	}

	// Stuck PENDING rows just needed the retry bump; the relay will pick
	// them up again. FAILED rows go back to PENDING explicitly.
	if message.Status == model.StatusFailed {
		if err := s.datasource.UpdateMessageStatus(ctx, message.MessageID, model.StatusPending, ""); err != nil {
			return err
		}
	}
	logrus.Infof("sweeper requeued message %s (retry %d/%d)", message.MessageID, message.RetryCount+1, message.MaxRetries)
	return nil
}

func (s *Sweeper) deadLetter(ctx context.Context, message *model.MessageEnvelope) error {
	reason := message.ErrorMessage
	if reason == "" {
		reason = fmt.Sprintf("stuck in %s beyond %s with retries exhausted", message.Status, s.stuckTimeout)
	}
	if err := s.sink.Record(ctx, message, reason, message.RetryCount); err != nil {
		return err
	}
	return s.datasource.UpdateMessageStatus(ctx, message.MessageID, model.StatusDeadLetter, reason)
}

// CleanExpiredMessages deletes terminal rows older than the retention
// window. Live rows are untouched.
func (s *Sweeper) CleanExpiredMessages(ctx context.Context) error {
	deleted, err := s.datasource.DeleteExpiredMessages(ctx, time.Now().Add(-s.retention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.metrics.AddCleaned(deleted)
		logrus.Infof("sweeper deleted %d expired messages", deleted)
	}
	return nil
}
