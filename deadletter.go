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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/database"
	"github.com/courierhq/courier/model"
	"github.com/courierhq/courier/notification"
)

// DeadLetterSink parks terminally failed messages for operator triage.
// There is no automatic replay; an operator resolves or replays parked
// messages explicitly.
type DeadLetterSink struct {
	datasource *database.Datasource
	metrics    *Metrics
}

func NewDeadLetterSink(datasource *database.Datasource, metrics *Metrics) *DeadLetterSink {
	return &DeadLetterSink{
		datasource: datasource,
		metrics:    metrics,
	}
}

// Record persists the failed message with its verbatim payload, error text
// and final retry count. Recording the same message id twice is a logged
// no-op, not an error: the first terminal failure wins.
func (s *DeadLetterSink) Record(ctx context.Context, message *model.MessageEnvelope, errorMessage string, retryCount int) error {
	record := model.NewDeadLetterRecord(message, errorMessage, retryCount)
	inserted, err := s.datasource.RecordDeadLetter(ctx, record)
	if err != nil {
		return err
	}
	if !inserted {
		logrus.Infof("dead letter for message %s already recorded, skipping", message.MessageID)
		return nil
	}

	s.metrics.IncDeadLettered()
	logrus.Errorf("message %s parked in dead letter after %d retries: %s", message.MessageID, retryCount, errorMessage)

	go func() {
		err := notification.SendWebhook(notification.WebhookEvent{
			Event:        "message.dead_letter",
			MessageID:    message.MessageID,
			Topic:        message.Topic,
			ErrorMessage: errorMessage,
			RetryCount:   retryCount,
			Time:         time.Now(),
		})
		if err != nil {
			logrus.Warnf("dead letter webhook for %s failed: %v", message.MessageID, err)
		}
	}()
	return nil
}

// Resolve marks a parked message as handled by an operator.
func (s *DeadLetterSink) Resolve(ctx context.Context, messageID string) error {
	return s.datasource.ResolveDeadLetter(ctx, messageID)
}

// List pages through parked messages awaiting triage.
func (s *DeadLetterSink) List(ctx context.Context, status model.DeadLetterStatus, limit, offset int) ([]*model.DeadLetterRecord, error) {
	return s.datasource.ListDeadLetters(ctx, status, limit, offset)
}
