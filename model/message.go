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

package model

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// MessageStatus represents the lifecycle state of an outbox message.
type MessageStatus string

const (
	StatusPending    MessageStatus = "PENDING"
	StatusSent       MessageStatus = "SENT"
	StatusFailed     MessageStatus = "FAILED"
	StatusConsumed   MessageStatus = "CONSUMED"
	StatusDeadLetter MessageStatus = "DEAD_LETTER"
)

// Terminal reports whether the status ends the outbox's own bookkeeping.
// SENT is not terminal here: once published, the broker owns consumption.
func (s MessageStatus) Terminal() bool {
	return s == StatusConsumed || s == StatusDeadLetter
}

// transitions holds the allowed status moves. FAILED -> PENDING is the
// sweeper requeue; everything else is strictly forward.
var transitions = map[MessageStatus][]MessageStatus{
	StatusPending: {StatusSent, StatusFailed, StatusDeadLetter},
	StatusFailed:  {StatusPending, StatusDeadLetter},
	StatusSent:    {StatusConsumed},
}

// CanTransitionTo reports whether moving from s to next is a legal
// status transition.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// statusOrder fixes the iteration order so guarded updates are built
// deterministically.
var statusOrder = []MessageStatus{StatusPending, StatusSent, StatusFailed, StatusConsumed, StatusDeadLetter}

// TransitionSources returns every status that is allowed to move to next.
// The outbox store uses this to build guarded compare-and-set updates.
func TransitionSources(next MessageStatus) []MessageStatus {
	var sources []MessageStatus
	for _, from := range statusOrder {
		for _, to := range transitions[from] {
			if to == next {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// MessageEnvelope is the unit of transport and persistence. The payload is
// opaque bytes; business schemas are not interpreted by this layer.
type MessageEnvelope struct {
	MessageID       string            `json:"message_id"`
	Topic           string            `json:"topic"`
	Tags            string            `json:"tags,omitempty"`
	MessageType     string            `json:"message_type,omitempty"`
	PartitionKey    string            `json:"partition_key,omitempty"`
	Payload         []byte            `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
	DelayMillis     int64             `json:"delay_millis"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
	Status          MessageStatus     `json:"status"`
	BrokerMessageID string            `json:"broker_message_id,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	SentAt          time.Time         `json:"sent_at,omitempty"`
}

// DefaultMaxRetries is applied when a producer does not set a retry budget.
const DefaultMaxRetries = 3

// GenerateMessageID returns a globally unique message id with a module prefix,
// e.g. "msg_5e0a...". Message ids are never reused.
func GenerateMessageID() string {
	return fmt.Sprintf("msg_%s", uuid.New().String())
}

// NewMessageEnvelope creates a PENDING envelope for the given topic and
// payload, stamped with a fresh message id and creation time.
func NewMessageEnvelope(topic string, payload []byte) *MessageEnvelope {
	return &MessageEnvelope{
		MessageID:  GenerateMessageID(),
		Topic:      topic,
		Payload:    payload,
		Headers:    map[string]string{},
		MaxRetries: DefaultMaxRetries,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}

// Validate checks the structural invariants of the envelope before it is
// persisted or published.
func (m *MessageEnvelope) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.MessageID, validation.Required),
		validation.Field(&m.Topic, validation.Required),
		validation.Field(&m.Payload, validation.Required),
		validation.Field(&m.DelayMillis, validation.Min(0)),
		validation.Field(&m.MaxRetries, validation.Min(0)),
		validation.Field(&m.RetryCount, validation.Min(0), validation.Max(m.MaxRetries).Error("retry count cannot exceed max retries")),
	)
}

// RetriesExhausted reports whether the retry budget is spent.
func (m *MessageEnvelope) RetriesExhausted() bool {
	return m.RetryCount >= m.MaxRetries
}
