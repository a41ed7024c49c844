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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMessageEnvelope(t *testing.T) {
	message := NewMessageEnvelope("order.placed", []byte(`{"order_id":"ord_1"}`))

	assert.True(t, strings.HasPrefix(message.MessageID, "msg_"))
	assert.Equal(t, StatusPending, message.Status)
	assert.Equal(t, DefaultMaxRetries, message.MaxRetries)
	assert.False(t, message.CreatedAt.IsZero())
	assert.NoError(t, message.Validate())
}

func TestMessageEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MessageEnvelope)
		wantErr bool
	}{
		{"valid", func(m *MessageEnvelope) {}, false},
		{"missing topic", func(m *MessageEnvelope) { m.Topic = "" }, true},
		{"missing payload", func(m *MessageEnvelope) { m.Payload = nil }, true},
		{"negative delay", func(m *MessageEnvelope) { m.DelayMillis = -1 }, true},
		{"retry count above budget", func(m *MessageEnvelope) { m.RetryCount = 4 }, true},
		{"retry count at budget", func(m *MessageEnvelope) { m.RetryCount = 3 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message := NewMessageEnvelope("order.placed", []byte("payload"))
			tt.mutate(message)
			err := message.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessageStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusSent))
	assert.True(t, StatusPending.CanTransitionTo(StatusFailed))
	assert.True(t, StatusPending.CanTransitionTo(StatusDeadLetter))
	assert.True(t, StatusFailed.CanTransitionTo(StatusPending))
	assert.True(t, StatusFailed.CanTransitionTo(StatusDeadLetter))
	assert.True(t, StatusSent.CanTransitionTo(StatusConsumed))

	// status never regresses except the explicit sweeper requeue
	assert.False(t, StatusSent.CanTransitionTo(StatusPending))
	assert.False(t, StatusDeadLetter.CanTransitionTo(StatusPending))
	assert.False(t, StatusConsumed.CanTransitionTo(StatusPending))
	assert.False(t, StatusDeadLetter.CanTransitionTo(StatusSent))
}

func TestTransitionSources(t *testing.T) {
	assert.ElementsMatch(t, []MessageStatus{StatusPending, StatusFailed}, TransitionSources(StatusDeadLetter))
	assert.ElementsMatch(t, []MessageStatus{StatusFailed}, TransitionSources(StatusPending))
	assert.ElementsMatch(t, []MessageStatus{StatusPending}, TransitionSources(StatusSent))
	assert.ElementsMatch(t, []MessageStatus{StatusPending}, TransitionSources(StatusFailed))
	assert.ElementsMatch(t, []MessageStatus{StatusSent}, TransitionSources(StatusConsumed))
}

func TestMessageStatus_Terminal(t *testing.T) {
	assert.True(t, StatusConsumed.Terminal())
	assert.True(t, StatusDeadLetter.Terminal())
	assert.False(t, StatusSent.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusFailed.Terminal())
}

func TestRetriesExhausted(t *testing.T) {
	message := NewMessageEnvelope("order.placed", []byte("payload"))
	message.MaxRetries = 3

	message.RetryCount = 2
	assert.False(t, message.RetriesExhausted())

	message.RetryCount = 3
	assert.True(t, message.RetriesExhausted())
}
