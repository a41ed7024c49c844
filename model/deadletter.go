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
	"encoding/json"
	"time"
)

// DeadLetterStatus tracks operator triage of a parked message.
type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "PENDING"
	DeadLetterResolved DeadLetterStatus = "RESOLVED"
)

// DeadLetterRecord is a terminally failed message parked for manual
// inspection. The payload is stored byte-exact so the message can be
// replayed by an operator. Immutable once written except for Status.
type DeadLetterRecord struct {
	MessageID        string           `json:"message_id"`
	Topic            string           `json:"topic"`
	Payload          []byte           `json:"payload"`
	OriginalEnvelope json.RawMessage  `json:"original_envelope,omitempty"`
	ErrorMessage     string           `json:"error_message"`
	RetryCount       int              `json:"retry_count"`
	Status           DeadLetterStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// NewDeadLetterRecord builds a PENDING dead-letter record from a failed
// envelope. The envelope itself is kept as JSON for replay tooling.
func NewDeadLetterRecord(envelope *MessageEnvelope, errorMessage string, retryCount int) *DeadLetterRecord {
	original, _ := json.Marshal(envelope)
	return &DeadLetterRecord{
		MessageID:        envelope.MessageID,
		Topic:            envelope.Topic,
		Payload:          envelope.Payload,
		OriginalEnvelope: original,
		ErrorMessage:     errorMessage,
		RetryCount:       retryCount,
		Status:           DeadLetterPending,
		CreatedAt:        time.Now(),
	}
}
