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
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/courierhq/courier/internal/encryption"
	"github.com/courierhq/courier/internal/mqerror"
	"github.com/courierhq/courier/model"
)

// wireEnvelope is the single serialized document that travels through the
// broker. The payload field is always a base64 token: either the raw
// payload bytes, or nonce||ciphertext when the topic is encrypted.
type wireEnvelope struct {
	MessageID   string            `json:"messageId"`
	Topic       string            `json:"topic"`
	Tags        string            `json:"tags,omitempty"`
	MessageType string            `json:"messageType,omitempty"`
	Payload     string            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// EnvelopeCodec translates between MessageEnvelope and the broker wire
// format, sealing and opening payloads for encrypted topics.
type EnvelopeCodec struct {
	encrypter *encryption.Encrypter
}

func NewEnvelopeCodec(encrypter *encryption.Encrypter) *EnvelopeCodec {
	return &EnvelopeCodec{encrypter: encrypter}
}

// Encode serializes the envelope for publishing.
func (c *EnvelopeCodec) Encode(message *model.MessageEnvelope) ([]byte, error) {
	var payload string
	if c.encrypter.ShouldEncrypt(message.Topic) {
		sealed, err := c.encrypter.Encrypt(message.Payload)
		if err != nil {
			return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to encrypt payload", err)
		}
		payload = sealed
	} else {
		payload = base64.StdEncoding.EncodeToString(message.Payload)
	}

	wire := wireEnvelope{
		MessageID:   message.MessageID,
		Topic:       message.Topic,
		Tags:        message.Tags,
		MessageType: message.MessageType,
		Payload:     payload,
		Headers:     message.Headers,
		Timestamp:   message.CreatedAt,
	}
	return json.Marshal(wire)
}

// Decode parses a delivered wire document back into an envelope. Every
// failure here is permanent: a malformed document or a payload that fails
// authentication will fail the same way on redelivery, so callers route it
// straight to the dead-letter sink. When the document parses but the
// payload does not, the partially decoded envelope is returned alongside
// the error so the sink can park it under its real message id.
func (c *EnvelopeCodec) Decode(raw []byte) (*model.MessageEnvelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, mqerror.NewMessagingError(mqerror.ErrPermanentDecode, "malformed wire envelope", err)
	}
	if wire.MessageID == "" || wire.Topic == "" {
		return nil, mqerror.NewMessagingError(mqerror.ErrPermanentDecode, "wire envelope missing message id or topic", nil)
	}

	message := &model.MessageEnvelope{
		MessageID:   wire.MessageID,
		Topic:       wire.Topic,
		Tags:        wire.Tags,
		MessageType: wire.MessageType,
		Headers:     wire.Headers,
		CreatedAt:   wire.Timestamp,
	}

	if c.encrypter.ShouldEncrypt(wire.Topic) {
		plaintext, err := c.encrypter.Decrypt(wire.Payload)
		if err != nil {
			message.Payload = []byte(wire.Payload)
			return message, err
		}
		message.Payload = plaintext
		return message, nil
	}

	payload, err := base64.StdEncoding.DecodeString(wire.Payload)
	if err != nil {
		message.Payload = []byte(wire.Payload)
		return message, mqerror.NewMessagingError(mqerror.ErrPermanentDecode, "payload is not valid base64", err)
	}
	message.Payload = payload
	return message, nil
}
