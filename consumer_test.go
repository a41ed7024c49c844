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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/mqerror"
	"github.com/courierhq/courier/model"
)

type fakeGuard struct {
	processed  map[string]bool
	locked     map[string]bool
	lockDenied bool
	markErr    error

	lockCalls   int
	unlockCalls int
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{
		processed: make(map[string]bool),
		locked:    make(map[string]bool),
	}
}

func (g *fakeGuard) IsDuplicate(_ context.Context, messageID string) bool {
	return g.processed[messageID]
}

func (g *fakeGuard) TryLock(_ context.Context, messageID string) bool {
	g.lockCalls++
	if g.lockDenied || g.locked[messageID] {
		return false
	}
	g.locked[messageID] = true
	return true
}

func (g *fakeGuard) MarkAsProcessed(_ context.Context, messageID string) error {
	if g.markErr != nil {
		return g.markErr
	}
	g.processed[messageID] = true
	return nil
}

func (g *fakeGuard) Unlock(_ context.Context, messageID string) {
	g.unlockCalls++
	delete(g.locked, messageID)
}

type fakeSink struct {
	recorded []*model.MessageEnvelope
	reasons  []string
	err      error
}

func (s *fakeSink) Record(_ context.Context, message *model.MessageEnvelope, errorMessage string, _ int) error {
	if s.err != nil {
		return s.err
	}
	s.recorded = append(s.recorded, message)
	s.reasons = append(s.reasons, errorMessage)
	return nil
}

func encodeTestMessage(t *testing.T, codec *EnvelopeCodec, topic string, payload []byte) (*model.MessageEnvelope, []byte) {
	t.Helper()
	message := model.NewMessageEnvelope(topic, payload)
	raw, err := codec.Encode(message)
	require.NoError(t, err)
	return message, raw
}

func TestHandleProcessesOnce(t *testing.T) {
	codec := plainCodec()
	guard := newFakeGuard()
	sink := &fakeSink{}

	var invocations int
	handler := NewConsumerHandler(codec, guard, sink, NewMetrics(), func(_ context.Context, m *model.MessageEnvelope) error {
		invocations++
		return nil
	})

	message, raw := encodeTestMessage(t, codec, "order.placed", []byte(`{"order_id":"ord_1"}`))

	outcome, err := handler.Handle(context.Background(), raw, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, 1, invocations)
	assert.True(t, guard.processed[message.MessageID])
	assert.Equal(t, 1, guard.unlockCalls)

	// redelivery of the same id is acknowledged without a second invocation
	outcome, err = handler.Handle(context.Background(), raw, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, invocations)
}

func TestHandleLockContention(t *testing.T) {
	codec := plainCodec()
	guard := newFakeGuard()
	guard.lockDenied = true
	sink := &fakeSink{}

	var invocations int
	handler := NewConsumerHandler(codec, guard, sink, NewMetrics(), func(_ context.Context, m *model.MessageEnvelope) error {
		invocations++
		return nil
	})

	_, raw := encodeTestMessage(t, codec, "order.placed", []byte("payload"))

	outcome, err := handler.Handle(context.Background(), raw, 0, 3)
	assert.Equal(t, OutcomeRetry, outcome)
	assert.True(t, mqerror.Is(err, mqerror.ErrLockContention))
	assert.Zero(t, invocations)
	assert.Empty(t, sink.recorded)
}

func TestHandleDuplicateFoundAfterLock(t *testing.T) {
	codec := plainCodec()
	guard := newFakeGuard()
	sink := &fakeSink{}

	message, raw := encodeTestMessage(t, codec, "order.placed", []byte("payload"))

	var invocations int
	handler := NewConsumerHandler(codec, guard, sink, NewMetrics(), func(_ context.Context, m *model.MessageEnvelope) error {
		invocations++
		return nil
	})

	// simulate the other instance finishing between the dedup check and the
	// lock acquisition: first IsDuplicate sees false, second sees true
	calls := 0
	raceGuard := &raceWindowGuard{fakeGuard: guard, messageID: message.MessageID, calls: &calls}
	handler = NewConsumerHandler(codec, raceGuard, sink, NewMetrics(), handler.handler)

	outcome, err := handler.Handle(context.Background(), raw, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Zero(t, invocations)
}

// raceWindowGuard reports "not a duplicate" on the first check and
// "duplicate" on the second, mimicking a concurrent completion.
type raceWindowGuard struct {
	*fakeGuard
	messageID string
	calls     *int
}

func (g *raceWindowGuard) IsDuplicate(ctx context.Context, messageID string) bool {
	*g.calls++
	return *g.calls > 1 && messageID == g.messageID
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	codec := plainCodec()
	guard := newFakeGuard()
	sink := &fakeSink{}

	handlerErr := errors.New("downstream unavailable")
	handler := NewConsumerHandler(codec, guard, sink, NewMetrics(), func(_ context.Context, m *model.MessageEnvelope) error {
		return handlerErr
	})

	message, raw := encodeTestMessage(t, codec, "order.placed", []byte("payload"))

	outcome, err := handler.Handle(context.Background(), raw, 0, 3)
	assert.Equal(t, OutcomeRetry, outcome)
	assert.ErrorIs(t, err, handlerErr)
	assert.Empty(t, sink.recorded)
	assert.False(t, guard.processed[message.MessageID])
	// the lock is released so the redelivery is not blocked
	assert.Equal(t, 1, guard.unlockCalls)
}

func TestHandleDeadLettersAfterBudget(t *testing.T) {
	codec := plainCodec()
	guard := newFakeGuard()
	sink := &fakeSink{}

	handler := NewConsumerHandler(codec, guard, sink, NewMetrics(), func(_ context.Context, m *model.MessageEnvelope) error {
		return errors.New("downstream unavailable")
	})

	message, raw := encodeTestMessage(t, codec, "order.placed", []byte("payload"))

	outcome, err := handler.Handle(context.Background(), raw, 3, 3)
	assert.Equal(t, OutcomeDeadLetter, outcome)
	assert.True(t, mqerror.Is(err, mqerror.ErrRetriesExhausted))
	require.Len(t, sink.recorded, 1)
	assert.Equal(t, message.MessageID, sink.recorded[0].MessageID)
	// the payload parked is the one that was delivered, byte for byte
	assert.Equal(t, message.Payload, sink.recorded[0].Payload)
}

func TestHandleDeadLettersUndecodableMessage(t *testing.T) {
	codec := plainCodec()
	guard := newFakeGuard()
	sink := &fakeSink{}

	var invocations int
	handler := NewConsumerHandler(codec, guard, sink, NewMetrics(), func(_ context.Context, m *model.MessageEnvelope) error {
		invocations++
		return nil
	})

	outcome, err := handler.Handle(context.Background(), []byte("not a wire envelope"), 0, 3)
	assert.Equal(t, OutcomeDeadLetter, outcome)
	assert.True(t, mqerror.Is(err, mqerror.ErrPermanentDecode))
	assert.Zero(t, invocations)
	require.Len(t, sink.recorded, 1)
	// original bytes are preserved for inspection
	assert.Equal(t, []byte("not a wire envelope"), sink.recorded[0].Payload)
}

func TestHandleRetriesWhenSinkUnavailable(t *testing.T) {
	codec := plainCodec()
	guard := newFakeGuard()
	sink := &fakeSink{err: errors.New("database down")}

	handler := NewConsumerHandler(codec, guard, sink, NewMetrics(), func(_ context.Context, m *model.MessageEnvelope) error {
		return errors.New("downstream unavailable")
	})

	_, raw := encodeTestMessage(t, codec, "order.placed", []byte("payload"))

	// parking failed, so the message must come back rather than vanish
	outcome, err := handler.Handle(context.Background(), raw, 3, 3)
	assert.Equal(t, OutcomeRetry, outcome)
	assert.Error(t, err)
}

func TestHandleAcknowledgesWhenMarkerWriteFails(t *testing.T) {
	codec := plainCodec()
	guard := newFakeGuard()
	guard.markErr = errors.New("redis down")
	sink := &fakeSink{}

	var invocations int
	handler := NewConsumerHandler(codec, guard, sink, NewMetrics(), func(_ context.Context, m *model.MessageEnvelope) error {
		invocations++
		return nil
	})

	_, raw := encodeTestMessage(t, codec, "order.placed", []byte("payload"))

	// the side effect happened; failing the delivery would guarantee a
	// duplicate invocation
	outcome, err := handler.Handle(context.Background(), raw, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, 1, invocations)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "PROCESSED", OutcomeProcessed.String())
	assert.Equal(t, "DUPLICATE", OutcomeDuplicate.String())
	assert.Equal(t, "RETRY", OutcomeRetry.String())
	assert.Equal(t, "DEAD_LETTER", OutcomeDeadLetter.String())
	assert.Equal(t, "UNKNOWN", Outcome(99).String())
}
