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

package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/mqerror"
	"github.com/courierhq/courier/model"
)

func TestRecordDeadLetter(t *testing.T) {
	ds, mock := newTestDatasource(t)

	envelope := model.NewMessageEnvelope("order.placed", []byte("payload"))
	record := model.NewDeadLetterRecord(envelope, "handler failed 4 attempts", 3)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dead_letters")).
		WithArgs(record.MessageID, record.Topic, record.Payload, []byte(record.OriginalEnvelope),
			record.ErrorMessage, record.RetryCount, record.Status, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	inserted, err := ds.RecordDeadLetter(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeadLetterAlreadyParked(t *testing.T) {
	ds, mock := newTestDatasource(t)

	envelope := model.NewMessageEnvelope("order.placed", []byte("payload"))
	record := model.NewDeadLetterRecord(envelope, "handler failed", 3)

	// first terminal failure wins; the conflict insert is a silent no-op
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (message_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := ds.RecordDeadLetter(context.Background(), record)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveDeadLetter(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE dead_letters SET status = 'RESOLVED'")).
		WithArgs("msg_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ds.ResolveDeadLetter(context.Background(), "msg_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveDeadLetterNotFound(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE dead_letters SET status = 'RESOLVED'")).
		WithArgs("msg_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ds.ResolveDeadLetter(context.Background(), "msg_missing")
	assert.True(t, mqerror.Is(err, mqerror.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeadLetter(t *testing.T) {
	ds, mock := newTestDatasource(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"message_id", "topic", "payload", "original_envelope", "error_message",
		"retry_count", "status", "created_at",
	}).AddRow("msg_1", "order.placed", []byte("payload"), []byte(`{"message_id":"msg_1"}`),
		"handler failed", 3, "PENDING", now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM dead_letters WHERE message_id = $1")).
		WithArgs("msg_1").
		WillReturnRows(rows)

	record, err := ds.GetDeadLetter(context.Background(), "msg_1")
	require.NoError(t, err)
	assert.Equal(t, "msg_1", record.MessageID)
	assert.Equal(t, model.DeadLetterPending, record.Status)
	assert.JSONEq(t, `{"message_id":"msg_1"}`, string(record.OriginalEnvelope))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDeadLetters(t *testing.T) {
	ds, mock := newTestDatasource(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"message_id", "topic", "payload", "original_envelope", "error_message",
		"retry_count", "status", "created_at",
	}).
		AddRow("msg_2", "order.placed", []byte("p2"), []byte("null"), "later failure", 3, "PENDING", now).
		AddRow("msg_1", "order.placed", []byte("p1"), []byte("null"), "earlier failure", 3, "PENDING", now.Add(-time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs(model.DeadLetterPending, 50, 0).
		WillReturnRows(rows)

	records, err := ds.ListDeadLetters(context.Background(), model.DeadLetterPending, 50, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "msg_2", records[0].MessageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
