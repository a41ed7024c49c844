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
	"database/sql"
	"fmt"

	"github.com/courierhq/courier/internal/mqerror"
	"github.com/courierhq/courier/model"
)

// RecordDeadLetter inserts a dead-letter row if one does not already exist
// for the message id. It returns false when a previous terminal failure
// already parked this message; first terminal failure wins and redeliveries
// must not create a second row.
func (d Datasource) RecordDeadLetter(ctx context.Context, record *model.DeadLetterRecord) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO dead_letters(message_id,topic,payload,original_envelope,error_message,retry_count,status,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (message_id) DO NOTHING
	`, record.MessageID, record.Topic, record.Payload, []byte(record.OriginalEnvelope), record.ErrorMessage, record.RetryCount, record.Status, record.CreatedAt)
	if err != nil {
		return false, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to record dead letter", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to read affected rows", err)
	}
	return rows > 0, nil
}

// ResolveDeadLetter marks a parked message as handled by an operator.
func (d Datasource) ResolveDeadLetter(ctx context.Context, messageID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE dead_letters SET status = 'RESOLVED' WHERE message_id = $1 AND status = 'PENDING'
	`, messageID)
	if err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to resolve dead letter", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to read affected rows", err)
	}
	if rows == 0 {
		return mqerror.NewMessagingError(mqerror.ErrNotFound, fmt.Sprintf("no pending dead letter for message '%s'", messageID), nil)
	}
	return nil
}

const deadLetterColumns = `message_id, topic, payload, COALESCE(original_envelope, 'null'::jsonb), COALESCE(error_message, ''), retry_count, status, created_at`

// GetDeadLetter fetches a dead-letter row by message id.
func (d Datasource) GetDeadLetter(ctx context.Context, messageID string) (*model.DeadLetterRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letters WHERE message_id = $1
	`, messageID)

	record := &model.DeadLetterRecord{}
	var envelopeJSON []byte
	err := row.Scan(&record.MessageID, &record.Topic, &record.Payload, &envelopeJSON,
		&record.ErrorMessage, &record.RetryCount, &record.Status, &record.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, mqerror.NewMessagingError(mqerror.ErrNotFound, fmt.Sprintf("dead letter for message '%s' not found", messageID), err)
		}
		return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to retrieve dead letter", err)
	}
	record.OriginalEnvelope = envelopeJSON
	return record, nil
}

// ListDeadLetters pages through dead letters in a given triage status,
// newest first.
func (d Datasource) ListDeadLetters(ctx context.Context, status model.DeadLetterStatus, limit, offset int) ([]*model.DeadLetterRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to list dead letters", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*model.DeadLetterRecord
	for rows.Next() {
		record := &model.DeadLetterRecord{}
		var envelopeJSON []byte
		if err := rows.Scan(&record.MessageID, &record.Topic, &record.Payload, &envelopeJSON,
			&record.ErrorMessage, &record.RetryCount, &record.Status, &record.CreatedAt); err != nil {
			return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to scan dead letter row", err)
		}
		record.OriginalEnvelope = envelopeJSON
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed while iterating dead letters", err)
	}
	return records, nil
}
