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
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lib/pq"

	"github.com/courierhq/courier/internal/mqerror"
	"github.com/courierhq/courier/model"
)

const pqUniqueViolation = "23505"

// execer is satisfied by both *sql.DB and *sql.Tx so a message intent can
// be recorded inside the caller's ambient transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RecordMessage persists a new PENDING outbox row. Pass the business
// transaction as tx to make the intent atomic with the domain write; pass
// nil to use the pool connection directly. A reused message id fails with
// DUPLICATE_MESSAGE_ID, which idempotent producers may treat as success.
func (d Datasource) RecordMessage(ctx context.Context, tx *sql.Tx, message *model.MessageEnvelope) error {
	ctx, span := otel.Tracer("outbox.database").Start(ctx, "Saving message intent to outbox")
	defer span.End()

	if err := message.Validate(); err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "invalid message envelope", err)
	}

	headersJSON, err := json.Marshal(message.Headers)
	if err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to marshal headers", err)
	}

	var runner execer = d.Conn
	if tx != nil {
		runner = tx
	}

	_, err = runner.ExecContext(ctx,
		`INSERT INTO outbox_messages(message_id,topic,tags,message_type,partition_key,payload,headers,delay_millis,retry_count,max_retries,status,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		message.MessageID, message.Topic, message.Tags, message.MessageType, message.PartitionKey, message.Payload, headersJSON, message.DelayMillis, message.RetryCount, message.MaxRetries, model.StatusPending, message.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return mqerror.NewMessagingError(mqerror.ErrDuplicateMessageID, fmt.Sprintf("message id '%s' already recorded", message.MessageID), err)
		}
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to record message intent", err)
	}
	return nil
}

// UpdateMessageStatus performs a guarded status transition. The update only
// matches rows whose current status is a legal source for next, so a row
// concurrently moved to a terminal or conflicting state fails with
// STALE_WRITE and the caller must re-read.
func (d Datasource) UpdateMessageStatus(ctx context.Context, messageID string, next model.MessageStatus, errorMessage string) error {
	sources := model.TransitionSources(next)
	if len(sources) == 0 {
		return mqerror.NewMessagingError(mqerror.ErrInternal, fmt.Sprintf("no status may transition to '%s'", next), nil)
	}
	froms := make([]string, len(sources))
	for i, s := range sources {
		froms[i] = string(s)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1,
		    error_message = NULLIF($2, ''),
		    sent_at = CASE WHEN $1 = 'SENT' THEN NOW() ELSE sent_at END
		WHERE message_id = $3 AND status = ANY($4)
	`, next, errorMessage, messageID, pq.Array(froms))
	if err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to update message status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to read affected rows", err)
	}
	if rows == 0 {
		return mqerror.NewMessagingError(mqerror.ErrStaleWrite, fmt.Sprintf("message '%s' was moved concurrently, re-read before transitioning to '%s'", messageID, next), nil)
	}
	return nil
}

// MarkMessageSent transitions PENDING -> SENT and stores the id the broker
// assigned to the published message.
func (d Datasource) MarkMessageSent(ctx context.Context, messageID, brokerMessageID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'SENT', broker_message_id = $1, sent_at = NOW(), error_message = NULL
		WHERE message_id = $2 AND status = 'PENDING'
	`, brokerMessageID, messageID)
	if err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to mark message sent", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to read affected rows", err)
	}
	if rows == 0 {
		return mqerror.NewMessagingError(mqerror.ErrStaleWrite, fmt.Sprintf("message '%s' is no longer PENDING", messageID), nil)
	}
	return nil
}

const messageColumns = `message_id, topic, tags, message_type, partition_key, payload, headers, delay_millis, retry_count, max_retries, status, COALESCE(broker_message_id, ''), COALESCE(error_message, ''), created_at, COALESCE(sent_at, 'epoch'::timestamp)`

// FindPendingMessages returns up to limit PENDING rows, oldest first. The
// relay drains these into the broker.
func (d Datasource) FindPendingMessages(ctx context.Context, limit int) ([]*model.MessageEnvelope, error) {
	ctx, span := otel.Tracer("outbox.database").Start(ctx, "Selecting pending outbox batch")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to query pending messages", err)
	}
	return scanMessages(rows)
}

// FindStuckMessages returns rows still PENDING or FAILED whose last
// activity predates olderThan, oldest first, bounded by limit so a sweep
// never turns into an unbounded scan.
func (d Datasource) FindStuckMessages(ctx context.Context, olderThan time.Time, limit int) ([]*model.MessageEnvelope, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE status IN ('PENDING', 'FAILED') AND COALESCE(sent_at, created_at) < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to query stuck messages", err)
	}
	return scanMessages(rows)
}

// IncrementRetry atomically bumps retry_count. It fails closed with
// RETRIES_EXHAUSTED when the row is already at its max_retries budget.
func (d Datasource) IncrementRetry(ctx context.Context, messageID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbox_messages
		SET retry_count = retry_count + 1
		WHERE message_id = $1 AND retry_count < max_retries
	`, messageID)
	if err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to increment retry count", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return mqerror.NewMessagingError(mqerror.ErrInternal, "failed to read affected rows", err)
	}
	if rows == 0 {
		return mqerror.NewMessagingError(mqerror.ErrRetriesExhausted, fmt.Sprintf("message '%s' is already at its retry budget", messageID), nil)
	}
	return nil
}

// DeleteExpiredMessages removes rows already in a terminal state that are
// older than olderThan. Live rows are never deleted.
func (d Datasource) DeleteExpiredMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM outbox_messages
		WHERE status IN ('CONSUMED', 'DEAD_LETTER') AND created_at < $1
	`, olderThan)
	if err != nil {
		return 0, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to delete expired messages", err)
	}
	return result.RowsAffected()
}

// GetMessage fetches a single outbox row by message id.
func (d Datasource) GetMessage(ctx context.Context, messageID string) (*model.MessageEnvelope, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE message_id = $1
	`, messageID)

	message, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, mqerror.NewMessagingError(mqerror.ErrNotFound, fmt.Sprintf("message with id '%s' not found", messageID), err)
		}
		return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to retrieve message", err)
	}
	return message, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*model.MessageEnvelope, error) {
	message := &model.MessageEnvelope{}
	var headersJSON []byte
	err := row.Scan(
		&message.MessageID, &message.Topic, &message.Tags, &message.MessageType,
		&message.PartitionKey, &message.Payload, &headersJSON, &message.DelayMillis,
		&message.RetryCount, &message.MaxRetries, &message.Status,
		&message.BrokerMessageID, &message.ErrorMessage, &message.CreatedAt, &message.SentAt,
	)
	if err != nil {
		return nil, err
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &message.Headers); err != nil {
			return nil, err
		}
	}
	return message, nil
}

func scanMessages(rows *sql.Rows) ([]*model.MessageEnvelope, error) {
	defer func() { _ = rows.Close() }()

	var messages []*model.MessageEnvelope
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed to scan outbox row", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, mqerror.NewMessagingError(mqerror.ErrInternal, "failed while iterating outbox rows", err)
	}
	return messages, nil
}
