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
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	_ "github.com/lib/pq"

	"github.com/courierhq/courier/cache"
	"github.com/courierhq/courier/config"
)

var instance *Datasource
var once sync.Once

// Datasource bundles the Postgres connection that backs the outbox and
// dead-letter tables. The cache handle is optional and only used by
// callers that want read-through lookups.
type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (*Datasource, error) {
	return GetDBConnection(configuration)
}

// GetDBConnection provides a process-wide datasource, initialized on first use.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "pinging postgres")
	}
	if err := createOutboxTable(db); err != nil {
		return nil, err
	}
	if err := createDeadLetterTable(db); err != nil {
		return nil, err
	}
	return db, nil
}

// createOutboxTable creates the durable message-intent table. Rows are
// written in the producer's own transaction and drained by the relay.
func createOutboxTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_messages (
			id SERIAL PRIMARY KEY,
			message_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			tags TEXT,
			message_type TEXT,
			partition_key TEXT,
			payload BYTEA NOT NULL,
			headers JSONB,
			delay_millis BIGINT NOT NULL DEFAULT 0,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			status TEXT NOT NULL DEFAULT 'PENDING',
			broker_message_id TEXT,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMP
		)
	`)
	return errors.Wrap(err, "creating outbox_messages table")
}

// createDeadLetterTable creates the terminal parking table for messages
// that exhausted their retries. message_id is unique so a redelivered
// failure can never produce a second row.
func createDeadLetterTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id SERIAL PRIMARY KEY,
			message_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			payload BYTEA NOT NULL,
			original_envelope JSONB,
			error_message TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return errors.Wrap(err, "creating dead_letters table")
}
