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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{
		"project_name": "courier-test",
		"data_source": {"dns": "postgres://localhost:5432/courier"},
		"redis": {"dns": "localhost:6379"}
	}`)

	require.NoError(t, InitConfig(path))
	cnf, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, "courier-test", cnf.ProjectName)
	assert.Equal(t, "courier_messages", cnf.Queue.QueuePrefix)
	assert.Equal(t, 4, cnf.Queue.NumberOfShards)
	assert.Equal(t, 10, cnf.Queue.Concurrency)
	assert.Equal(t, 10, cnf.Outbox.PollIntervalSec)
	assert.Equal(t, 100, cnf.Outbox.BatchSize)
	assert.Equal(t, 30, cnf.Outbox.StuckTimeoutMin)
	assert.Equal(t, 60, cnf.Outbox.SweepIntervalSec)
	assert.Equal(t, 7, cnf.Outbox.RetentionDays)
	assert.Equal(t, 30, cnf.Idempotency.LockTTLSec)
	assert.Equal(t, 24, cnf.Idempotency.RetentionHours)
}

func TestInitConfigRequiresDataSource(t *testing.T) {
	path := writeConfigFile(t, `{"redis": {"dns": "localhost:6379"}}`)
	assert.Error(t, InitConfig(path))
}

func TestInitConfigRequiresRedis(t *testing.T) {
	path := writeConfigFile(t, `{"data_source": {"dns": "postgres://localhost:5432/courier"}}`)
	assert.Error(t, InitConfig(path))
}

func TestInitConfigValidatesEncryptionKeyLength(t *testing.T) {
	path := writeConfigFile(t, `{
		"data_source": {"dns": "postgres://localhost:5432/courier"},
		"redis": {"dns": "localhost:6379"},
		"encryption": {"key": "too-short"}
	}`)
	assert.Error(t, InitConfig(path))

	path = writeConfigFile(t, `{
		"data_source": {"dns": "postgres://localhost:5432/courier"},
		"redis": {"dns": "localhost:6379"},
		"encryption": {"key": "0123456789abcdef0123456789abcdef"}
	}`)
	assert.NoError(t, InitConfig(path))
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("COURIER_QUEUE_SHARDS", "8")

	path := writeConfigFile(t, `{
		"data_source": {"dns": "postgres://localhost:5432/courier"},
		"redis": {"dns": "localhost:6379"},
		"queue": {"number_of_shards": 2}
	}`)

	require.NoError(t, InitConfig(path))
	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, 8, cnf.Queue.NumberOfShards)
}

func TestMockConfig(t *testing.T) {
	MockConfig(&Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/courier"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	})

	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "courier_messages", cnf.Queue.QueuePrefix)
	assert.Equal(t, 4, cnf.Queue.NumberOfShards)
	assert.Equal(t, 30, cnf.Idempotency.LockTTLSec)
}
