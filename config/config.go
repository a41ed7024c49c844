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
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"COURIER_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"COURIER_REDIS_DNS"`
}

type QueueConfig struct {
	QueuePrefix    string `json:"queue_prefix" envconfig:"COURIER_QUEUE_PREFIX"`
	NumberOfShards int    `json:"number_of_shards" envconfig:"COURIER_QUEUE_SHARDS"`
	Concurrency    int    `json:"concurrency" envconfig:"COURIER_QUEUE_CONCURRENCY"`
}

type OutboxConfig struct {
	PollIntervalSec  int `json:"poll_interval_sec" envconfig:"COURIER_OUTBOX_POLL_INTERVAL_SEC"`
	BatchSize        int `json:"batch_size" envconfig:"COURIER_OUTBOX_BATCH_SIZE"`
	StuckTimeoutMin  int `json:"stuck_timeout_min" envconfig:"COURIER_OUTBOX_STUCK_TIMEOUT_MIN"`
	SweepIntervalSec int `json:"sweep_interval_sec" envconfig:"COURIER_OUTBOX_SWEEP_INTERVAL_SEC"`
	RetentionDays    int `json:"retention_days" envconfig:"COURIER_OUTBOX_RETENTION_DAYS"`
}

type IdempotencyConfig struct {
	LockTTLSec     int `json:"lock_ttl_sec" envconfig:"COURIER_IDEMPOTENCY_LOCK_TTL_SEC"`
	RetentionHours int `json:"retention_hours" envconfig:"COURIER_IDEMPOTENCY_RETENTION_HOURS"`
}

type EncryptionConfig struct {
	Key             string   `json:"key" envconfig:"COURIER_ENCRYPTION_KEY"`
	EncryptedTopics []string `json:"encrypted_topics" envconfig:"COURIER_ENCRYPTED_TOPICS"`
}

type Notification struct {
	Webhook struct {
		Url     string            `json:"url"`
		Secret  string            `json:"secret"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string            `json:"project_name" envconfig:"COURIER_PROJECT_NAME"`
	DataSource   DataSourceConfig  `json:"data_source"`
	Redis        RedisConfig       `json:"redis"`
	Queue        QueueConfig       `json:"queue"`
	Outbox       OutboxConfig      `json:"outbox"`
	Idempotency  IdempotencyConfig `json:"idempotency"`
	Encryption   EncryptionConfig  `json:"encryption"`
	Notification Notification      `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("courier", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called courier.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Courier"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Queue.QueuePrefix == "" {
		cnf.Queue.QueuePrefix = "courier_messages"
	}
	if cnf.Queue.NumberOfShards <= 0 {
		cnf.Queue.NumberOfShards = 4
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 10
	}

	if cnf.Outbox.PollIntervalSec <= 0 {
		cnf.Outbox.PollIntervalSec = 10
	}
	if cnf.Outbox.BatchSize <= 0 {
		cnf.Outbox.BatchSize = 100
	}
	if cnf.Outbox.StuckTimeoutMin <= 0 {
		// matches the compensation window of the reference deployment
		cnf.Outbox.StuckTimeoutMin = 30
	}
	if cnf.Outbox.SweepIntervalSec <= 0 {
		cnf.Outbox.SweepIntervalSec = 60
	}
	if cnf.Outbox.RetentionDays <= 0 {
		cnf.Outbox.RetentionDays = 7
	}

	if cnf.Idempotency.LockTTLSec <= 0 {
		log.Println("Warning: Idempotency lock TTL not specified. Setting default value: 30s")
		cnf.Idempotency.LockTTLSec = 30
	}
	if cnf.Idempotency.RetentionHours <= 0 {
		cnf.Idempotency.RetentionHours = 24
	}

	if cnf.Encryption.Key != "" && len(cnf.Encryption.Key) != 32 {
		return errors.New("encryption key must be exactly 32 bytes for AES-256")
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.applyTestDefaults()
	ConfigStore.Store(mockConfig)
}

func (cnf *Configuration) applyTestDefaults() {
	if cnf.Queue.QueuePrefix == "" {
		cnf.Queue.QueuePrefix = "courier_messages"
	}
	if cnf.Queue.NumberOfShards <= 0 {
		cnf.Queue.NumberOfShards = 4
	}
	if cnf.Idempotency.LockTTLSec <= 0 {
		cnf.Idempotency.LockTTLSec = 30
	}
	if cnf.Idempotency.RetentionHours <= 0 {
		cnf.Idempotency.RetentionHours = 24
	}
	if cnf.Outbox.BatchSize <= 0 {
		cnf.Outbox.BatchSize = 100
	}
	if cnf.Outbox.StuckTimeoutMin <= 0 {
		cnf.Outbox.StuckTimeoutMin = 30
	}
	if cnf.Outbox.RetentionDays <= 0 {
		cnf.Outbox.RetentionDays = 7
	}
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
