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
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/config"
	redis_db "github.com/courierhq/courier/internal/redis-db"
	"github.com/courierhq/courier/internal/mqerror"
	"github.com/courierhq/courier/model"
)

// Broker publishes encoded envelopes to the Redis-backed task queue.
// Messages sharing a partition key land on the same queue shard, so all
// messages for one key are processed serially within that shard.
type Broker struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewBroker initializes a broker connection from the configuration.
func NewBroker(conf *config.Configuration) (*Broker, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB}
	return &Broker{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
	}, nil
}

// Publish enqueues the encoded envelope and returns the broker-assigned
// message id. The task id is the message id, so the broker itself rejects a
// second enqueue of the same message; that conflict is treated as success
// because the message is already on its way. All other failures are
// transient broker errors for the caller to retry later.
func (b *Broker) Publish(ctx context.Context, message *model.MessageEnvelope, encoded []byte) (string, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return "", err
	}

	queueName := queueNameFor(cfg, message)
	taskOptions := []asynq.Option{
		asynq.TaskID(message.MessageID),
		asynq.Queue(queueName),
		asynq.MaxRetry(message.MaxRetries),
	}
	if message.DelayMillis > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(time.Duration(message.DelayMillis)*time.Millisecond))
	}

	task := asynq.NewTask(queueName, encoded, taskOptions...)
	info, err := b.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			logrus.Infof("message %s already enqueued, skipping publish", message.MessageID)
			return message.MessageID, nil
		}
		return "", mqerror.NewMessagingError(mqerror.ErrTransientBroker, fmt.Sprintf("failed to publish message '%s'", message.MessageID), err)
	}

	logrus.Debugf("published message %s to queue %s", message.MessageID, info.Queue)
	return info.ID, nil
}

// Close releases the broker connection.
func (b *Broker) Close() error {
	return b.Client.Close()
}

// queueNameFor assigns the envelope to a queue shard by hashing its
// partition key. Envelopes without a partition key spread evenly by
// message id.
func queueNameFor(cfg *config.Configuration, message *model.MessageEnvelope) string {
	key := message.PartitionKey
	if key == "" {
		key = message.MessageID
	}
	shard := hashPartitionKey(key) % cfg.Queue.NumberOfShards
	return fmt.Sprintf("%s_%d", cfg.Queue.QueuePrefix, shard+1)
}

// QueueNames lists every queue shard the consumer server must subscribe to.
func QueueNames(cfg *config.Configuration) []string {
	names := make([]string, 0, cfg.Queue.NumberOfShards)
	for i := 1; i <= cfg.Queue.NumberOfShards; i++ {
		names = append(names, fmt.Sprintf("%s_%d", cfg.Queue.QueuePrefix, i))
	}
	return names
}

func hashPartitionKey(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32())
}
