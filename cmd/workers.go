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

package main

import (
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/courierhq/courier"
	"github.com/courierhq/courier/config"
	redis_db "github.com/courierhq/courier/internal/redis-db"
)

// initializeQueues gives every shard equal weight; all shards carry the
// same class of traffic.
func initializeQueues(cfg *config.Configuration) map[string]int {
	queues := make(map[string]int)
	for _, name := range courier.QueueNames(cfg) {
		queues[name] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisOption.Addr,
			Password: redisOption.Password,
			DB:       redisOption.DB,
		},
		asynq.Config{
			Concurrency: conf.Queue.Concurrency,
			Queues:      queues,
		},
	), nil
}

// initializeTaskHandlers routes every queue shard through the consumer
// envelope handler.
func initializeTaskHandlers(app *courierInstance, mux *asynq.ServeMux) {
	handler := app.courier.ConsumerHandler().AsynqHandler()
	for _, name := range courier.QueueNames(app.cnf) {
		mux.HandleFunc(name, handler)
	}
}

// workerCommands defines the "workers" command that consumes delivered
// messages through the reliability pipeline.
func workerCommands(app *courierInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start courier consumer workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues(conf)
			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, mux)

			log.Println(" [*] Starting courier workers")
			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run worker server: %v", err)
			}
		},
	}
	return cmd
}
