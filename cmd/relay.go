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
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// relayCommands defines the "relay" command that drains the outbox into
// the broker and runs the compensation sweeper alongside it.
func relayCommands(app *courierInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "start the outbox relay and compensation sweeper",
		Run: func(cmd *cobra.Command, args []string) {
			relay, err := app.courier.NewRelay()
			if err != nil {
				log.Fatal(err)
			}
			sweeper, err := app.courier.NewSweeper()
			if err != nil {
				log.Fatal(err)
			}

			relay.Start()
			sweeper.Start()
			log.Println(" [*] Relay and sweeper started")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := relay.Stop(ctx); err != nil {
				log.Printf("relay shutdown: %v", err)
			}
			if err := sweeper.Stop(ctx); err != nil {
				log.Printf("sweeper shutdown: %v", err)
			}
		},
	}
	return cmd
}
