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
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/courierhq/courier"
	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/database"
)

// CLI wraps the root cobra command.
type CLI struct {
	cmd *cobra.Command
}

// courierInstance holds the runtime instance and its configuration, shared
// by all subcommands.
type courierInstance struct {
	courier *courier.Courier
	cnf     *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and builds the Courier instance before any
// subcommand executes.
func preRun(app *courierInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config: ", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		instance, err := setupCourier(cnf)
		if err != nil {
			log.Fatal(err)
		}

		app.courier = instance
		app.cnf = cnf
		return nil
	}
}

func setupCourier(cfg *config.Configuration) (*courier.Courier, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}
	instance, err := courier.NewCourier(db)
	if err != nil {
		return nil, fmt.Errorf("error creating courier: %v", err)
	}
	return instance, nil
}

// NewCLI assembles the root command with the workers and relay subcommands.
func NewCLI() *CLI {
	var configFile string
	app := &courierInstance{}

	var rootCmd = &cobra.Command{
		Use:   "courier",
		Short: "Reliable transactional messaging",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./courier.json", "Configuration file for courier")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(relayCommands(app))

	return &CLI{cmd: rootCmd}
}

func (c CLI) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
