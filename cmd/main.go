/*
Copyright 2024 Blnk Finance Authors.

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

	"github.com/blnkfinance/rebalancer"
	"github.com/blnkfinance/rebalancer/config"
	"github.com/blnkfinance/rebalancer/database"
	"github.com/blnkfinance/rebalancer/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Rebalancer wraps the root Cobra command.
type Rebalancer struct {
	cmd *cobra.Command
}

// rebalancerInstance holds the runtime instance shared by every command.
type rebalancerInstance struct {
	rebalancer *rebalancer.Rebalancer
	cnf        *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration. Commands that need the pipeline call
// app.setup themselves so that config and migrate work without Redis.
func preRun(configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}
		return nil
	}
}

func (app *rebalancerInstance) setup() error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	r, err := setupRebalancer(cnf)
	if err != nil {
		notification.NotifyError(err)
		return err
	}

	app.rebalancer = r
	app.cnf = cnf
	return nil
}

func setupRebalancer(cfg *config.Configuration) (*rebalancer.Rebalancer, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	r, err := rebalancer.NewRebalancer(cfg, db)
	if err != nil {
		return nil, fmt.Errorf("error creating rebalancer: %v", err)
	}
	return r, nil
}

func NewCLI() *Rebalancer {
	var configFile string
	r := &rebalancerInstance{}

	var rootCmd = &cobra.Command{
		Use:   "rebalancer",
		Short: "Portfolio rebalancing pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./rebalancer.json", "Configuration file for the rebalancer")
	rootCmd.PersistentPreRunE = preRun(&configFile)

	rootCmd.AddCommand(workerCommands(r))
	rootCmd.AddCommand(publishCommands(r))
	rootCmd.AddCommand(migrateCommands(r))
	rootCmd.AddCommand(configCommands())

	return &Rebalancer{cmd: rootCmd}
}

func (w Rebalancer) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
