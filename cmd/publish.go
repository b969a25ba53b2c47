package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/blnkfinance/rebalancer/model"
)

func readRun(path string) (*model.Run, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("invalid run file: %w", err)
	}
	if err := run.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run: %w", err)
	}
	return &run, nil
}

// publishCommands enqueues one message per user of a model inference run.
func publishCommands(b *rebalancerInstance) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "publish a model inference run to the trade queues",
		Run: func(cmd *cobra.Command, args []string) {
			run, err := readRun(file)
			if err != nil {
				log.Fatal(err)
			}

			if err := b.setup(); err != nil {
				log.Fatal(err)
			}
			defer b.rebalancer.Close()

			summary, err := b.rebalancer.Queue().PublishRun(context.Background(), run)
			if err != nil {
				log.Fatalf("Error publishing run: %v", err)
			}
			if summary.Skipped {
				log.Printf("Run %s skipped, another scheduler holds the publish lock", summary.RunID)
				return
			}
			fmt.Printf("Published %d messages for run %s (%d duplicates)\n", summary.Published, summary.RunID, summary.Duplicates)
		},
	}
	cmd.Flags().StringVar(&file, "file", "run.json", "Run file to publish")
	return cmd
}
