package cli

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"storf/internal/app"
)

func WorkerCmd(load configLoader) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run analysis workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(load, func(ctx context.Context, c *app.Container) error {
				if !cmd.Flags().Changed("count") {
					count = c.Config.Worker.Count
				}
				if count < 1 {
					return fmt.Errorf("worker count must be at least 1")
				}

				pool, err := c.NewWorkerPool(count)
				if err != nil {
					return err
				}

				log.Printf("Starting %d worker(s)...", count)
				log.Println("Press Ctrl+C to shut down gracefully.")
				if err := pool.Run(ctx); err != nil {
					return err
				}
				log.Println("All workers have shut down. Exiting.")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of workers to start")
	return cmd
}
