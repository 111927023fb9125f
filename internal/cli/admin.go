package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"storf/internal/app"
	"storf/internal/auth"
	"storf/internal/models"
)

func StatsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and live workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(load, func(ctx context.Context, c *app.Container) error {
				counts, err := c.Queue.Counts(ctx)
				if err != nil {
					return err
				}
				workers, err := c.Queue.ActiveWorkers(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STATE\tENTRIES")
				for _, s := range []models.QueueState{models.QueueWaiting, models.QueueActive, models.QueueDelayed, models.QueueCompleted, models.QueueFailed} {
					fmt.Fprintf(tw, "%s\t%d\n", s, counts[s])
				}
				tw.Flush()

				fmt.Fprintf(out, "\n%d live worker(s)\n", len(workers))
				tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, w := range workers {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s ago\n", w.ID, w.Status, w.CurrentJobID, time.Since(w.LastHeartbeat).Round(time.Second))
				}
				return tw.Flush()
			})
		},
	}
}

func SweepCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply the retention rules once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(load, func(ctx context.Context, c *app.Container) error {
				report, err := c.NewSweeper().RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func HashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash to use as admin.password_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("password must not be empty")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
