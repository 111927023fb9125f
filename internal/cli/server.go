package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"storf/internal/app"
	"storf/internal/worker"
)

func ServerCmd(load configLoader) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the HTTP API and run the retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(load, func(ctx context.Context, c *app.Container) error {
				if !cmd.Flags().Changed("workers") {
					workers = c.Config.Server.Workers
				}
				return runServer(ctx, c, workers)
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "workers to run inside the server process")
	return cmd
}

func runServer(ctx context.Context, c *app.Container, workers int) error {
	server, hub, err := c.NewServer()
	if err != nil {
		return err
	}

	var pool *worker.Pool
	if workers > 0 {
		if pool, err = c.NewWorkerPool(workers); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              c.Config.Server.Address,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error { return hub.Forward(ctx, c.Bus) })
	g.Go(func() error { return c.Status.Watch(ctx, c.Bus) })
	g.Go(func() error { return c.NewSweeper().Start(ctx) })

	if pool != nil {
		log.Printf("Starting %d in-process worker(s)", workers)
		g.Go(func() error { return pool.Run(ctx) })
	}

	g.Go(func() error {
		log.Printf("Starting HTTP server on %s", httpServer.Addr)
		log.Printf("WebSocket endpoint: ws://%s/ws", httpServer.Addr)
		log.Printf("REST API endpoint: http://%s/api", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Println("Shutting down HTTP server...")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
