// Package app wires configuration into running services.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"storf/internal/api"
	"storf/internal/auth"
	"storf/internal/config"
	"storf/internal/database"
	"storf/internal/events"
	"storf/internal/executor"
	"storf/internal/lock"
	"storf/internal/queue"
	"storf/internal/results"
	"storf/internal/status"
	"storf/internal/storage"
	"storf/internal/store"
	"storf/internal/submission"
	"storf/internal/sweeper"
	"storf/internal/websocket"
	"storf/internal/worker"
)

// Container owns every long-lived client of the process. Close releases
// them.
type Container struct {
	Config      *config.Config
	DB          *gorm.DB
	Redis       *redis.Client
	Storage     *storage.Storage
	Jobs        *store.Store
	Queue       *queue.Queue
	Bus         events.Bus
	Status      *status.Service
	Results     *results.Materializer
	Submissions *submission.Service
	Locker      lock.Locker
}

// NewContainer opens the database, the jobs directory and, when enabled,
// Redis, and builds the services on top of them.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	c := &Container{Config: cfg, DB: db}

	c.Storage, err = storage.NewStorage(cfg.Storage.JobsDir)
	if err != nil {
		c.Close()
		return nil, err
	}

	if cfg.Redis.Enabled {
		c.Redis, err = newRedis(ctx, cfg.Redis)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Bus = events.NewRedisBus(c.Redis, cfg.Redis.Channel)
	} else {
		c.Bus = events.NewLocalBus()
	}

	if database.IsPostgres(db) {
		sqlDB, err := db.DB()
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Locker = lock.NewPostgresLocker(sqlDB)
	} else {
		c.Locker = lock.NewLocalLocker()
	}

	c.Jobs = store.New(db)
	c.Queue = queue.NewQueue(db, queue.Options{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		LeaseTimeout:  cfg.Queue.LeaseTimeout,
		MaxStalled:    cfg.Queue.MaxStalled,
		WorkerTimeout: cfg.Queue.WorkerTimeout,
	})
	c.Results = results.NewMaterializer(c.Jobs, c.Storage)
	c.Status = status.NewService(c.Jobs, c.Queue, c.Results, status.Config{
		CacheTTL:       cfg.Status.CacheTTL,
		StuckThreshold: cfg.Queue.StuckThreshold,
		LogPreview:     cfg.Status.LogPreview,
	})
	c.Submissions = submission.NewService(c.Jobs, c.Queue, c.Storage, c.Bus, submission.Config{
		Mode:           cfg.Storage.Mode,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	})

	log.Printf("Storage: %s (%s mode), database: %s", c.Storage.BasePath(), cfg.Storage.Mode, cfg.Database.Driver)
	return c, nil
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	options := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(options)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Ping checks the database and, when used, Redis.
func (c *Container) Ping(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	if c.Redis != nil {
		return c.Redis.Ping(ctx).Err()
	}
	return nil
}

// NewServer builds the HTTP server and the websocket hub it pushes events
// through. The admin API stays disabled without a JWT secret.
func (c *Container) NewServer() (*api.Server, *websocket.Hub, error) {
	var issuer *auth.Issuer
	if c.Config.Admin.JWTSecret != "" {
		var err error
		issuer, err = auth.NewIssuer(c.Config.Admin.JWTSecret, c.Config.Admin.TokenTTL)
		if err != nil {
			return nil, nil, err
		}
	} else {
		log.Println("Admin API disabled: admin.jwt_secret is not set")
	}

	hub := websocket.NewHub()
	handler := api.NewHandler(api.Deps{
		Submissions:    c.Submissions,
		Status:         c.Status,
		Results:        c.Results,
		Queue:          c.Queue,
		Jobs:           c.Jobs,
		Issuer:         issuer,
		PasswordHash:   c.Config.Admin.PasswordHash,
		MaxUploadBytes: c.Config.MaxUploadBytes(),
		Ping:           c.Ping,
	})
	return api.NewServer(handler, hub), hub, nil
}

// NewWorkerPool builds count workers sharing one executor.
func (c *Container) NewWorkerPool(count int) (*worker.Pool, error) {
	cfg := c.Config
	exec, err := executor.NewExecutor(executor.Config{
		Runtime:     cfg.Worker.Runtime,
		Image:       cfg.Worker.Image,
		Binary:      cfg.Worker.Binary,
		Network:     cfg.Worker.Network,
		JobsDir:     c.Storage.BasePath(),
		HostJobsDir: cfg.Worker.HostJobsDir,
		Timeout:     cfg.Worker.Timeout,
	})
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	hostID, err := worker.HostID(c.Storage.BasePath())
	if err != nil {
		return nil, err
	}

	return worker.NewPool(count, func(i int) *worker.Worker {
		return worker.New(worker.Config{
			ID:                worker.WorkerID(hostname, hostID, i),
			Hostname:          hostname,
			PollInterval:      cfg.Queue.PollInterval,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			LeaseTimeout:      cfg.Queue.LeaseTimeout,
			DrainTimeout:      cfg.Worker.DrainTimeout,
		}, c.Queue, c.Jobs, c.Storage, exec, c.Bus)
	}), nil
}

// NewSweeper builds the retention sweeper. Removed jobs are dropped from the
// status cache.
func (c *Container) NewSweeper() *sweeper.Sweeper {
	q := c.Config.Queue
	s := sweeper.New(c.Queue, c.Jobs, c.Storage, c.Locker, c.Bus, sweeper.Config{
		Schedule: q.SweepSchedule,
		Retention: queue.RetentionPolicy{
			CompletedAge:  q.RetainCompleted,
			CompletedKeep: q.RetainCompletedCount,
			FailedAge:     q.RetainFailed,
		},
		PendingMaxAge: q.PendingMaxAge,
		JobRetention:  q.JobRetention,
	})
	s.OnRemove(c.Status.Forget)
	return s
}

// Close releases the event bus, Redis and the database.
func (c *Container) Close() error {
	var errs []error
	if c.Bus != nil {
		errs = append(errs, c.Bus.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, database.Close(c.DB))
	}
	return errors.Join(errs...)
}
