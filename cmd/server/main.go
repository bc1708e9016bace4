package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/orderflow/internal/adapter/broker"
	"github.com/rl1809/orderflow/internal/adapter/handler"
	"github.com/rl1809/orderflow/internal/adapter/notify"
	"github.com/rl1809/orderflow/internal/adapter/storage"
	"github.com/rl1809/orderflow/internal/config"
	"github.com/rl1809/orderflow/internal/core/hub"
	"github.com/rl1809/orderflow/internal/core/queue"
	"github.com/rl1809/orderflow/internal/core/service"
	"github.com/rl1809/orderflow/internal/core/shutdown"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/metrics"
	"github.com/rl1809/orderflow/internal/port"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "orderflow",
		Short:        "Order event processing and realtime notifications",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to a config file (yaml, json, toml)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, gRPC and realtime servers with the job workers and event consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServe(v, migrate)
		},
	}
	serve.Flags().Bool("migrate", false, "create the order tables before serving")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the order tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			store, err := openOrderStore(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema ready\n", cfg.OrderStoreDriver)
			return nil
		},
	}

	root.AddCommand(serve, migrateCmd, newSessionCmd(v))
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func newSessionCmd(v *viper.Viper) *cobra.Command {
	session := &cobra.Command{Use: "session", Short: "Manage realtime and API bearer tokens"}
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			token, _ := cmd.Flags().GetString("token")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if user == "" {
				return errors.New("--user is required")
			}
			if token == "" {
				token = uuid.NewString()
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			rdb := newRedis(cfg)
			defer rdb.Close()
			if err := storage.NewRedisAdapter(rdb).PutSession(cmd.Context(), token, user, ttl); err != nil {
				return fmt.Errorf("store session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	create.Flags().String("user", "", "user id the token resolves to")
	create.Flags().String("token", "", "token value (generated when empty)")
	create.Flags().Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	session.AddCommand(create)
	return session
}

func runServe(v *viper.Viper, migrate bool) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	store, err := openOrderStore(ctx, cfg, migrate)
	if err != nil {
		return err
	}
	log.Info("connected to order store", map[string]any{"driver": cfg.OrderStoreDriver})

	rdb := newRedis(cfg)
	if err := rdb.Ping(ctx).Err(); err != nil {
		store.Close()
		return fmt.Errorf("connect redis: %w", err)
	}
	log.Info("connected to redis", map[string]any{"addr": cfg.RedisAddr})
	redisAdapter := storage.NewRedisAdapter(rdb)

	producer := broker.NewProducer(cfg.KafkaBrokers, cfg.PublishTimeout, m)
	jobs := queue.New(redisAdapter, producer, queue.Options{
		Workers:         cfg.Queue.Workers,
		PollInterval:    cfg.Queue.PollInterval,
		Lease:           cfg.Queue.Lease,
		BackoffBase:     cfg.Queue.BackoffBase,
		BackoffMax:      cfg.Queue.BackoffMax,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		ReapInterval:    cfg.Queue.ReapInterval,
		DeadLetterTopic: cfg.TopicOrders,
	}, log, m)
	realtime := hub.New(store, redisAdapter, cfg.PushBuffer, log, m)

	svc := service.NewOrderService(service.Deps{
		Orders:      store,
		Publisher:   producer,
		Jobs:        jobs,
		Notifier:    realtime,
		Idempotency: redisAdapter,
		Sender:      notify.NewLogSender(log),
		OrderTopic:  cfg.TopicOrders,
		Log:         log,
		Metrics:     m,
	})
	for jobType, h := range svc.JobHandlers() {
		jobs.RegisterProcessor(jobType, h)
	}

	router, err := service.NewEventRouter(svc, service.RouterOptions{
		DedupeSize:     cfg.ConsumerDedupeItems,
		OrderTopic:     cfg.TopicOrders,
		PaymentTopic:   cfg.TopicPayments,
		InventoryTopic: cfg.TopicInventory,
	}, log)
	if err != nil {
		return err
	}
	consumer := broker.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID,
		[]string{cfg.TopicOrders, cfg.TopicPayments, cfg.TopicInventory},
		broker.ConsumerOptions{MaxBackoff: cfg.ConsumerMaxBackoff}, log, m)

	wsHandler := handler.NewWSHandler(realtime, handler.WSOptions{
		HandshakeTimeout: cfg.HandshakeTimeout,
		MsgRate:          cfg.ClientMsgRate,
		MsgBurst:         cfg.ClientMsgBurst,
	}, log)
	httpHandler := handler.NewHTTPHandler(svc, redisAdapter, wsHandler, reg, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcHandler := handler.NewGRPCHandler(svc, redisAdapter, log)
	grpcServer := grpcHandler.NewServer()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	if err := jobs.Start(); err != nil {
		return err
	}
	log.Info("started job workers", map[string]any{"workers": cfg.Queue.Workers})
	if err := consumer.Subscribe(router.Handle); err != nil {
		return err
	}
	log.Info("subscribed to topics", map[string]any{"group": cfg.KafkaGroupID})

	coordinator := shutdown.New(log)
	coordinator.Add("stop inbound traffic", cfg.Shutdown.Inbound, func(ctx context.Context) error {
		httpHandler.SetShuttingDown()
		grpcHandler.SetShuttingDown()
		realtime.StopAccepting()
		err := httpServer.Shutdown(ctx)
		return errors.Join(err, stopGRPC(ctx, grpcServer))
	})
	coordinator.Add("stop event consumer", cfg.Shutdown.Consumer, consumer.Stop)
	coordinator.Add("drain job workers", cfg.Shutdown.Workers, jobs.Stop)
	coordinator.Add("close realtime connections", cfg.Shutdown.Connections, realtime.Close)
	coordinator.Add("close producer", cfg.Shutdown.Producer, func(context.Context) error {
		return producer.Close()
	})
	coordinator.Add("close stores", cfg.Shutdown.Stores, func(context.Context) error {
		return errors.Join(rdb.Close(), store.Close())
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", map[string]any{"addr": cfg.HTTPAddr})
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("gRPC server listening", map[string]any{"addr": cfg.GRPCAddr})
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", map[string]any{"budget": coordinator.Budget().String()})
		if err := coordinator.Run(context.Background()); err != nil {
			return err
		}
		log.Info("shutdown complete", nil)
		return nil
	})
	return g.Wait()
}

type orderStore interface {
	port.OrderRepository
	Ping(ctx context.Context) error
	Close() error
}

func openOrderStore(ctx context.Context, cfg config.Config, migrate bool) (orderStore, error) {
	switch cfg.OrderStoreDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.OrderStoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if migrate {
			if err := storage.MigratePostgres(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return storage.NewPostgresAdapter(pool), nil
	default:
		db, err := sql.Open("mysql", cfg.OrderStoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		if migrate {
			if err := storage.MigrateMySQL(ctx, db); err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate mysql: %w", err)
			}
		}
		return storage.NewMySQLAdapter(db), nil
	}
}

func newRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
}

// stopGRPC drains in-flight RPCs, forcing the stop once ctx expires.
func stopGRPC(ctx context.Context, s *grpc.Server) error {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
}
