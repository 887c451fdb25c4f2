package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/api"
	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/lock"
	"github.com/songzhibin97/approval-engine/registry"
	"github.com/songzhibin97/approval-engine/sink"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
)

type integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// newGenerator builds a snowflake generator for machineID.
func newGenerator[T integer, G generator.Generator](newFn func(time.Time, T) G, machineID int) generator.Generator {
	return newFn(time.Now().Add(-1*time.Second), T(machineID))
}

func newLogger(conf *config.Configuration) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if conf.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(conf.Log.Level)
	if err != nil {
		logger.WithError(err).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// lifecycleLogger logs the terminal and exceptional transitions.
func lifecycleLogger(logger logrus.FieldLogger) events.EventHandlerFunc {
	return func(_ context.Context, ev events.Event) error {
		entry := logger.WithFields(logrus.Fields{
			"event":       ev.Type,
			"instance_id": ev.InstanceID,
			"module_type": ev.ModuleType,
			"module_id":   ev.ModuleID,
			"node":        ev.NodeKey,
			"actor_id":    ev.ActorID,
		})
		if events.Terminal(ev.Type) {
			entry.Info("approval finished")
		} else {
			entry.Warn("approval needs attention")
		}
		return nil
	}
}

func main() {
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment is read")
	configFile := flag.String("config", "config.yml", "YAML configuration file")
	flag.Parse()

	conf, err := config.Load(*envFile, *configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "approvald:", err)
		os.Exit(1)
	}
	logger := newLogger(conf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, logger); err != nil {
		logger.WithError(err).Fatal("approvald stopped")
	}
}

func run(ctx context.Context, conf *config.Configuration, logger *logrus.Logger) error {
	db, err := storage.OpenMySQL(ctx, storage.MySQLOptions{
		Addr:            conf.Database.Addr,
		User:            conf.Database.User,
		Password:        conf.Database.Password,
		Database:        conf.Database.Name,
		MaxOpenConns:    conf.Database.MaxOpenConns,
		MaxIdleConns:    conf.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(conf.Database.ConnMaxLifetime) * time.Second,
		TxRetries:       conf.Database.TxRetries,
	})
	if err != nil {
		return err
	}
	store := storage.NewMySQLStorage(db, conf.Database.TxRetries)
	defer store.Close()
	if conf.Migrate() {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	var (
		definitions storage.DefinitionStore = store
		locker      lock.Locker             = lock.NewLocalLocker()
	)
	if conf.Redis.Addr != "" {
		client, err := storage.NewRedisClient(ctx, storage.RedisOptions{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
			PoolSize: conf.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		cache := storage.NewRedisDefinitionCache(store, client, time.Duration(conf.Redis.CacheTTL)*time.Second)
		if err := cache.Warm(ctx, types.ModuleTypes()...); err != nil {
			logger.WithError(err).Warn("warm definition cache failed")
		}
		definitions = cache
		locker = lock.NewRedisLocker(client, time.Duration(conf.Redis.LockTTL)*time.Second, lock.WithLogger(logger))
	} else {
		logger.Warn("redis not configured, module locks are local to this process")
	}

	gen := newGenerator(generator.NewSnowflake, conf.Engine.MachineID)
	reg := registry.New(definitions, gen,
		registry.WithAmountField(conf.Engine.AmountField),
		registry.WithLogger(logger),
	)

	policy := workflow.SkipEmpty
	if conf.Engine.EmptyAssignees == "fail" {
		policy = workflow.FailEmpty
	}
	bus := events.NewEventBus(
		events.WithBufferSize(1000),
		events.WithLogger(logger),
		events.WithHandlerTimeout(10*time.Second),
	)
	engine, err := workflow.New(gen, store, reg, directory.NewMySQL(db),
		workflow.WithStatusSink(sink.NewMySQLStatusSink(db, nil)),
		workflow.WithNotificationSink(sink.NewMySQLTodoSink(db)),
		workflow.WithLocker(locker),
		workflow.WithLogger(logger),
		workflow.WithEmptyAssigneePolicy(policy),
		workflow.WithEventBus(bus),
	)
	if err != nil {
		return err
	}
	defer engine.Stop()
	for _, typ := range []string{events.InstanceCompleted, events.InstanceRejected, events.InstanceWithdrawn, events.TransitionStuck, events.SinkFailed} {
		engine.SubscribeEvent(typ, lifecycleLogger(logger))
	}

	auth := api.NewAuthenticator([]byte(conf.Auth.JWTSecret), conf.Auth.Issuer)
	handler := api.NewHandler(engine, api.WithCallbackSecret(conf.Auth.CallbackSecret), api.WithLogger(logger))
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.HTTP.ListenAddr, conf.HTTP.Port),
		Handler:           api.NewRouter(handler, auth),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("approvald listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve http")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
