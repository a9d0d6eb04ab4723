package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/logger"
	"github.com/ruralpay/ledger/internal/metrics"
	"github.com/ruralpay/ledger/internal/notify"
	"github.com/ruralpay/ledger/internal/services"
	"go.uber.org/zap"
)

// runtime is the process-wide wiring shared by every command.
type runtime struct {
	cfg     *config.Config
	dbCfg   *database.DBConfig
	logger  *zap.Logger
	db      *sql.DB
	rdb     *redis.Client
	metrics *metrics.Collector
}

func newRuntime(ctx context.Context, withRedis bool) (*runtime, error) {
	cfg := config.Load()

	log, err := logger.New(cfg.Log.Level, cfg.Log.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	dbCfg := database.GetConfig()
	db, err := database.InitDB(ctx, dbCfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		dbCfg:   dbCfg,
		logger:  log,
		db:      db,
		metrics: metrics.NewCollector(),
	}
	if withRedis {
		rt.rdb = database.InitRedis(ctx, log)
	}
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.rdb != nil {
		rt.rdb.Close()
	}
	rt.db.Close()
	rt.logger.Sync()
}

// dispatcher builds the synchronous delivery path: templates, a breaker
// around the mail relay and bounded retries.
func (rt *runtime) dispatcher() (*notify.Dispatcher, error) {
	catalog, err := notify.LoadCatalog(rt.cfg.Notify.TemplatesPath)
	if err != nil {
		return nil, err
	}

	var transport notify.Transport
	switch rt.cfg.Log.Environment {
	case "local", "development":
		transport = &notify.LogTransport{Logger: rt.logger.Named("mail")}
	default:
		transport = &notify.SMTPTransport{
			Host:     rt.cfg.SMTP.Host,
			Port:     rt.cfg.SMTP.Port,
			Username: rt.cfg.SMTP.Username,
			Password: rt.cfg.SMTP.Password,
			From:     rt.cfg.SMTP.From,
		}
	}
	transport = notify.NewBreakerTransport(transport, rt.cfg.SMTP.BreakerFailures, rt.cfg.SMTP.BreakerTimeout, rt.logger)

	return notify.NewDispatcher(catalog, transport, notify.DispatcherOptions{
		MaxAttempts: rt.cfg.Notify.MaxAttempts,
		RetryDelay:  rt.cfg.Notify.RetryDelay,
	}, rt.logger, rt.metrics), nil
}

// notifier picks the queue when Redis is reachable and queue mode is on,
// falling back to synchronous delivery otherwise.
func (rt *runtime) notifier(d *notify.Dispatcher) services.Notifier {
	if rt.cfg.Notify.Mode == "queue" && rt.rdb != nil {
		return notify.NewQueue(rt.rdb, d, rt.logger)
	}
	if rt.cfg.Notify.Mode == "queue" {
		rt.logger.Warn("redis unavailable, delivering notifications synchronously")
	}
	return d
}

func listenAddr(port string) string {
	return net.JoinHostPort("", port)
}
