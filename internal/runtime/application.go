// Package runtime wires configuration, persistence, the event mirror, the
// assembled application and the HTTP server into one runnable unit.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/StellarGuilds/multisig_layer/internal/app"
	"github.com/StellarGuilds/multisig_layer/internal/config"
	"github.com/StellarGuilds/multisig_layer/internal/events"
	"github.com/StellarGuilds/multisig_layer/internal/httpapi"
	"github.com/StellarGuilds/multisig_layer/internal/storage/postgres"
	"github.com/StellarGuilds/multisig_layer/pkg/logger"
)

// Application owns the process-level dependencies.
type Application struct {
	cfg    *config.Config
	log    *logger.Logger
	app    *app.Application
	server *http.Server
	db     *sqlx.DB
	rdb    *redis.Client
}

// NewApplication builds the full runtime from configuration. An empty
// database URL runs on the in-memory store; an empty Redis address disables
// the event mirror.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	var (
		db     *sqlx.DB
		stores app.Stores
	)
	if cfg.Database.URL != "" {
		db, err = openDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if cfg.Database.Migrate {
			if err := postgres.Migrate(db); err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		pg := postgres.New(db)
		stores = app.Stores{Accounts: pg, Policies: pg, Operations: pg}
		log.Info("using postgres store")
	} else {
		log.Info("no database configured, using in-memory store")
	}

	var (
		rdb       *redis.Client
		publisher events.Publisher
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		publisher = events.NewRedisPublisher(rdb, cfg.Redis.Channel, log.Named("events-redis"))
		log.WithField("channel", cfg.Redis.Channel).Info("redis event mirror enabled")
	}

	application, err := app.New(app.Options{
		Stores:        stores,
		Publisher:     publisher,
		SweepInterval: cfg.Sweeper.Interval,
		SweepSchedule: cfg.Sweeper.Schedule,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble application: %w", err)
	}

	handler, err := httpapi.NewHandler(application, httpapi.Options{
		JWTSecret:         []byte(cfg.Server.JWTSecret),
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		AuditMax:          cfg.Audit.Max,
		AuditFile:         cfg.Audit.File,
		Log:               log.Named("httpapi"),
	})
	if err != nil {
		return nil, fmt.Errorf("build http handler: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:    cfg,
		log:    log,
		app:    application,
		server: server,
		db:     db,
		rdb:    rdb,
	}, nil
}

// Run starts the application and the HTTP server, and blocks until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the HTTP server, stops the services and closes the
// process-level connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("http server shutdown")
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("service shutdown")
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
