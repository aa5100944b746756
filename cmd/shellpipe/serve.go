package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellpipe/internal/api"
	"github.com/nerrad567/shellpipe/internal/bridge"
	"github.com/nerrad567/shellpipe/internal/infrastructure/config"
	"github.com/nerrad567/shellpipe/internal/infrastructure/database"
	"github.com/nerrad567/shellpipe/internal/infrastructure/influxdb"
	"github.com/nerrad567/shellpipe/internal/infrastructure/logging"
	"github.com/nerrad567/shellpipe/internal/infrastructure/mqtt"
	"github.com/nerrad567/shellpipe/internal/journal"
	"github.com/nerrad567/shellpipe/migrations"
	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

// startupHealthTimeout bounds the health check run once everything is up.
const startupHealthTimeout = 5 * time.Second

func (a *app) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the shell behind the HTTP API and MQTT bridge",
		Long: `Serve starts the shell and keeps it running until interrupted. The HTTP
API is always started; the MQTT bridge, statement journal and InfluxDB
metrics follow the configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), a.cfg)
		},
	}
}

// serve wires every component and blocks until ctx is cancelled or the
// shell fails. Components are torn down in reverse start order.
func serve(ctx context.Context, cfg *config.Config) error { //nolint:gocognit,gocyclo // startup wiring is sequential
	log := logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // nothing left to report to
	log.Info("starting shellpipe", "version", version, "commit", commit, "build_date", date)

	// Journal database (optional)
	var db *database.DB
	var repo journal.Repository
	if cfg.Journal.Enabled {
		var err error
		db, err = database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening journal database: %w", err)
		}
		defer func() {
			log.Info("closing journal database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing journal database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		repo = journal.NewSQLiteRepository(db.DB)
		log.Info("journal enabled", "path", cfg.Database.Path)
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		var err error
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var err error
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	}

	hub := api.NewHub(cfg.API.WebSocket, log.With("component", "websocket"))

	// Recorder fans completions out to the journal, InfluxDB, MQTT events
	// and the WebSocket feed.
	recOpts := journal.Options{
		Repository:        repo,
		Logger:            log.With("component", "journal"),
		QueueSize:         cfg.Journal.QueueSize,
		StatementMaxBytes: cfg.Journal.StatementMaxBytes,
		Events:            []journal.EventPublisher{hub},
	}
	if influxClient != nil {
		recOpts.Metrics = influxClient
	}
	if mqttClient != nil && cfg.Journal.PublishEvents {
		recOpts.Events = append(recOpts.Events, mqttClient)
	}
	recorder := journal.NewRecorder(recOpts)
	defer recorder.Close()

	shell, err := shellpipe.Open(ctx, shellConfig(cfg.Shell),
		shellpipe.WithLogger(log.With("component", "shell")),
		shellpipe.WithObserver(recorder.Record),
	)
	if err != nil {
		return fmt.Errorf("opening shell: %w", err)
	}
	defer func() {
		log.Info("closing shell")
		if closeErr := shell.Close(); closeErr != nil {
			log.Error("error closing shell", "error", closeErr)
		}
	}()
	if err := shell.Err(); err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}

	deps := api.Deps{
		Config:   cfg.API,
		Logger:   log.With("component", "api"),
		Shell:    shell,
		Recorder: recorder,
		Hub:      hub,
		Version:  version,
	}
	if repo != nil {
		deps.Journal = repo
	}
	var br *bridge.Bridge
	if mqttClient != nil {
		deps.MQTT = mqttClient
		br, err = bridge.New(bridge.Options{
			MQTT:           mqttClient,
			Executor:       shell,
			Logger:         log.With("component", "bridge"),
			RequestTimeout: cfg.Shell.RequestTimeout,
		})
		if err != nil {
			return fmt.Errorf("creating MQTT bridge: %w", err)
		}
		deps.Bridge = br
	}
	if influxClient != nil {
		deps.InfluxDB = influxClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	if cfg.API.Auth.JWTSecret == "" {
		log.Warn("API authentication disabled; set api.auth.jwt_secret to enable it")
	}

	if br != nil {
		if err := br.Start(); err != nil {
			return fmt.Errorf("starting MQTT bridge: %w", err)
		}
		defer br.Stop()
		log.Info("MQTT bridge started", "requests", mqttClient.Topics().Requests())
	}

	healthCtx, cancel := context.WithTimeout(ctx, startupHealthTimeout)
	err = healthCheck(healthCtx, db, mqttClient, influxClient)
	cancel()
	if err != nil {
		log.Warn("startup health check failed", "error", err)
	}

	log.Info("shellpipe ready", "api", server.Addr(), "pid", shell.PID())

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return nil
	case <-shell.Done():
		if err := shell.Err(); err != nil && !errors.Is(err, shellpipe.ErrClosed) {
			return fmt.Errorf("shell stopped: %w", err)
		}
		return nil
	}
}

// healthCheck verifies the optional backends are reachable.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	var errs []error
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("journal database: %w", err))
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("influxdb: %w", err))
		}
	}
	return errors.Join(errs...)
}
