package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/maxpert/vaultsync/admin"
	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/changestream"
	"github.com/maxpert/vaultsync/controller"
	"github.com/maxpert/vaultsync/eventlog"
	"github.com/maxpert/vaultsync/extractor"
	_ "github.com/maxpert/vaultsync/extractor/file"
	_ "github.com/maxpert/vaultsync/extractor/mysql"
	_ "github.com/maxpert/vaultsync/extractor/postgres"
	_ "github.com/maxpert/vaultsync/extractor/sqlite"
	"github.com/maxpert/vaultsync/hlc"
	"github.com/maxpert/vaultsync/notify"
	"github.com/maxpert/vaultsync/reconciler"
	"github.com/maxpert/vaultsync/telemetry"
	"github.com/maxpert/vaultsync/vault"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Str("role", cfg.Config.Role).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("vaultsync - Data Vault schema propagation")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("vaultsync stopped")
	}
	log.Info().Msg("vaultsync stopped")
}

func hasRole(role string) bool {
	return cfg.Config.Role == cfg.RoleAll || cfg.Config.Role == role
}

func run(ctx context.Context) error {
	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancel()
	}

	var eventLog *eventlog.Log
	if hasRole(cfg.RoleEventLog) {
		log.Info().Str("dir", cfg.EventLogDir()).Msg("Opening event log")
		l, err := eventlog.Open(cfg.EventLogDir(), notify.NewHub())
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer l.Close()
		eventLog = l

		server := eventlog.NewServer(l, eventlog.ServerConfig{
			MaxReadBatch:   cfg.Config.EventLog.MaxReadBatch,
			LongPollMax:    cfg.Millis(cfg.Config.EventLog.LongPollMaxMS),
			MaxRequestSize: cfg.Config.EventLog.MaxRequestSize,
		})
		addr := net.JoinHostPort(cfg.Config.EventLog.BindAddress, fmt.Sprint(cfg.Config.EventLog.Port))
		if err := server.Start(addr); err != nil {
			return fmt.Errorf("start event log server: %w", err)
		}
		defer shutdown(server.Shutdown)
	}

	client := eventlog.NewClient(cfg.Config.Controller.EventLogURL, eventlog.ClientConfig{
		Timeout:  cfg.Millis(cfg.Config.Controller.RequestTimeoutMS),
		LongPoll: cfg.Millis(cfg.Config.Controller.LongPollMS),
	})

	needsVault := hasRole(cfg.RoleController) || (hasRole(cfg.RoleConsumer) && cfg.Config.ChangeStream.Enabled)
	var store *vault.SQLStore
	if needsVault {
		log.Info().Str("driver", cfg.Config.Vault.Driver).Msg("Opening vault")
		s, err := vault.Open(vault.Options{
			Driver:        cfg.Config.Vault.Driver,
			DSN:           cfg.VaultDSN(),
			BusyTimeoutMS: cfg.Config.Vault.BusyTimeoutMS,
			WriteTimeout:  cfg.Millis(cfg.Config.Vault.WriteTimeoutMS),
			Clock:         hlc.NewClock(cfg.Config.NodeID),
		})
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
		defer s.Close()
		store = s
	}

	var pipeline *changestream.Pipeline
	if cfg.Config.ChangeStream.Enabled && (hasRole(cfg.RoleController) || hasRole(cfg.RoleConsumer)) {
		p, closeTransport, err := newPipeline(store)
		if err != nil {
			return err
		}
		defer closeTransport()
		pipeline = p
	}

	var statuses []admin.StatusReporter
	if hasRole(cfg.RoleController) {
		ctrl, closeCursors, err := newController(client, store, pipeline)
		if err != nil {
			return err
		}
		defer closeCursors()
		statuses = append(statuses, ctrl)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ctrl.Run(ctx); err != nil {
				fail(fmt.Errorf("controller: %w", err))
			}
		}()
	}

	if hasRole(cfg.RoleConsumer) && pipeline != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("group", cfg.Config.ChangeStream.ConsumerGroup).Msg("Consuming change stream")
			if err := pipeline.ProcessChanges(ctx); err != nil {
				fail(fmt.Errorf("change stream consumer: %w", err))
			}
		}()
	}

	if hasRole(cfg.RoleWatcher) && len(cfg.Config.Sources) > 0 {
		watcher, err := extractor.NewWatcher(cfg.Config.Sources, client)
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		defer watcher.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	var parked telemetry.ParkedCounter
	if store != nil {
		parked = store
	}
	var head telemetry.HeadReader
	var adminHead admin.HeadReader
	if eventLog != nil {
		head, adminHead = eventLog, eventLog
	}
	collector := telemetry.NewMetricsCollector(parked, head, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		var vaultStore vault.Store
		if store != nil {
			vaultStore = store
		}
		router := admin.NewRouter(
			admin.NewAdminHandlers(vaultStore, adminHead, statuses...),
			cfg.Config.Admin.Secret,
			telemetry.GetMetricsHandler(),
		)
		srv, err := startHTTP(net.JoinHostPort(cfg.Config.Admin.BindAddress, fmt.Sprint(cfg.Config.Admin.Port)), router)
		if err != nil {
			return fmt.Errorf("start admin listener: %w", err)
		}
		defer shutdown(srv.Shutdown)
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Msg("vaultsync started")

	<-ctx.Done()
	wg.Wait()
	return runErr
}

func newPipeline(store *vault.SQLStore) (*changestream.Pipeline, func(), error) {
	transport, err := changestream.NewTransport(cfg.Config.ChangeStream)
	if err != nil {
		return nil, nil, fmt.Errorf("create change stream transport: %w", err)
	}
	codec, err := changestream.NewCodec(cfg.Config.ChangeStream.Format)
	if err != nil {
		transport.Close()
		return nil, nil, err
	}

	config := changestream.PipelineConfig{
		Transport:       transport,
		Codec:           codec,
		Group:           cfg.Config.ChangeStream.ConsumerGroup,
		RetryInitial:    cfg.Millis(cfg.Config.ChangeStream.RetryInitialMS),
		RetryMax:        cfg.Millis(cfg.Config.ChangeStream.RetryMaxMS),
		RetryMultiplier: cfg.Config.ChangeStream.RetryMultiplier,
	}
	if store != nil {
		config.Store = store
	}
	p, err := changestream.NewPipeline(config)
	if err != nil {
		transport.Close()
		return nil, nil, err
	}

	log.Info().
		Str("transport", cfg.Config.ChangeStream.Transport).
		Str("topic", cfg.Config.ChangeStream.Topic).
		Str("format", codec.Name()).
		Msg("Change stream enabled")
	return p, func() { transport.Close() }, nil
}

func newController(client *eventlog.Client, store *vault.SQLStore, pipeline *changestream.Pipeline) (*controller.Controller, func(), error) {
	rec := reconciler.New(store, reconciler.NewMappings(cfg.Config.Reconciler.KeyMappings))
	schemaHandler, err := reconciler.NewSchemaHandler(rec, store, cfg.Config.Reconciler.SnapshotCacheSize)
	if err != nil {
		return nil, nil, err
	}

	handlers := map[eventlog.Kind]controller.Handler{
		eventlog.KindSchemaChanged: schemaHandler,
	}
	if pipeline != nil {
		handlers[eventlog.KindRowChanged] = changestream.NewRowHandler(pipeline)
	}

	cursors, err := controller.OpenCursorStore(cfg.CursorDir())
	if err != nil {
		return nil, nil, fmt.Errorf("open cursor store: %w", err)
	}

	ctrl, err := controller.New(controller.Config{
		Name:           cfg.Config.Controller.Name,
		Source:         client,
		Cursors:        cursors,
		Handlers:       handlers,
		PollInterval:   cfg.Millis(cfg.Config.Controller.PollIntervalMS),
		RetryBackoff:   cfg.Millis(cfg.Config.Controller.RetryBackoffMS),
		RequestTimeout: cfg.Millis(cfg.Config.Controller.RequestTimeoutMS),
		HandlerTimeout: cfg.Millis(cfg.Config.Controller.HandlerTimeoutMS),
		BatchSize:      cfg.Config.Controller.BatchSize,
		// Pick up key mappings added while tables were parked
		OnStart: func(ctx context.Context) error {
			_, err := schemaHandler.RetryParked(ctx)
			return err
		},
	})
	if err != nil {
		cursors.Close()
		return nil, nil, err
	}
	return ctrl, func() { cursors.Close() }, nil
}

func startHTTP(addr string, handler http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin listener failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("Admin listener started")
	return srv, nil
}

func shutdown(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown did not complete cleanly")
	}
}
