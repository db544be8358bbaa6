package main

import (
	"context"

	"github.com/matchops/localsync/internal/config"
	"github.com/matchops/localsync/internal/db"
	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/services"
	"github.com/matchops/localsync/internal/sync"
	"github.com/matchops/localsync/internal/sync/connectivity"
	"github.com/matchops/localsync/internal/sync/httpremote"
	"github.com/matchops/localsync/internal/sync/queue"
	"github.com/matchops/localsync/internal/sync/s3"
	"github.com/matchops/localsync/internal/telemetry"
)

// app is the wired sync subsystem shared by every command.
type app struct {
	cfg      *config.Config
	database *db.DB
	repo     *db.Repository
	queue    *queue.Queue
	engine   *sync.Engine
	entities *services.EntityService
	counters *telemetry.Counters

	conn   connectivity.Source
	prober *connectivity.Prober
	remote sync.RemoteStore
}

// openApp opens the local database and wires the engine. Entries left
// in-flight by a crash go back to pending before anything else runs.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open local database", err)
	}

	q := queue.New(database.DB, queue.WithConfig(cfg.QueueConfig()))
	if _, err := q.RecoverInFlight(ctx); err != nil {
		database.Close()
		return nil, err
	}

	remote, prober, err := buildRemote(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		database: database,
		repo:     db.NewRepository(database.DB),
		queue:    q,
		counters: telemetry.NewCounters(),
		remote:   remote,
		prober:   prober,
	}
	if prober != nil {
		a.conn = prober
	} else {
		a.conn = connectivity.NewManual(false)
	}

	a.engine, err = sync.NewEngine(sync.Options{
		Queue:        q,
		Remote:       remote,
		Local:        a.repo,
		Connectivity: a.conn,
		ConflictLogs: a.repo,
		Recorder:     a.counters,
		Config:       cfg.EngineConfig(),
	})
	if err != nil {
		database.Close()
		return nil, err
	}
	a.entities = services.NewEntityService(a.repo, q, services.WithNudger(a.engine))
	a.engine.Refresh(ctx)
	return a, nil
}

// probe runs one connectivity check so one-shot commands see the real state.
func (a *app) probe(ctx context.Context) bool {
	if a.prober == nil {
		return false
	}
	return a.prober.Check(ctx)
}

func (a *app) Close() {
	if a.prober != nil {
		a.prober.Stop()
	}
	a.engine.Stop()
	a.engine.Wait()
	if err := a.repo.Close(); err != nil {
		logging.Warn("Failed to close statements", map[string]interface{}{"error": err.Error()})
	}
	if err := a.database.Close(); err != nil {
		logging.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
	}
}

// buildRemote creates the configured remote store and its connectivity
// prober. Without a remote the subsystem runs local-only and stays offline.
func buildRemote(cfg *config.Config) (sync.RemoteStore, *connectivity.Prober, error) {
	interval, timeout := cfg.Sync.ProbeInterval, cfg.Sync.RemoteTimeout

	switch cfg.Remote.Kind {
	case config.RemoteHTTP:
		h := cfg.Remote.HTTP
		client, err := httpremote.New(httpremote.Config{
			BaseURL:           h.URL,
			Token:             h.Token,
			Secret:            h.Secret,
			DeviceID:          h.DeviceID,
			Timeout:           timeout,
			RequestsPerSecond: h.RequestsPerSecond,
			Burst:             h.Burst,
			AtomicBatch:       h.AtomicBatch,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, connectivity.NewProber(client.HealthURL(), interval, timeout), nil

	case config.RemoteS3:
		client, err := s3.NewProviderClient(cfg.S3ProviderConfig())
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrConfig, "invalid s3 remote", err)
		}
		remote := s3.NewRemote(client, cfg.Remote.S3.Prefix)
		return remote, connectivity.NewPingProber("s3://"+client.Bucket(), client.Ping, interval, timeout), nil

	default:
		return localOnly{}, nil, nil
	}
}

// localOnly stands in for the remote when none is configured. Its
// connectivity source is permanently offline so it is never called.
type localOnly struct{}

func (localOnly) err() error {
	return apperrors.New(apperrors.ErrSyncNotConfigured, "no remote store configured")
}

func (l localOnly) Apply(context.Context, *models.SyncOperation) error     { return l.err() }
func (l localOnly) Overwrite(context.Context, *models.SyncOperation) error { return l.err() }
func (l localOnly) Fetch(context.Context, models.EntityType, string) (*models.RemoteEntity, error) {
	return nil, l.err()
}
