package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/quenlab/qce/am"
	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/db"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/logger"
	"github.com/quenlab/qce/resource"
	"github.com/quenlab/qce/schedule"
	"github.com/quenlab/qce/task"
)

// engine bundles everything a command needs to run exports.
type engine struct {
	cfg       *am.Config
	db        *sql.DB
	tasks     *task.Store
	schedules *schedule.Store
	resStore  *resource.Store
	adapter   bridge.Adapter
	orch      *task.Orchestrator
}

func (e *engine) close() {
	e.tasks.Close()
	e.db.Close()
}

// loadConfig honors the --config flag, falling back to the profile
// directory lookup.
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return am.LoadFromFile(path)
	}
	return am.Load()
}

// openEngine loads config, prepares the storage layout, opens and migrates
// the database, and wires the orchestrator.
func openEngine(cmd *cobra.Command) (*engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := cfg.EnsureLayout(); err != nil {
		return nil, errors.Wrap(err, "prepare storage layout")
	}

	database, err := db.Open(cfg.Storage.DBPath, logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, err
	}

	resStore, err := resource.NewStore(cfg.ResourcesDir())
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "open resource store")
	}

	adapter := bridge.NewClient(cfg.Bridge.BaseURL, cfg.Bridge.Token, cfg.BridgeTimeout(), logger.Logger)
	tasks := task.NewStore(database, logger.Logger)
	schedules := schedule.NewStore(database, logger.Logger)

	return &engine{
		cfg:       cfg,
		db:        database,
		tasks:     tasks,
		schedules: schedules,
		resStore:  resStore,
		adapter:   adapter,
	}, nil
}

// withOrchestrator attaches an orchestrator using the given broadcaster
// (nil for CLI one-shots).
func (e *engine) withOrchestrator(broadcaster task.Broadcaster) {
	e.orch = task.NewOrchestrator(e.adapter, e.tasks, e.resStore, broadcaster, task.Config{
		ResourceRoot:        e.cfg.ResourcesDir(),
		ExportsDir:          e.cfg.ExportsDir(),
		MaxConcurrentDLs:    e.cfg.Resource.MaxConcurrentDownloads,
		DownloadTimeout:     e.cfg.DownloadTimeout(),
		HealthCheckInterval: e.cfg.HealthCheckInterval(),
	}, logger.Logger)
}
