package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/kartlab/escd/internal/config"
	"github.com/kartlab/escd/internal/database"
	"github.com/kartlab/escd/internal/storage"
	gormstorage "github.com/kartlab/escd/internal/storage/gorm"
	stormstorage "github.com/kartlab/escd/internal/storage/storm"
	"github.com/kartlab/escd/pkg/core"
)

// journal is the configured storage backend plus whatever it holds open.
type journal struct {
	backend  storage.Backend
	db       *database.Manager
	dumpPath string
}

// Close ends the session and, for a SQLite journal with a dump path, writes a
// vacuumed copy before the database is closed.
func (j *journal) Close() error {
	err := j.backend.Close()
	if j.db == nil {
		return err
	}
	if j.dumpPath != "" && j.db.UsingSQLite {
		if derr := database.DumpToFile(j.db.DB, j.dumpPath); derr != nil {
			err = multierr.Append(err, derr)
		} else {
			Logger.Info("Journal dumped", "path", j.dumpPath)
		}
	}
	return multierr.Append(err, j.db.Close())
}

// querier returns the journal's read side, or nil when the backend cannot read back.
func (j *journal) querier() storage.Querier {
	if j == nil {
		return nil
	}
	if q, ok := j.backend.(storage.Querier); ok {
		return q
	}
	return nil
}

func initStorage(storageCfg config.StorageConfig, deviceType string, motors []core.MotorProfile, policy core.SafetyPolicy, zl zerolog.Logger) (*journal, error) {
	j, err := createStorageBackend(storageCfg, deviceType, motors, policy, zl)
	if err != nil {
		Logger.Error("Failed to create storage backend", "error", err)
		return nil, err
	}
	if err := j.backend.Init(); err != nil {
		Logger.Error("Failed to initialize storage backend", "error", err)
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

func createStorageBackend(storageCfg config.StorageConfig, deviceType string, motors []core.MotorProfile, policy core.SafetyPolicy, zl zerolog.Logger) (*journal, error) {
	hostname, _ := os.Hostname()

	switch storageCfg.Type {
	case "sqlite", "postgres":
		dbm := database.NewManager(zl)
		if err := dbm.Connect(storageCfg.Type, database.PostgresConfigFromViper(), storageCfg.SQLite.Path); err != nil {
			return nil, fmt.Errorf("failed to open journal database: %w", err)
		}
		backend := gormstorage.New(gormstorage.Dependencies{
			DB:     dbm.DB,
			Logger: Logger,
		}, gormstorage.Config{
			Hostname: hostname,
			Device:   deviceType,
			Motors:   motors,
			Policy:   policy,
		})
		Logger.Info("GORM storage backend initialized", "dialect", dbm.DB.Dialector.Name(), "sqliteFallback", dbm.UsingSQLite && storageCfg.Type == "postgres")
		return &journal{backend: backend, db: dbm, dumpPath: storageCfg.SQLite.DumpPath}, nil

	case "storm":
		Logger.Info("Storm storage backend initialized", "path", storageCfg.Storm.Path)
		return &journal{backend: stormstorage.New(stormstorage.Config{
			Path:   storageCfg.Storm.Path,
			Device: deviceType,
			Motors: motors,
		}, Logger)}, nil

	case "", "none":
		return &journal{backend: storage.Nop{}}, nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", storageCfg.Type)
	}
}
