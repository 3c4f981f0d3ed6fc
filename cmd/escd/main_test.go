package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartlab/escd/internal/config"
	"github.com/kartlab/escd/internal/device/sim"
	"github.com/kartlab/escd/internal/dispatcher"
	"github.com/kartlab/escd/internal/handlers"
	"github.com/kartlab/escd/internal/storage"
	gormstorage "github.com/kartlab/escd/internal/storage/gorm"
	stormstorage "github.com/kartlab/escd/internal/storage/storm"
	"github.com/kartlab/escd/pkg/core"
)

func init() {
	Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCommander struct {
	events []dispatcher.Event
	result any
	err    error
}

func (f *fakeCommander) Dispatch(e dispatcher.Event) (any, error) {
	f.events = append(f.events, e)
	return f.result, f.err
}

func TestSetAll(t *testing.T) {
	d := &fakeCommander{result: true}
	assert.Equal(t, "Reverse speed set to 30%", setAll(d, -30, "Reverse speed set to 30%"))
	require.Len(t, d.events, 1)
	assert.Equal(t, handlers.CmdAll, d.events[0].Command)
	assert.Equal(t, []string{"-30"}, d.events[0].Args)
	assert.Equal(t, "shell", d.events[0].Source)
}

func TestSetAll_Rejected(t *testing.T) {
	d := &fakeCommander{result: false}
	assert.Contains(t, setAll(d, 10, "ok"), "rejected")

	d = &fakeCommander{err: errors.New("boom")}
	assert.Contains(t, setAll(d, 10, "ok"), "boom")
}

func TestParseShellSpeed(t *testing.T) {
	v, err := parseShellSpeed([]string{"42.5"})
	require.NoError(t, err)
	assert.Equal(t, 42.5, v)

	_, err = parseShellSpeed(nil)
	assert.Error(t, err)
	_, err = parseShellSpeed([]string{"fast"})
	assert.Error(t, err)
}

func TestShellStatus(t *testing.T) {
	d := &fakeCommander{result: core.Status{Running: true}}
	st, err := shellStatus(d)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, handlers.CmdStatus, d.events[0].Command)

	_, err = shellStatus(&fakeCommander{result: "nope"})
	assert.Error(t, err)
}

func TestCreateDriver(t *testing.T) {
	d, err := createDriver(context.Background(), config.DeviceConfig{Type: "sim"}, Logger)
	require.NoError(t, err)
	assert.IsType(t, &sim.Driver{}, d)

	_, err = createDriver(context.Background(), config.DeviceConfig{Type: "serial"}, Logger)
	assert.Error(t, err)
}

func TestCreateStorageBackend(t *testing.T) {
	dir := t.TempDir()
	motors := []core.MotorProfile{core.DefaultMotorProfile()}
	policy := core.DefaultSafetyPolicy()

	j, err := createStorageBackend(config.StorageConfig{Type: "none"}, "sim", motors, policy, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, storage.Nop{}, j.backend)

	j, err = createStorageBackend(config.StorageConfig{
		Type:  "storm",
		Storm: config.StormConfig{Path: filepath.Join(dir, "j.storm.db")},
	}, "sim", motors, policy, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &stormstorage.Backend{}, j.backend)

	_, err = createStorageBackend(config.StorageConfig{Type: "tape"}, "sim", motors, policy, zerolog.Nop())
	assert.Error(t, err)
}

func TestInitStorage_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escd.db")
	j, err := initStorage(config.StorageConfig{
		Type:   "sqlite",
		SQLite: config.SQLiteConfig{Path: path},
	}, "sim", []core.MotorProfile{core.DefaultMotorProfile()}, core.DefaultSafetyPolicy(), zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &gormstorage.Backend{}, j.backend)

	require.NoError(t, j.backend.RecordSafetyEvent(core.SafetyEvent{Kind: core.EventStarted}))
	require.NoError(t, j.Close())
	assert.FileExists(t, path)
}

func TestInitStorage_SQLiteDumpOnClose(t *testing.T) {
	dir := t.TempDir()
	dump := filepath.Join(dir, "escd-final.db")
	j, err := initStorage(config.StorageConfig{
		Type: "sqlite",
		SQLite: config.SQLiteConfig{
			Path:     filepath.Join(dir, "escd.db"),
			DumpPath: dump,
		},
	}, "sim", []core.MotorProfile{core.DefaultMotorProfile()}, core.DefaultSafetyPolicy(), zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, j.querier())

	require.NoError(t, j.backend.RecordSafetyEvent(core.SafetyEvent{Kind: core.EventEmergencyStop, Source: core.SourceAPI}))
	require.NoError(t, j.Close())
	assert.FileExists(t, dump)
}

func TestJournal_Querier(t *testing.T) {
	var none *journal
	assert.Nil(t, none.querier())
	assert.Nil(t, (&journal{backend: storage.Nop{}}).querier())
	assert.NotNil(t, (&journal{backend: stormstorage.New(stormstorage.Config{Path: filepath.Join(t.TempDir(), "j.db")}, Logger)}).querier())
}
