package influx

import (
	"bufio"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartlab/escd/pkg/core"
)

func sampleStatus() core.Status {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return core.Status{
		Time:            now,
		LastHeartbeat:   now.Add(-500 * time.Millisecond),
		Running:         true,
		EmergencyStop:   true,
		EmergencySource: core.SourceWatchdog,
		QueueDepth:      2,
		Motors: []core.MotorStatus{
			{Name: "left", Pin: 12, Current: 10, Target: 30, DutyCycle: 8},
			{Name: "right", Pin: 13, Current: -10, Target: -30, DutyCycle: 7},
		},
	}
}

func TestStatusPoints(t *testing.T) {
	points := StatusPoints("kart", sampleStatus())
	require.Len(t, points, 3)

	left := influxdb2_write.PointToLineProtocol(points[0], time.Nanosecond)
	assert.True(t, strings.HasPrefix(left, "esc_motor,"))
	assert.Contains(t, left, "motor=left")
	assert.Contains(t, left, "pin=12")
	assert.Contains(t, left, "current_speed=10")
	assert.Contains(t, left, "duty_cycle=8")

	engine := influxdb2_write.PointToLineProtocol(points[2], time.Nanosecond)
	assert.True(t, strings.HasPrefix(engine, "esc_engine,"))
	assert.Contains(t, engine, "emergency_source=watchdog")
	assert.Contains(t, engine, "emergency_stop=true")
	assert.Contains(t, engine, "heartbeat_age=0.5")
}

func TestStatusPoints_NoEmergency(t *testing.T) {
	points := StatusPoints("kart", core.Status{})
	require.Len(t, points, 1)
	line := influxdb2_write.PointToLineProtocol(points[0], time.Nanosecond)
	assert.Contains(t, line, "emergency_source=none")
}

func TestConnect_FallsBackToBackupFile(t *testing.T) {
	backup := filepath.Join(t.TempDir(), "sub", "influx_backup.lp.gz")
	m := NewManager(zerolog.Nop(), Config{
		URL:        "http://127.0.0.1:1",
		Org:        "kart",
		Bucket:     "esc_telemetry",
		BackupPath: backup,
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.IsValid)
	require.NoError(t, m.WriteStatus(context.Background(), sampleStatus()))
	require.NoError(t, m.Close())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var lines []string
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[2], "esc_engine"))
}

func TestWritePoint_NoSink(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{})
	err := m.WritePoint(influxdb2_write.NewPointWithMeasurement("x").AddField("v", 1))
	assert.Error(t, err)
}
