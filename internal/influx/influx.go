package influx

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/kartlab/escd/pkg/core"
)

// Measurement names written for every snapshot.
const (
	MeasurementMotor  = "esc_motor"
	MeasurementEngine = "esc_engine"
)

// Config holds the server and fallback settings.
type Config struct {
	URL        string
	Token      string
	Org        string
	Bucket     string
	BackupPath string
	// RetentionDays applies when the bucket has to be created.
	RetentionDays int
}

// Manager handles InfluxDB connections and writes. When the server cannot
// be reached at Connect, points go to a gzip line-protocol backup file instead.
type Manager struct {
	Client       influxdb2.Client
	Writer       influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	Logger       zerolog.Logger

	cfg        Config
	mu         sync.Mutex
	backupFile *os.File
	host       string
}

// NewManager creates a new InfluxDB manager.
func NewManager(log zerolog.Logger, cfg Config) *Manager {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	host, _ := os.Hostname()
	return &Manager{
		Logger: log,
		cfg:    cfg,
		host:   host,
	}
}

// Connect establishes a connection to InfluxDB.
func (m *Manager) Connect(ctx context.Context) error {
	m.Client = influxdb2.NewClientWithOptions(
		m.cfg.URL,
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := m.Client.Ping(ctx)
	if err != nil || !running {
		m.IsValid = false
		m.Client.Close()
		m.Client = nil
		m.Logger.Warn().Err(err).Str("backupPath", m.cfg.BackupPath).
			Msg("InfluxDB unreachable, writing to backup file")
		return m.openBackup()
	}

	if err := m.setupOrganizationAndBucket(ctx); err != nil {
		return err
	}
	m.createWriter()
	m.IsValid = true
	m.Logger.Info().Str("url", m.cfg.URL).Str("bucket", m.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	if m.BackupWriter != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.BackupPath), 0o755); err != nil {
		return fmt.Errorf("error creating backup directory: %v", err)
	}
	file, err := os.OpenFile(m.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %v", err)
	}
	m.backupFile = file
	m.BackupWriter = gzip.NewWriter(file)
	return nil
}

func (m *Manager) setupOrganizationAndBucket(ctx context.Context) error {
	orgName := m.cfg.Org

	influxOrg, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		influxOrg, err = m.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName)
		if err != nil {
			m.Logger.Error().Err(err).Str("org", orgName).Msg("Error creating organization")
			return err
		}
	}

	if _, err = m.Client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err != nil {
		m.Logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")

		rule := domain.RetentionRuleTypeExpire
		_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, influxOrg, m.cfg.Bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: int64(60 * 60 * 24 * m.cfg.RetentionDays),
		})
		if err != nil {
			m.Logger.Error().Err(err).Str("bucket", m.cfg.Bucket).Msg("Error creating bucket")
			return err
		}
	}
	return nil
}

func (m *Manager) createWriter() {
	m.Writer = m.Client.WriteAPI(m.cfg.Org, m.cfg.Bucket)

	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.Logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.Writer.Errors())
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	if m.IsValid {
		m.Writer.WritePoint(point)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}
	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.BackupWriter.Write([]byte(lineProtocol)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %s", err)
	}
	return nil
}

// WriteStatus writes the points of one snapshot.
func (m *Manager) WriteStatus(_ context.Context, st core.Status) error {
	for _, p := range StatusPoints(m.host, st) {
		if err := m.WritePoint(p); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes pending writes and releases the client or backup file.
func (m *Manager) Close() error {
	if m.Writer != nil {
		m.Writer.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.BackupWriter != nil {
		err = m.BackupWriter.Close()
		m.BackupWriter = nil
	}
	if m.backupFile != nil {
		if cerr := m.backupFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.backupFile = nil
	}
	return err
}

// StatusPoints builds one esc_motor point per motor and one esc_engine point.
func StatusPoints(host string, st core.Status) []*influxdb2_write.Point {
	ts := st.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	points := make([]*influxdb2_write.Point, 0, len(st.Motors)+1)
	for _, mot := range st.Motors {
		points = append(points, influxdb2_write.NewPoint(
			MeasurementMotor,
			map[string]string{
				"host":  host,
				"motor": mot.Name,
				"pin":   strconv.Itoa(mot.Pin),
			},
			map[string]interface{}{
				"current_speed": mot.Current,
				"target_speed":  mot.Target,
				"duty_cycle":    mot.DutyCycle,
			},
			ts,
		))
	}

	source := string(st.EmergencySource)
	if source == "" {
		source = "none"
	}
	points = append(points, influxdb2_write.NewPoint(
		MeasurementEngine,
		map[string]string{
			"host":             host,
			"emergency_source": source,
		},
		map[string]interface{}{
			"running":        st.Running,
			"emergency_stop": st.EmergencyStop,
			"queue_depth":    st.QueueDepth,
			"heartbeat_age":  heartbeatAge(st).Seconds(),
		},
		ts,
	))
	return points
}

func heartbeatAge(st core.Status) time.Duration {
	if st.LastHeartbeat.IsZero() || st.Time.IsZero() {
		return 0
	}
	return st.Time.Sub(st.LastHeartbeat)
}
