package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kartlab/escd/pkg/core"
)

// ConfigName is the base name of the JSON config file.
const ConfigName = "escd"

// EngineConfig holds control loop timing.
type EngineConfig struct {
	TickInterval     time.Duration
	WatchdogInterval time.Duration
	QueueSize        int
	ShutdownTimeout  time.Duration
	CalibrationHold  time.Duration
}

// PinsConfig holds the auxiliary digital pins. A negative pin disables it.
type PinsConfig struct {
	EmergencyStop int
	StatusLED     int
}

// CANConfig holds SocketCAN node addressing.
type CANConfig struct {
	Interface string
	BaseID    uint32
	IOID      uint32
}

// DeviceConfig selects the hardware driver.
type DeviceConfig struct {
	Type string // sim, gpio, can
	CAN  CANConfig
}

// MonitorConfig holds status reporter settings.
type MonitorConfig struct {
	Interval   time.Duration
	LogEvery   int
	StatusFile string
}

// SQLiteConfig holds SQLite journal settings.
type SQLiteConfig struct {
	Path string
	// DumpPath receives a vacuumed copy of the journal on shutdown when set.
	DumpPath string
}

// StormConfig holds embedded bolt journal settings.
type StormConfig struct {
	Path string
}

// StorageConfig selects the journal backend.
type StorageConfig struct {
	Type   string // none, sqlite, postgres, storm
	SQLite SQLiteConfig
	Storm  StormConfig
}

// InfluxConfig holds InfluxDB telemetry settings.
type InfluxConfig struct {
	Enabled    bool
	URL        string
	Token      string
	Org        string
	Bucket     string
	BackupPath string
}

// MQTTConfig holds the remote command bridge settings.
type MQTTConfig struct {
	Enabled     bool
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// StreamConfig holds the HTTP/WebSocket status server settings.
type StreamConfig struct {
	Enabled bool
	Listen  string
}

// GraylogConfig holds GELF log shipping settings.
type GraylogConfig struct {
	Enabled bool
	Address string
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled        bool
	ServiceName    string
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Endpoint       string
	Insecure       bool
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file. Environment
// variables prefixed with ESCD_ override file values, e.g. ESCD_DEVICE_TYPE.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(ConfigName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	viper.SetEnvPrefix("ESCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	def := core.DefaultMotorProfile()
	viper.SetDefault("motors", []map[string]any{{
		"name":         def.Name,
		"pin":          def.Pin,
		"minPulse":     def.MinPulse,
		"neutralPulse": def.NeutralPulse,
		"maxPulse":     def.MaxPulse,
		"frequency":    def.Frequency,
	}})

	viper.SetDefault("safety.maxAccelerationRate", 0.05)
	viper.SetDefault("safety.maxSpeed", 80.0)
	viper.SetDefault("safety.watchdogTimeout", "2s")
	viper.SetDefault("safety.emergencySettleTime", "100ms")

	viper.SetDefault("engine.tickInterval", "20ms")
	viper.SetDefault("engine.watchdogInterval", "100ms")
	viper.SetDefault("engine.queueSize", 64)
	viper.SetDefault("engine.shutdownTimeout", "1s")
	viper.SetDefault("engine.calibrationHold", "3s")

	viper.SetDefault("pins.emergencyStop", 21)
	viper.SetDefault("pins.statusLed", 20)

	viper.SetDefault("device.type", "sim")
	viper.SetDefault("device.can.interface", "can0")
	viper.SetDefault("device.can.baseId", 0x100)
	viper.SetDefault("device.can.ioId", 0x180)

	viper.SetDefault("monitor.interval", "1s")
	viper.SetDefault("monitor.logEvery", 10)
	viper.SetDefault("monitor.statusFile", "./logs/status.json")

	viper.SetDefault("storage.type", "none")
	viper.SetDefault("storage.sqlite.path", "./escd.db")
	viper.SetDefault("storage.sqlite.dumpPath", "")
	viper.SetDefault("storage.storm.path", "./escd.storm.db")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "escd")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "kart")
	viper.SetDefault("influx.bucket", "esc_telemetry")
	viper.SetDefault("influx.backupPath", "./logs/influx_backup.lp.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.clientId", "escd")
	viper.SetDefault("mqtt.topicPrefix", "kart")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")

	viper.SetDefault("stream.enabled", false)
	viper.SetDefault("stream.listen", ":8080")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "escd")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.metricInterval", "30s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetMotors returns the configured motor profiles.
func GetMotors() ([]core.MotorProfile, error) {
	var motors []core.MotorProfile
	if err := viper.UnmarshalKey("motors", &motors); err != nil {
		return nil, fmt.Errorf("error decoding motors: %w", err)
	}
	return motors, nil
}

// GetSafetyPolicy returns the safety limits. The acceleration rate is a
// 0-1 fraction per tick in the file and points per tick in the policy.
func GetSafetyPolicy() core.SafetyPolicy {
	return core.SafetyPolicy{
		MaxAccelerationPerTick: core.AccelerationFromRate(viper.GetFloat64("safety.maxAccelerationRate")),
		MaxSpeed:               viper.GetFloat64("safety.maxSpeed"),
		WatchdogTimeout:        viper.GetDuration("safety.watchdogTimeout"),
		EmergencySettleTime:    viper.GetDuration("safety.emergencySettleTime"),
	}
}

func GetEngineConfig() EngineConfig {
	return EngineConfig{
		TickInterval:     viper.GetDuration("engine.tickInterval"),
		WatchdogInterval: viper.GetDuration("engine.watchdogInterval"),
		QueueSize:        viper.GetInt("engine.queueSize"),
		ShutdownTimeout:  viper.GetDuration("engine.shutdownTimeout"),
		CalibrationHold:  viper.GetDuration("engine.calibrationHold"),
	}
}

func GetPinsConfig() PinsConfig {
	return PinsConfig{
		EmergencyStop: viper.GetInt("pins.emergencyStop"),
		StatusLED:     viper.GetInt("pins.statusLed"),
	}
}

func GetDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Type: viper.GetString("device.type"),
		CAN: CANConfig{
			Interface: viper.GetString("device.can.interface"),
			BaseID:    viper.GetUint32("device.can.baseId"),
			IOID:      viper.GetUint32("device.can.ioId"),
		},
	}
}

func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   viper.GetDuration("monitor.interval"),
		LogEvery:   viper.GetInt("monitor.logEvery"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}

func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type:   viper.GetString("storage.type"),
		SQLite: SQLiteConfig{
			Path:     viper.GetString("storage.sqlite.path"),
			DumpPath: viper.GetString("storage.sqlite.dumpPath"),
		},
		Storm:  StormConfig{Path: viper.GetString("storage.storm.path")},
	}
}

func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled: viper.GetBool("influx.enabled"),
		URL: fmt.Sprintf("%s://%s:%s",
			viper.GetString("influx.protocol"),
			viper.GetString("influx.host"),
			viper.GetString("influx.port"),
		),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		Bucket:     viper.GetString("influx.bucket"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

func GetMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Enabled:     viper.GetBool("mqtt.enabled"),
		Broker:      viper.GetString("mqtt.broker"),
		ClientID:    viper.GetString("mqtt.clientId"),
		TopicPrefix: viper.GetString("mqtt.topicPrefix"),
		Username:    viper.GetString("mqtt.username"),
		Password:    viper.GetString("mqtt.password"),
	}
}

func GetStreamConfig() StreamConfig {
	return StreamConfig{
		Enabled: viper.GetBool("stream.enabled"),
		Listen:  viper.GetString("stream.listen"),
	}
}

func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:        viper.GetBool("otel.enabled"),
		ServiceName:    viper.GetString("otel.serviceName"),
		BatchTimeout:   viper.GetDuration("otel.batchTimeout"),
		MetricInterval: viper.GetDuration("otel.metricInterval"),
		Endpoint:       viper.GetString("otel.endpoint"),
		Insecure:       viper.GetBool("otel.insecure"),
	}
}
