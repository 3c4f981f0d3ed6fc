package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/kartlab/escd/internal/config"
	"github.com/kartlab/escd/internal/dispatcher"
	"github.com/kartlab/escd/internal/engine"
	"github.com/kartlab/escd/internal/handlers"
	"github.com/kartlab/escd/internal/influx"
	"github.com/kartlab/escd/internal/logging"
	"github.com/kartlab/escd/internal/monitor"
	intOtel "github.com/kartlab/escd/internal/otel"
	"github.com/kartlab/escd/internal/remote/mqtt"
	"github.com/kartlab/escd/internal/stream"
)

// BuildVersion and BuildDate can be set at build time via ldflags.
var (
	BuildVersion = "0.0.1"
	BuildDate    = "unknown"
)

const (
	// time allowed for HTTP, MQTT and telemetry teardown after the engine stopped
	teardownTimeout = 5 * time.Second
)

// Bootstrap holds the settings that are needed before the config file is read.
type Bootstrap struct {
	ConfigDir string `env:"ESCD_CONFIG_DIR" envDefault:"."`
	Shell     bool   `env:"ESCD_SHELL" envDefault:"true"`
	Calibrate bool   `env:"ESCD_CALIBRATE" envDefault:"false"`
}

var (
	SessionStartTime = time.Now()

	// SlogManager handles all slog-based logging
	SlogManager *logging.SlogManager
	// Logger is the slog logger (convenience reference)
	Logger *slog.Logger
	// OTelProvider handles OpenTelemetry
	OTelProvider *intOtel.Provider

	LogFile     *os.File
	MetricsFile *os.File
	// GraylogWriter ships GELF messages when graylog is enabled
	GraylogWriter io.Writer
)

func main() {
	if err := run(); err != nil {
		if Logger != nil {
			Logger.Error("escd failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "escd failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	var boot Bootstrap
	if err := env.Parse(&boot); err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}

	SlogManager = logging.NewSlogManager()
	SlogManager.Setup(nil, "info", nil)
	Logger = SlogManager.Logger()

	if err := config.Load(boot.ConfigDir); err != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		Logger.Info("Loaded config", "dir", boot.ConfigDir)
	}

	// log records carry the engine state once the engine exists
	var current atomic.Pointer[engine.Engine]
	if err := setupLogging(func() []slog.Attr {
		if e := current.Load(); e != nil {
			return e.LogAttrs()
		}
		return nil
	}); err != nil {
		return err
	}
	defer closeLogging()

	logLevel := config.GetString("logLevel")
	var extra []io.Writer
	if GraylogWriter != nil {
		extra = append(extra, GraylogWriter)
	}
	zl := logging.NewZerolog(LogFile, logLevel, extra...)

	Logger.Info("Starting escd", "version", BuildVersion, "buildDate", BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	motors, err := config.GetMotors()
	if err != nil {
		return err
	}
	policy := config.GetSafetyPolicy()
	engineCfg := config.GetEngineConfig()
	pins := config.GetPinsConfig()
	deviceCfg := config.GetDeviceConfig()

	driver, err := createDriver(ctx, deviceCfg, Logger)
	if err != nil {
		return fmt.Errorf("failed to open %s device: %w", deviceCfg.Type, err)
	}
	Logger.Info("Device driver ready", "type", deviceCfg.Type)

	cfg := engine.DefaultConfig()
	cfg.Motors = motors
	cfg.Safety = policy
	cfg.EmergencyPin = pins.EmergencyStop
	cfg.StatusLEDPin = pins.StatusLED
	cfg.TickInterval = engineCfg.TickInterval
	cfg.WatchdogInterval = engineCfg.WatchdogInterval
	cfg.QueueSize = engineCfg.QueueSize
	cfg.ShutdownTimeout = engineCfg.ShutdownTimeout
	cfg.CalibrationHold = engineCfg.CalibrationHold

	eng, err := engine.New(engine.Dependencies{Driver: driver, Logger: Logger}, cfg)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("invalid engine configuration: %w", err)
	}
	current.Store(eng)

	eventDispatcher, err := dispatcher.New(logging.NewDispatcherLogger(Logger))
	if err != nil {
		eng.Stop()
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	handlers.NewService(handlers.Dependencies{
		Engine:  eng,
		Logger:  Logger,
		Context: ctx,
	}).Register(eventDispatcher)
	Logger.Info("Command handlers registered", "commands", eventDispatcher.Commands())

	mon := monitor.Dependencies{
		Engine:     eng,
		Logger:     Logger,
		StatusFile: config.GetMonitorConfig().StatusFile,
		Interval:   config.GetMonitorConfig().Interval,
		LogEvery:   config.GetMonitorConfig().LogEvery,
	}

	j, err := initStorage(config.GetStorageConfig(), deviceCfg.Type, motors, policy, zl)
	if err != nil {
		Logger.Warn("Journal disabled", "error", err)
	} else {
		mon.Recorder = j.backend
		defer func() {
			if err := j.Close(); err != nil {
				Logger.Error("Failed to close journal", "error", err)
			}
		}()
	}

	if ic := config.GetInfluxConfig(); ic.Enabled {
		im := influx.NewManager(zl, influx.Config{
			URL:        ic.URL,
			Token:      ic.Token,
			Org:        ic.Org,
			Bucket:     ic.Bucket,
			BackupPath: ic.BackupPath,
		})
		if err := im.Connect(ctx); err != nil {
			Logger.Error("Failed to set up InfluxDB telemetry", "error", err)
		} else {
			mon.Telemetry = im
			defer func() {
				if err := im.Close(); err != nil {
					Logger.Error("Failed to close InfluxDB manager", "error", err)
				}
			}()
		}
	}

	var server *stream.Server
	var hub *stream.Hub
	if sc := config.GetStreamConfig(); sc.Enabled {
		hub = stream.NewHub(Logger)
		server = stream.NewServer(stream.Config{Listen: sc.Listen, Journal: j.querier()}, hub, eventDispatcher, Logger)
		mon.Publishers = append(mon.Publishers, hub)
		go func() {
			Logger.Info("Stream server listening", "addr", sc.Listen)
			if err := server.ListenAndServe(); err != nil {
				Logger.Error("Stream server stopped", "error", err)
			}
		}()
	}

	var bridge *mqtt.Bridge
	if mc := config.GetMQTTConfig(); mc.Enabled {
		bridge = mqtt.New(mqtt.Config{
			Broker:      mc.Broker,
			ClientID:    mc.ClientID,
			TopicPrefix: mc.TopicPrefix,
			Username:    mc.Username,
			Password:    mc.Password,
		}, eventDispatcher, Logger)
		if err := bridge.Start(); err != nil {
			Logger.Error("MQTT bridge disabled", "error", err)
			bridge = nil
		} else {
			mon.Publishers = append(mon.Publishers, bridge)
		}
	}

	monitorService := monitor.NewService(mon)

	if boot.Calibrate {
		Logger.Info("Calibrating ESCs before start")
		if !eng.Calibrate(ctx) {
			Logger.Warn("Calibration did not complete")
		}
	}

	if err := monitorService.Start(); err != nil {
		Logger.Error("Failed to start monitor", "error", err)
	}
	if !eng.Start() {
		shutdown(eng, monitorService, eventDispatcher, server, hub, bridge)
		return fmt.Errorf("failed to start motor control engine")
	}
	Logger.Info("Motor control system started")

	if boot.Shell {
		shell := newShell(eventDispatcher, stop)
		go func() {
			shell.Run()
			stop()
		}()
		defer shell.Close()
	}

	<-ctx.Done()
	Logger.Info("Shutting down")
	shutdown(eng, monitorService, eventDispatcher, server, hub, bridge)
	Logger.Info("System shutdown complete")
	return nil
}

// shutdown stops the engine first so its final safety events reach the
// monitor, then tears down the surfaces that feed or observe it.
func shutdown(eng *engine.Engine, mon *monitor.Service, d *dispatcher.Dispatcher, server *stream.Server, hub *stream.Hub, bridge *mqtt.Bridge) {
	eng.Stop()
	mon.Stop()
	d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			Logger.Warn("Stream server shutdown", "error", err)
		}
	}
	if hub != nil {
		hub.CloseAll()
	}
	if bridge != nil {
		bridge.Close()
	}
	if OTelProvider != nil {
		if err := OTelProvider.Flush(ctx); err != nil {
			Logger.Warn("Failed to flush telemetry", "error", err)
		}
	}
}

// setupLogging opens the session log file and rebuilds the slog pipeline
// with the file, GELF and OTel sinks.
func setupLogging(attrs logging.ContextProvider) error {
	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs dir: %w", err)
	}

	logPath := logging.LogFilePath(logsDir, logging.ServiceName, SessionStartTime)
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to create/open log file %s: %w", logPath, err)
	}
	LogFile = f

	var opts []logging.Option
	opts = append(opts, logging.WithConsole(), logging.WithContext(attrs))

	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.OpenGELF(gl.Address)
		if err != nil {
			Logger.Warn("Failed to connect to Graylog", "error", err, "address", gl.Address)
		} else {
			GraylogWriter = w
			opts = append(opts, logging.WithJSONWriter(w))
		}
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		metricsPath := logging.LogFilePath(logsDir, logging.ServiceName+".metrics", SessionStartTime)
		MetricsFile, err = os.OpenFile(metricsPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			Logger.Warn("Failed to open metrics file", "error", err, "path", metricsPath)
		}
		oc := intOtel.Config{
			Enabled:        true,
			ServiceName:    otelCfg.ServiceName,
			BatchTimeout:   otelCfg.BatchTimeout,
			MetricInterval: otelCfg.MetricInterval,
			LogWriter:      LogFile,
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		}
		if MetricsFile != nil {
			oc.MetricWriter = MetricsFile
		}
		OTelProvider, err = intOtel.New(oc)
		if err != nil {
			Logger.Error("Failed to initialize OTel provider", "error", err)
			OTelProvider = nil
		} else {
			Logger.Info("OTel provider initialized", "file", logPath, "endpoint", otelCfg.Endpoint)
		}
	}

	var otelLogProvider *sdklog.LoggerProvider
	if OTelProvider != nil {
		otelLogProvider = OTelProvider.LoggerProvider()
	}
	SlogManager.Setup(LogFile, config.GetString("logLevel"), otelLogProvider, opts...)
	Logger = SlogManager.Logger()
	Logger.Info("Logging to file", "path", logPath, "logsDir", filepath.Clean(logsDir))
	return nil
}

func closeLogging() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if OTelProvider != nil {
		if err := OTelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "otel shutdown: %v\n", err)
		}
	}
	if err := SlogManager.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "log flush: %v\n", err)
	}
	if GraylogWriter != nil {
		_ = logging.CloseWriter(GraylogWriter)
	}
	if MetricsFile != nil {
		_ = MetricsFile.Close()
	}
	if LogFile != nil {
		_ = LogFile.Close()
	}
}
