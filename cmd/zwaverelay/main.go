// Z-Wave Relay - SmartStart provisioning and vendor command bridge
//
// This is the main entry point for the relay. It connects to a
// zwave-js-server compatible driver and exposes a WebSocket protocol for:
//   - SmartStart provisioning list management
//   - Driver lifecycle control (START / STOP)
//   - Interception and sending of Manufacturer Proprietary frames
//
// The socket protocol is documented in internal/api.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/zwave-relay/migrations"

	"github.com/nerrad567/zwave-relay/internal/api"
	"github.com/nerrad567/zwave-relay/internal/audit"
	"github.com/nerrad567/zwave-relay/internal/controller"
	"github.com/nerrad567/zwave-relay/internal/devconfig"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/config"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/database"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/discovery"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/logging"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/metrics"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/zwave-relay/internal/proprietary"
	"github.com/nerrad567/zwave-relay/internal/provisioning"
	"github.com/nerrad567/zwave-relay/internal/zwave"
	"github.com/nerrad567/zwave-relay/internal/zwave/zwavejs"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// mirrorBuffer is the bus subscription depth of the MQTT mirror.
const mirrorBuffer = 256

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Z-Wave relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if configPath == "" {
		log.Info("no configuration file, using defaults")
	} else {
		log.Info("configuration loaded", "path", configPath)
	}

	log = logging.New(cfg.Logging, version)
	defer func() {
		_ = log.Close()
	}()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Frame history
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	history := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(history, log)
	defer func() {
		if closeErr := recorder.Close(); closeErr != nil {
			log.Error("error flushing frame history", "error", closeErr)
		}
		if n := recorder.Dropped(); n > 0 {
			log.Warn("frame history records dropped", "count", n)
		}
	}()

	registry := metrics.NewRegistry()
	appMetrics := metrics.NewAppMetrics(registry)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Relay.ID)
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
	} else {
		log.Info("InfluxDB disabled")
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
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
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Driver lifecycle
	bus := controller.NewBus(log)
	ctrl := controller.New(controller.Config{
		Dialer: zwavejs.NewDialer(zwavejs.Config{
			URL:            cfg.ZWave.ServerURL,
			SchemaVersion:  cfg.ZWave.SchemaVersion,
			CommandTimeout: cfg.GetCommandTimeout(),
			Logger:         log,
		}),
		DefaultEndpoint: cfg.ZWave.ServerURL,
		ReadyTimeout:    cfg.GetReadyTimeout(),
		Bus:             bus,
		Logger:          log,
	})
	defer func() {
		log.Info("closing driver")
		if closeErr := ctrl.Close(); closeErr != nil {
			log.Error("error closing driver", "error", closeErr)
		}
	}()
	ctrl.OnStateChange(func(st controller.State) {
		appMetrics.SetDriverState(stateIndex(st))
		if influxClient != nil {
			influxClient.WriteDriverState(string(st), st == controller.StateReady)
		}
	})

	observers := []zwave.FrameObserver{recorder, appMetrics}
	if influxClient != nil {
		observers = append(observers, influxClient)
	}

	interceptor := proprietary.NewInterceptor(bus, log)
	sender := proprietary.NewSender(ctrl, proprietary.SenderConfig{
		DefaultNodeID:  cfg.ZWave.DefaultNodeID,
		ManufacturerID: uint16(cfg.ZWave.ManufacturerID), // #nosec G115 -- validated to 16 bits
		ReadyTimeout:   cfg.GetReadyTimeout(),
		Logger:         log,
	})
	for _, o := range observers {
		interceptor.AddObserver(o)
		sender.AddObserver(o)
	}
	ctrl.AddHook(interceptor)

	if mqttClient != nil {
		events, unsubscribe := bus.Subscribe("mqtt", mirrorBuffer)
		defer unsubscribe()
		go mirrorEvents(ctx, events, mqttClient, log)
	}

	if cfg.DeviceConfig.Enabled {
		written, dcErr := devconfig.EnsureFile(deviceConfig(cfg), log)
		if dcErr != nil {
			return fmt.Errorf("writing device config: %w", dcErr)
		}
		log.Info("device config checked", "path", cfg.DeviceConfig.Path, "written", written)
	}

	// Socket server
	server, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Metrics:       cfg.Metrics,
		Logger:        log,
		Controller:    ctrl,
		Provisioning:  provisioning.NewManager(ctrl, log),
		Sender:        sender,
		History:       history,
		ClientMetrics: appMetrics,
		Registry:      registry,
		Version:       version,
	})
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

	if cfg.Discovery.Enabled {
		adv := discovery.NewAdvertiser(cfg.Discovery)
		if advErr := adv.Advertise(cfg.API.Port, map[string]string{
			"path":    cfg.WebSocket.Path,
			"version": version,
			"id":      cfg.Relay.ID,
		}); advErr != nil {
			log.Warn("mDNS advertisement failed", "error", advErr)
		} else {
			defer adv.Shutdown()
			log.Info("mDNS advertisement published", "service", cfg.Discovery.Service)
		}
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if cfg.ZWave.AutoStart {
		go func() {
			if startErr := ctrl.Start(ctx, ""); startErr != nil {
				log.Error("driver auto start failed", "error", startErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: mDNS, API server, driver, MQTT,
	// InfluxDB, frame history, database.
	log.Info("Z-Wave relay stopped")
	return nil
}

// getConfigPath returns the configuration file path. ZWAVERELAY_CONFIG
// must name an existing file; the default path is optional and "" is
// returned when it is absent so Load falls back to defaults.
func getConfigPath() string {
	if os.Getenv("ZWAVERELAY_CONFIG") != "" {
		return config.Path()
	}
	if _, err := os.Stat(config.DefaultPath); errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	return config.DefaultPath
}

// deviceConfig converts the device_config section.
func deviceConfig(cfg *config.Config) devconfig.Config {
	dc := cfg.DeviceConfig
	out := devconfig.Config{
		Path:           dc.Path,
		Manufacturer:   dc.Manufacturer,
		ManufacturerID: dc.ManufacturerID,
		Label:          dc.Label,
		Description:    dc.Description,
		FirmwareMin:    dc.FirmwareMin,
		FirmwareMax:    dc.FirmwareMax,
	}
	if out.ManufacturerID == 0 {
		out.ManufacturerID = cfg.ZWave.ManufacturerID
	}
	for _, d := range dc.Devices {
		out.Devices = append(out.Devices, devconfig.Product{ProductType: d.ProductType, ProductID: d.ProductID})
	}
	return out
}

// stateIndex maps a lifecycle state onto the driver_state gauge.
func stateIndex(st controller.State) int {
	switch st {
	case controller.StateStarting:
		return 1
	case controller.StateReady:
		return 2
	case controller.StateStopped:
		return 3
	default:
		return 0
	}
}

// eventPublisher is the part of *mqtt.Client the mirror uses.
type eventPublisher interface {
	PublishEvent(eventType string, payload []byte) error
}

// mirrorMessage is the MQTT form of a bus event. It matches the socket
// broadcast frame.
type mirrorMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// mirrorEvents publishes every bus event until ctx is done or the
// subscription closes. Publish failures are logged and skipped.
func mirrorEvents(ctx context.Context, events <-chan controller.Event, pub eventPublisher, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			at := ev.At
			if at.IsZero() {
				at = time.Now()
			}
			payload, err := json.Marshal(mirrorMessage{
				Type:      ev.Type,
				Data:      ev.Data,
				Message:   ev.Message,
				Timestamp: at.UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				log.Warn("encoding event for MQTT", "type", ev.Type, "error", err)
				continue
			}
			if err := pub.PublishEvent(ev.Type, payload); err != nil {
				log.Warn("mirroring event to MQTT", "type", ev.Type, "error", err)
			}
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	// The driver is not checked: the relay serves GET_STATUS and START
	// while disconnected.
	return nil
}
