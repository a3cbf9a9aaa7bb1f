package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"serialhub/capture"
	"serialhub/config"
	"serialhub/metrics"
	"serialhub/monitoring"
	"serialhub/output"
	"serialhub/scanner"
	"serialhub/serial"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the connection manager and HTTP API",
	Long: `Run the connection manager, the background port scanner and the HTTP API.

Ports listed under serial.autoconnect are opened at startup. Every received
line is written to the capture log of its port and published to NATS and
MQTT when configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg, setupLogging(cfg, debug))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting SerialHub",
		"version", version,
		"instance", cfg.App.InstanceID,
		"config", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NATS is optional; the hub keeps running without it
	var natsConn *output.NATSConnection
	var publisher output.Publisher
	if cfg.NATS.Enabled() {
		conn, err := output.NewNATSConnection(cfg.NATS.URL, cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait(), logger)
		if err != nil {
			logger.Error("Failed to connect to NATS, continuing without it", "url", cfg.NATS.URL, "error", err)
		} else {
			natsConn = conn
			publisher = conn
		}
	}

	var events *output.EventPublisher
	if publisher != nil {
		events = output.NewEventPublisher(&output.EventPublisherConfig{
			Conn:       publisher,
			Subject:    output.BuildEventsSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
			InstanceID: cfg.App.InstanceID,
			Logger:     logger,
		})
		events.CheckAndPublishUncleanShutdown()
		events.PublishServiceStart(version)
	}

	met, err := metrics.New(nil)
	if err != nil {
		return err
	}

	logBase := ""
	if cfg.Logging.CaptureEnabled() {
		logBase = cfg.Logging.BasePath
	}
	records := output.NewRecordWriter(&output.RecordWriterConfig{
		LogBasePath:   logBase,
		LogMaxSizeMB:  cfg.Logging.MaxSizeMB,
		LogMaxBackups: cfg.Logging.MaxBackups,
		LogCompress:   cfg.Logging.Compress,
		Publisher:     publisher,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Logger:        logger,
	})

	broker := monitoring.NewSSEBroker()
	sinks := []output.Sink{records, broker, met}

	var mqttSink *output.MQTTSink
	if cfg.MQTT.Enabled() {
		mqttSink, err = output.NewMQTTSink(&output.MQTTSinkConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
			Logger:      logger,
		})
		if err != nil {
			logger.Error("Failed to connect to MQTT, continuing without it", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			sinks = append(sinks, mqttSink)
		}
	}

	opener := serial.RealOpener{ReadTimeout: cfg.Serial.ReadTimeout()}
	detector := serial.NewDetector(opener,
		cfg.Detection.BaudRates,
		cfg.Detection.DetectionTimeout(),
		cfg.Detection.MinBytesForValid,
		logger)

	manager := capture.NewManager(capture.Options{
		Opener:          opener,
		Detector:        detector,
		DefaultBaudRate: cfg.Serial.DefaultBaudRate,
		Worker: capture.WorkerConfig{
			IdleSleep:            cfg.Serial.IdleSleep(),
			ErrorBackoff:         cfg.Serial.ErrorBackoff(),
			MaxConsecutiveErrors: cfg.Serial.MaxConsecutiveErrors,
		},
		DisconnectTimeout: cfg.Serial.DisconnectTimeout(),
		Sinks:             sinks,
		OnEvent: func(event output.Event) {
			met.ObserveEvent(event)
			events.Publish(event)
		},
	}, logger)

	if err := met.TrackConnections(manager); err != nil {
		return err
	}

	var health *output.HealthPublisher
	if publisher != nil {
		health = output.NewHealthPublisher(&output.HealthPublisherConfig{
			Conn:       publisher,
			Subject:    output.BuildHealthSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
			InstanceID: cfg.App.InstanceID,
			Logger:     logger,
			StatsFunc: func() output.HealthStats {
				return output.HealthStats{
					NATSConnected: natsConn.IsConnected(),
					Connections:   manager.ConnectionHealth(),
				}
			},
		})
		health.Start()
	}

	enum := serial.NewEnumerator(serial.EnumeratorOptions{
		Opener:  opener,
		Probe:   cfg.Scanner.ProbeAvailability,
		Timeout: cfg.Scanner.EnumerateTimeout(),
	}, logger)

	opts := monitoring.Options{
		Manager: manager,
		Ports:   enum,
		Logs:    records,
		Metrics: met.Handler(),
		Broker:  broker,
	}

	var sc *scanner.Scanner
	if cfg.Scanner.IsEnabled() {
		sc = scanner.New(enum, scanner.Config{
			Interval:   cfg.Scanner.Interval(),
			OnSnapshot: manager.Reconcile,
			OnCycle:    met.ObserveScan,
		}, logger)
		sc.Start()
		opts.Scanner = sc
	}

	if cfg.Forwarding.Token == "" {
		logger.Warn("Forwarding token not set, remote agents will be rejected",
			"env", config.TokenEnvVar)
	}
	forward := capture.NewForwardHandler(capture.NewIngress(manager, cfg.Forwarding.Token, logger), logger)
	forward.OnResult = met.ObserveForward
	opts.Forward = forward

	server := monitoring.NewServer(&cfg.Monitoring, opts, logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	autoConnect(manager, cfg.Serial.AutoConnect, logger)

	logger.Info("SerialHub started successfully",
		"instance", cfg.App.InstanceID,
		"api_port", cfg.Monitoring.Port,
		"scanner", cfg.Scanner.IsEnabled())

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("Shutting down gracefully...")

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping API server", "error", err)
	}
	if sc != nil && !sc.Stop(5*time.Second) {
		logger.Warn("Scanner did not stop in time")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Connection manager shutdown incomplete", "error", err)
	}
	if health != nil {
		health.Stop()
	}
	if mqttSink != nil {
		mqttSink.Close()
	}
	if err := records.Close(); err != nil {
		logger.Warn("Error closing capture logs", "error", err)
	}

	events.PublishServiceStop("signal")
	if natsConn != nil {
		natsConn.Close()
	}

	logger.Info("SerialHub stopped")
	return nil
}

// autoConnect opens the configured ports. Failures are logged and the
// remaining ports are still tried.
func autoConnect(manager *capture.Manager, ports []config.AutoConnect, logger *slog.Logger) {
	for _, p := range ports {
		if _, err := manager.Connect(p.Port, p.BaudRate); err != nil {
			logger.Warn("Autoconnect failed", "port", p.Port, "baud", p.BaudRate, "error", err)
			continue
		}
		logger.Info("Autoconnected port", "port", p.Port)
	}
}
