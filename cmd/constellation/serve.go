package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AaronLay10/Constellation/internal/api"
	"github.com/AaronLay10/Constellation/internal/config"
	"github.com/AaronLay10/Constellation/internal/devices"
	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/log"
	"github.com/AaronLay10/Constellation/internal/mqtt"
	"github.com/AaronLay10/Constellation/internal/observability"
	"github.com/AaronLay10/Constellation/internal/orchestrator"
	"github.com/AaronLay10/Constellation/internal/storage/postgres"
	"github.com/AaronLay10/Constellation/internal/version"
)

const dependencyCheckInterval = 5 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator service with the MQTT bridge and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Network.APIPort = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultAPIPort, "HTTP API port (overrides network.api_port)")
	return cmd
}

func mqttOptions(cfg *config.Config, suffix string) (mqtt.Options, error) {
	creds, err := config.ResolveSecrets("MQTT_USERNAME", "MQTT_PASSWORD")
	if err != nil {
		return mqtt.Options{}, err
	}
	return mqtt.Options{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID + suffix,
		Username:  creds["MQTT_USERNAME"],
		Password:  creds["MQTT_PASSWORD"],
	}, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("serve")
	hostname, _ := os.Hostname()

	metrics := observability.NewMetrics(metricsNamespace, nil)
	events.SetMetrics(metrics)
	api.RegisterRuntimeMetrics(metricsNamespace, prometheus.DefaultRegisterer)

	if err := api.InitAuth(); err != nil {
		return err
	}
	api.InitTLS()
	api.InitAlerts()

	audit := newAuditLog()
	defer audit.close()
	go audit.monitor(ctx)

	opts, err := mqttOptions(cfg, "")
	if err != nil {
		return err
	}
	client := mqtt.NewClient(opts)
	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)

	dispatcher := mqtt.NewDispatcher(client, topics)
	hub := orchestrator.NewHub(ctx, devices.NewRegistry(), dispatcher, cfg.Runtime(),
		hubOptions(cfg, orchestrator.WithMetrics(metrics))...)
	dispatcher.OnFailure(hub.DispatchFailed)
	if err := registerDevices(hub, cfg.Devices); err != nil {
		hub.Shutdown()
		return err
	}

	specs := make(map[string]mqtt.DeviceSpec, len(cfg.Devices))
	for _, d := range cfg.Devices {
		specs[d.ID] = mqtt.DeviceSpec{Platform: d.Platform, Capabilities: d.Capabilities}
	}
	bridge := mqtt.NewBridge(client, topics, hub, specs)
	client.OnConnect(bridge.Resubscribe)
	client.StartWithRetry()
	go monitorMQTT(ctx, client)

	api.SetOrchestratorReady(true)
	api.StartAlertMonitor(ctx, dependencyCheckInterval)

	emit("info", "system.startup", "constellation service starting", map[string]interface{}{
		"version":  version.Version,
		"hostname": hostname,
		"pid":      os.Getpid(),
		"broker":   cfg.MQTT.BrokerURL,
		"devices":  len(cfg.Devices),
	})

	srv := api.NewServer(hub, metrics)
	serveErr := srv.ListenAndServe(ctx, cfg.APIPort())

	api.SetOrchestratorReady(false)
	hub.Shutdown()
	client.Disconnect()
	emit("info", "system.shutdown", "constellation service stopped", map[string]interface{}{
		"constellations": len(hub.List()),
	})

	if serveErr != nil {
		logger.WithError(serveErr).Error("api server failed")
	}
	return serveErr
}

func emit(level, name, msg string, fields map[string]interface{}) {
	if _, err := events.Emit(level, name, msg, fields); err != nil {
		log.WithComponent("serve").WithError(err).Warn("event rejected")
	}
}

func monitorMQTT(ctx context.Context, client *mqtt.Client) {
	ticker := time.NewTicker(dependencyCheckInterval)
	defer ticker.Stop()

	api.SetMQTTState(client.IsConnected(), false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			api.SetMQTTState(client.IsConnected(), false)
		}
	}
}

// auditLog owns the optional Postgres event store. It is configured by
// DATABASE_URL or PGHOST; without either the service runs on the in-memory
// ring buffer alone.
type auditLog struct {
	dsn string
	log *logrus.Entry

	mu     sync.Mutex
	client *postgres.Client
}

func newAuditLog() *auditLog {
	a := &auditLog{dsn: os.Getenv("DATABASE_URL"), log: log.WithComponent("audit")}
	if a.dsn == "" && os.Getenv("PGHOST") != "" {
		a.dsn = postgres.DSNFromEnv()
	}
	if a.dsn == "" {
		api.SetPostgresState(false, true)
		return a
	}
	a.connect()
	return a
}

func (a *auditLog) connect() {
	client, err := postgres.New(a.dsn)
	if err != nil {
		a.log.WithError(err).Warn("audit log unavailable")
		api.SetPostgresState(false, false)
		return
	}
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	events.SetStore(client)
	api.SetPostgresState(true, false)
	a.log.Info("audit log connected")
}

func (a *auditLog) monitor(ctx context.Context) {
	if a.dsn == "" {
		return
	}
	ticker := time.NewTicker(dependencyCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			client := a.client
			a.mu.Unlock()
			if client == nil {
				a.connect()
				continue
			}
			api.SetPostgresState(client.Ping() == nil, false)
		}
	}
}

func (a *auditLog) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		events.SetStore(nil)
		_ = a.client.Close()
	}
}
