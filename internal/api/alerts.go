package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/log"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

const (
	AlertMQTTDisconnected    = "mqtt_disconnected"
	AlertPostgresUnavailable = "postgres_unavailable"
	AlertConstellationFailed = "constellation_failed"
	AlertDeviceUnreachable   = "device_unreachable"
)

// AlertPayload is the JSON body posted to the webhook.
type AlertPayload struct {
	Instance  string                 `json:"instance"`
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type AlertConfig struct {
	WebhookURL string
	Instance   string
}

// dependencyWatch turns a stream of connected/disconnected samples for one
// dependency into at most one outage alert and one recovery alert per outage.
type dependencyWatch struct {
	alert    string
	severity string
	label    string
	delay    time.Duration

	downSince time.Time
	alerted   bool
}

// observe records a sample taken at now and returns the alert to raise, if any.
func (w *dependencyWatch) observe(connected bool, now time.Time) (AlertPayload, bool) {
	if connected {
		recovered := w.alerted
		w.downSince = time.Time{}
		w.alerted = false
		if !recovered {
			return AlertPayload{}, false
		}
		return AlertPayload{
			Event:    w.alert,
			Severity: SeverityInfo,
			Message:  w.label + " connection restored",
			Details:  map[string]interface{}{"recovered_at": now.UTC().Format(time.RFC3339)},
		}, true
	}

	if w.downSince.IsZero() {
		w.downSince = now
	}
	down := now.Sub(w.downSince)
	if w.alerted || down < w.delay {
		return AlertPayload{}, false
	}
	w.alerted = true
	return AlertPayload{
		Event:    w.alert,
		Severity: w.severity,
		Message:  w.label + " unavailable",
		Details: map[string]interface{}{
			"disconnected_since":   w.downSince.UTC().Format(time.RFC3339),
			"disconnected_seconds": int(down.Seconds()),
		},
	}, true
}

var (
	alertMu     sync.Mutex
	alertConfig = &AlertConfig{}

	mqttWatch     = newMQTTWatch(30 * time.Second)
	postgresWatch = newPostgresWatch(5 * time.Second)
	watching      bool

	// sendAlert is replaced in tests.
	sendAlert = deliverWebhook
)

func newMQTTWatch(delay time.Duration) *dependencyWatch {
	return &dependencyWatch{alert: AlertMQTTDisconnected, severity: SeverityWarning, label: "MQTT broker", delay: delay}
}

func newPostgresWatch(delay time.Duration) *dependencyWatch {
	return &dependencyWatch{alert: AlertPostgresUnavailable, severity: SeverityCritical, label: "PostgreSQL", delay: delay}
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.WithComponent("alerts").WithField("var", name).Warnf("invalid duration %q, using %s", v, def)
	}
	return def
}

// InitAlerts reads the webhook target and outage delays from the environment
// and resets the dependency watches.
func InitAlerts() {
	alertMu.Lock()
	defer alertMu.Unlock()

	alertConfig = &AlertConfig{
		WebhookURL: os.Getenv("CONSTELLATION_ALERT_WEBHOOK_URL"),
		Instance:   os.Getenv("CONSTELLATION_INSTANCE"),
	}
	if alertConfig.Instance == "" {
		alertConfig.Instance, _ = os.Hostname()
	}
	*mqttWatch = *newMQTTWatch(envDuration("CONSTELLATION_MQTT_ALERT_DELAY", 30*time.Second))
	*postgresWatch = *newPostgresWatch(envDuration("CONSTELLATION_POSTGRES_ALERT_DELAY", 5*time.Second))
	watching = true

	if alertConfig.WebhookURL != "" {
		log.WithComponent("alerts").
			WithField("mqtt_delay", mqttWatch.delay).
			WithField("pg_delay", postgresWatch.delay).
			Info("webhook alerts enabled")
	}
}

func GetAlertWebhookURL() string {
	alertMu.Lock()
	defer alertMu.Unlock()
	return alertConfig.WebhookURL
}

// SendAlert posts an alert in the background. Without a webhook the alert is
// only logged.
func SendAlert(event, severity, message string, details map[string]interface{}) {
	raise(AlertPayload{Event: event, Severity: severity, Message: message, Details: details})
}

func raise(p AlertPayload) {
	alertMu.Lock()
	url, instance := alertConfig.WebhookURL, alertConfig.Instance
	alertMu.Unlock()

	if url == "" {
		log.WithComponent("alerts").
			WithField("alert", p.Event).
			WithField("severity", p.Severity).
			WithField("details", p.Details).
			Warn(p.Message)
		return
	}
	if instance == "" {
		instance = "unknown"
	}
	p.Instance = instance
	p.Timestamp = time.Now().UTC().Format(time.RFC3339)
	go sendAlert(url, p)
}

func deliverWebhook(url string, p AlertPayload) {
	if err := postWebhook(url, p); err != nil {
		log.WithComponent("alerts").WithError(err).WithField("alert", p.Event).Warn("webhook delivery failed")
	}
}

func postWebhook(url string, p AlertPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal alert")
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "post alert")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// CheckAndAlertMQTT feeds one broker connectivity sample to its watch.
func CheckAndAlertMQTT(connected bool) {
	check(mqttWatch, connected)
}

// CheckAndAlertPostgres feeds one audit log connectivity sample to its watch.
func CheckAndAlertPostgres(connected bool) {
	check(postgresWatch, connected)
}

func check(w *dependencyWatch, connected bool) {
	alertMu.Lock()
	if !watching {
		alertMu.Unlock()
		return
	}
	p, ok := w.observe(connected, time.Now())
	alertMu.Unlock()
	if ok {
		raise(p)
	}
}

// StartAlertMonitor samples dependency readiness every checkInterval and
// forwards constellation failures and unreachable devices from the event
// stream until ctx is done.
func StartAlertMonitor(ctx context.Context, checkInterval time.Duration) {
	sub := events.Subscribe()

	go func() {
		defer events.Unsubscribe(sub)

		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				readiness.mu.RLock()
				mqttUp, mqttRequired := readiness.mqttConnected, !readiness.mqttOptional
				pgUp, pgRequired := readiness.postgresConnected, !readiness.postgresOptional
				readiness.mu.RUnlock()

				if mqttRequired {
					CheckAndAlertMQTT(mqttUp)
				}
				if pgRequired {
					CheckAndAlertPostgres(pgUp)
				}
			case e, ok := <-sub:
				if !ok {
					return
				}
				forwardEvent(e)
			}
		}
	}()
}

func forwardEvent(e events.Event) {
	switch e.Name {
	case "constellation.failed":
		SendAlert(AlertConstellationFailed, SeverityCritical, e.Message, e.Fields)
	case "device.unreachable":
		SendAlert(AlertDeviceUnreachable, SeverityWarning, e.Message, e.Fields)
	}
}
