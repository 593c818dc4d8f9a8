package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/log"
	"github.com/AaronLay10/Constellation/internal/orchestrator"
)

// DeviceSink receives device traffic decoded from the broker. *orchestrator.Hub
// satisfies it.
type DeviceSink interface {
	Register(deviceID, platform string, capabilities []string) error
	Heartbeat(hb orchestrator.Heartbeat) error
	Deliver(ctx context.Context, r orchestrator.Result) error
	Disconnect(deviceID, reason string) bool
}

// Bridge subscribes to announcement, heartbeat, result and status topics and routes
// each message to a DeviceSink. Subscriptions are tracked so repeated calls
// to Subscribe are idempotent across reconnects.
type Bridge struct {
	conn   Conn
	topics Topics
	sink   DeviceSink
	specs  map[string]DeviceSpec
	log    *logrus.Entry

	mu         sync.RWMutex
	subscribed map[string]bool
}

// NewBridge creates a bridge. specs may be nil; when set, announcements are
// validated against the declared devices.
func NewBridge(conn Conn, topics Topics, sink DeviceSink, specs map[string]DeviceSpec) *Bridge {
	return &Bridge{
		conn:       conn,
		topics:     topics,
		sink:       sink,
		specs:      specs,
		log:        log.WithComponent("mqtt.bridge"),
		subscribed: make(map[string]bool),
	}
}

// Subscribe subscribes to every device topic not already subscribed.
func (b *Bridge) Subscribe() error {
	routes := map[string]paho.MessageHandler{
		b.topics.Announce():   b.handleAnnounce,
		b.topics.Heartbeats(): b.handleHeartbeat,
		b.topics.Results():    b.handleResult,
		b.topics.Statuses():   b.handleStatus,
	}
	for _, topic := range []string{b.topics.Announce(), b.topics.Heartbeats(), b.topics.Results(), b.topics.Statuses()} {
		if b.IsSubscribed(topic) {
			continue
		}
		if err := b.conn.Subscribe(topic, routes[topic]); err != nil {
			return err
		}
		b.mu.Lock()
		b.subscribed[topic] = true
		b.mu.Unlock()
		b.log.WithField("topic", topic).Debug("subscribed")
	}
	return nil
}

// Resubscribe forgets tracked subscriptions and subscribes again. Register it
// with Client.OnConnect so a reconnect restores the routes.
func (b *Bridge) Resubscribe() {
	b.ClearSubscriptions()
	if err := b.Subscribe(); err != nil {
		b.log.WithError(err).Error("resubscribe failed")
	}
}

func (b *Bridge) handleAnnounce(_ paho.Client, msg paho.Message) {
	a, err := ParseAnnouncement(msg.Payload())
	if err != nil {
		b.reject(msg.Topic(), "", err)
		return
	}

	if b.specs != nil {
		result := ValidateAnnouncement(a, b.specs)
		for _, w := range result.Warnings {
			b.log.WithField("device_id", a.DeviceID).Warn(w)
		}
		if !result.Valid {
			events.Emit("error", "device.rejected", "announcement validation failed", map[string]interface{}{
				"device_id": a.DeviceID,
				"errors":    result.Errors,
			})
			return
		}
	}

	if err := b.sink.Register(a.DeviceID, a.Platform, a.Capabilities); err != nil {
		b.reject(msg.Topic(), a.DeviceID, err)
	}
}

func (b *Bridge) handleHeartbeat(_ paho.Client, msg paho.Message) {
	deviceID, ok := b.topics.DeviceID(msg.Topic())
	if !ok {
		return
	}

	var hb orchestrator.Heartbeat
	if len(msg.Payload()) > 0 {
		if err := json.Unmarshal(msg.Payload(), &hb); err != nil {
			b.reject(msg.Topic(), deviceID, errors.Wrap(err, "invalid heartbeat JSON"))
			return
		}
	}
	if hb.DeviceID != "" && hb.DeviceID != deviceID {
		b.reject(msg.Topic(), deviceID, errors.Errorf("heartbeat for %s on topic of %s", hb.DeviceID, deviceID))
		return
	}
	hb.DeviceID = deviceID

	if err := b.sink.Heartbeat(hb); err != nil {
		b.reject(msg.Topic(), deviceID, err)
	}
}

func (b *Bridge) handleResult(_ paho.Client, msg paho.Message) {
	deviceID, ok := b.topics.DeviceID(msg.Topic())
	if !ok {
		return
	}

	var r orchestrator.Result
	if err := json.Unmarshal(msg.Payload(), &r); err != nil {
		b.reject(msg.Topic(), deviceID, errors.Wrap(err, "invalid result JSON"))
		return
	}
	if r.DeviceID == "" {
		r.DeviceID = deviceID
	}
	if r.DeviceID != deviceID {
		b.reject(msg.Topic(), deviceID, errors.Errorf("result for %s on topic of %s", r.DeviceID, deviceID))
		return
	}

	// Paho runs handlers on its router goroutine; never wait on a loop here.
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.sink.Deliver(ctx, r); err != nil {
		b.reject(msg.Topic(), deviceID, err)
	}
}

// handleStatus accepts a bare "online"/"offline" payload or {"status": ...}.
// Only offline acts; a device comes back through its next heartbeat.
func (b *Bridge) handleStatus(_ paho.Client, msg paho.Message) {
	deviceID, ok := b.topics.DeviceID(msg.Topic())
	if !ok {
		return
	}

	status := strings.TrimSpace(string(msg.Payload()))
	if strings.HasPrefix(status, "{") {
		var body struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(msg.Payload(), &body); err != nil {
			b.reject(msg.Topic(), deviceID, errors.Wrap(err, "invalid status JSON"))
			return
		}
		status = body.Status
	}

	switch strings.ToLower(status) {
	case "offline":
		if !b.sink.Disconnect(deviceID, "device went offline") {
			b.log.WithField("device_id", deviceID).Debug("offline status for unknown device")
		}
	case "online", "":
	default:
		b.reject(msg.Topic(), deviceID, errors.Errorf("unknown device status %q", status))
	}
}

func (b *Bridge) reject(topic, deviceID string, err error) {
	b.log.WithError(err).WithFields(logrus.Fields{"topic": topic, "device_id": deviceID}).Warn("device message rejected")
	events.Emit("warning", "device.rejected", err.Error(), map[string]interface{}{
		"topic":     topic,
		"device_id": deviceID,
	})
}

// IsSubscribed returns true if the topic is already subscribed.
func (b *Bridge) IsSubscribed(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribed[topic]
}

// SubscribedTopics returns a list of all subscribed topics.
func (b *Bridge) SubscribedTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.subscribed))
	for topic := range b.subscribed {
		topics = append(topics, topic)
	}
	return topics
}

// ClearSubscriptions clears the subscription tracking.
func (b *Bridge) ClearSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = make(map[string]bool)
}
