package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/AaronLay10/Constellation/internal/log"
	"github.com/AaronLay10/Constellation/internal/orchestrator"
)

// FailureFunc learns about commands the broker rejected or never
// acknowledged after Send already returned.
type FailureFunc func(cmd orchestrator.Command, err error)

// Dispatcher publishes commands to each device's command topic. It implements
// orchestrator.DispatchChannel.
type Dispatcher struct {
	conn      Conn
	topics    Topics
	ackWait   time.Duration
	onFailure FailureFunc
}

func NewDispatcher(conn Conn, topics Topics) *Dispatcher {
	return &Dispatcher{conn: conn, topics: topics, ackWait: ackTimeout}
}

// OnFailure sets where late publish failures go. Call it before the first
// Send.
func (d *Dispatcher) OnFailure(fn FailureFunc) {
	d.onFailure = fn
}

var _ orchestrator.DispatchChannel = (*Dispatcher)(nil)

// Send hands the command to the broker and returns. A publish that has
// already failed is returned as an error; one still in flight is watched in
// the background and reported through OnFailure.
func (d *Dispatcher) Send(_ context.Context, cmd orchestrator.Command) error {
	if cmd.DeviceID == "" {
		return errors.New("command has no device")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}

	topic := d.topics.Commands(cmd.DeviceID)
	token := d.conn.Publish(topic, payload)
	select {
	case <-token.Done():
		return errors.Wrapf(token.Error(), "mqtt publish %s", topic)
	default:
	}
	go d.watch(cmd, topic, token)
	return nil
}

func (d *Dispatcher) watch(cmd orchestrator.Command, topic string, token PublishToken) {
	timer := time.NewTimer(d.ackWait)
	defer timer.Stop()

	var err error
	select {
	case <-token.Done():
		if token.Error() == nil {
			return
		}
		err = errors.Wrapf(token.Error(), "mqtt publish %s", topic)
	case <-timer.C:
		err = &PublishTimeoutError{Topic: topic}
	}

	log.WithComponent("mqtt").WithError(err).
		WithField("task_id", cmd.TaskID).
		WithField("device_id", cmd.DeviceID).
		Warn("command publish failed")
	if d.onFailure != nil {
		d.onFailure(cmd, err)
	}
}
