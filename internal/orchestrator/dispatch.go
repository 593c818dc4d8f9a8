package orchestrator

import (
	"context"
	"encoding/json"
	"time"
)

// Command is sent to a device to run one task. Delivery is at-most-once from
// the loop's point of view; lost or duplicated commands are covered by
// deadlines and assignment tokens.
type Command struct {
	TaskID            string                 `json:"task_id"`
	ConstellationID   string                 `json:"constellation_id"`
	AssignmentToken   uint64                 `json:"assignment_token"`
	DeviceID          string                 `json:"device_id"`
	Name              string                 `json:"name,omitempty"`
	Description       string                 `json:"description,omitempty"`
	CapabilityContext []string               `json:"capability_context"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
}

// ResultStatus is the outcome reported by a device.
type ResultStatus string

const (
	ResultStarted ResultStatus = "STARTED"
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
)

// Result is reported by a device for a command it received.
type Result struct {
	ConstellationID string          `json:"constellation_id"`
	TaskID          string          `json:"task_id"`
	DeviceID        string          `json:"device_id"`
	AssignmentToken uint64          `json:"assignment_token"`
	Status          ResultStatus    `json:"status"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Heartbeat is a liveness signal from a device.
type Heartbeat struct {
	DeviceID   string    `json:"device_id"`
	Timestamp  time.Time `json:"timestamp"`
	StatusHint string    `json:"status_hint,omitempty"`
}

// DispatchChannel delivers commands to devices. Send must not block for
// longer than it takes to hand the command to the transport; the loop calls it
// inline. A transport that learns of a failure later reports it through
// Orchestrator.DispatchFailed or Hub.DispatchFailed.
type DispatchChannel interface {
	Send(ctx context.Context, cmd Command) error
}

// DispatchFunc adapts a function to the DispatchChannel interface.
type DispatchFunc func(ctx context.Context, cmd Command) error

func (f DispatchFunc) Send(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

func commandFor(constellationID string, t *TaskStar) Command {
	return Command{
		TaskID:            t.TaskID,
		ConstellationID:   constellationID,
		AssignmentToken:   t.AssignmentToken,
		DeviceID:          t.AssignedDeviceID,
		Name:              t.Name,
		Description:       t.Description,
		CapabilityContext: t.RequiredCapabilities.Tags(),
		Parameters:        t.Parameters,
	}
}
