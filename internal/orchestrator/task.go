package orchestrator

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/AaronLay10/Constellation/internal/devices"
)

// TaskStatus is the lifecycle state of a TaskStar.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusReady     TaskStatus = "READY"
	StatusAssigned  TaskStatus = "ASSIGNED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusSkipped   TaskStatus = "SKIPPED"
)

// InFlight reports whether the task currently holds a device.
func (s TaskStatus) InFlight() bool {
	return s == StatusAssigned || s == StatusRunning
}

// allowedTransitions is the TaskStar state machine. Guards that depend on
// task data (retry budget, unmet dependencies) are checked in Mark.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusPending: {
		StatusReady:   {},
		StatusSkipped: {},
	},
	StatusReady: {
		StatusAssigned: {},
		StatusSkipped:  {},
		StatusPending:  {}, // a reroute added an unmet dependency
	},
	StatusAssigned: {
		StatusRunning: {},
		StatusPending: {}, // failback
		StatusFailed:  {}, // failback with no attempts left
		StatusSkipped: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusPending:   {}, // failback
	},
	StatusFailed: {
		StatusPending: {}, // retry
	},
	StatusCompleted: {},
	StatusSkipped:   {},
}

// ValidateTransition checks the static edge only.
func ValidateTransition(from, to TaskStatus) error {
	if _, ok := allowedTransitions[from]; !ok {
		return &TransitionError{From: from, To: to, Reason: "unknown status"}
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Error kinds recorded on a task alongside its error message.
const (
	KindTaskFailure         = "task_failure"
	KindDispatchError       = "dispatch_error"
	KindDispatchTimeout     = "dispatch_timeout"
	KindExecutionTimeout    = "execution_timeout"
	KindDeviceUnreachable   = "device_unreachable"
	KindDispatchWaitTimeout = "dispatch_wait_timeout"
	KindUpstreamFailed      = "upstream_failed"
)

// IDSet is a set of task ids. It marshals as a sorted JSON array.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// TaskStar is a single unit of work in a constellation.
type TaskStar struct {
	TaskID               string                 `json:"task_id"`
	Name                 string                 `json:"name"`
	Description          string                 `json:"description,omitempty"`
	RequiredCapabilities devices.CapabilitySet  `json:"required_capabilities"`
	Dependencies         IDSet                  `json:"dependencies"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	Optional             bool                   `json:"optional,omitempty"`
	Timeout              time.Duration          `json:"timeout,omitempty"`
	MaxAttempts          int                    `json:"max_attempts,omitempty"`

	Status           TaskStatus      `json:"status"`
	AssignedDeviceID string          `json:"assigned_device_id,omitempty"`
	AssignmentToken  uint64          `json:"assignment_token"`
	AttemptCount     int             `json:"attempt_count"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorKind        string          `json:"error_kind,omitempty"`

	GraphVersionCreated  int `json:"graph_version_created"`
	GraphVersionResolved int `json:"graph_version_resolved,omitempty"`

	ReadyAt    time.Time `json:"ready_at,omitempty"`
	AssignedAt time.Time `json:"assigned_at,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	resolvedSeq uint64
}

// Terminal reports whether the task has reached a final status.
// A FAILED task is terminal only once its retry budget is spent; the
// orchestrator never leaves a retryable failure at rest.
func (t *TaskStar) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusSkipped, StatusFailed:
		return true
	default:
		return false
	}
}

// Assignment returns the device assignment the task currently holds.
func (t *TaskStar) Assignment(constellationID string) devices.Assignment {
	return devices.Assignment{
		ConstellationID: constellationID,
		TaskID:          t.TaskID,
		Token:           t.AssignmentToken,
	}
}

// Clone returns a deep copy safe to hand to readers outside the loop.
func (t *TaskStar) Clone() TaskStar {
	out := *t
	out.RequiredCapabilities = t.RequiredCapabilities.Clone()
	out.Dependencies = t.Dependencies.Clone()
	if t.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(t.Parameters))
		for k, v := range t.Parameters {
			out.Parameters[k] = v
		}
	}
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	return out
}

// TaskSpec is the planner's description of a task, used by the initial graph
// hand-off and by Insert mutations.
type TaskSpec struct {
	TaskID               string                 `json:"task_id"`
	Name                 string                 `json:"name"`
	Description          string                 `json:"description,omitempty"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	Optional             bool                   `json:"optional,omitempty"`
	TimeoutSec           int                    `json:"timeout_sec,omitempty"`
	MaxAttempts          int                    `json:"max_attempts,omitempty"`
}

func (s TaskSpec) star(version int) *TaskStar {
	name := s.Name
	if name == "" {
		name = s.TaskID
	}
	return &TaskStar{
		TaskID:               s.TaskID,
		Name:                 name,
		Description:          s.Description,
		RequiredCapabilities: devices.NewCapabilitySet(s.RequiredCapabilities...),
		Dependencies:         NewIDSet(s.Dependencies...),
		Parameters:           s.Parameters,
		Optional:             s.Optional,
		Timeout:              time.Duration(s.TimeoutSec) * time.Second,
		MaxAttempts:          s.MaxAttempts,
		Status:               StatusPending,
		GraphVersionCreated:  version,
	}
}

// Edge is a dependency edge: To depends on From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TaskFailure is one entry of the failure report handed back to the caller.
type TaskFailure struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Kind   string     `json:"kind"`
	Error  string     `json:"error"`
}
