package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// ConstellationState is the lifecycle state of a whole task graph.
type ConstellationState string

const (
	StatePlanning  ConstellationState = "PLANNING"
	StateExecuting ConstellationState = "EXECUTING"
	StateCompleted ConstellationState = "COMPLETED"
	StateFailed    ConstellationState = "FAILED"
)

// Terminal reports whether the constellation has finished.
func (s ConstellationState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var constellationTransitions = map[ConstellationState]map[ConstellationState]struct{}{
	StatePlanning: {
		StateExecuting: {},
		StateCompleted: {}, // empty graph
		StateFailed:    {}, // nothing could ever be dispatched
	},
	StateExecuting: {
		StateCompleted: {},
		StateFailed:    {},
	},
	StateCompleted: {},
	StateFailed:    {},
}

// InitialGraph is the planner hand-off: the tasks and edges of a new
// constellation. Dependencies may be given per task, as edges, or both.
type InitialGraph struct {
	ConstellationID string     `json:"constellation_id,omitempty"`
	Name            string     `json:"name"`
	Tasks           []TaskSpec `json:"tasks"`
	Edges           []Edge     `json:"edges,omitempty"`
}

// Payload carries the data attached to a status transition.
type Payload struct {
	DeviceID  string
	Result    json.RawMessage
	Error     string
	ErrorKind string
}

// Transition records one applied task status change.
type Transition struct {
	TaskID       string
	From         TaskStatus
	To           TaskStatus
	At           time.Time
	DeviceID     string
	Token        uint64
	AttemptCount int
	Error        string
	ErrorKind    string
}

// Constellation is the task DAG for one request. It is not safe for
// concurrent use: it is owned by a single orchestrator loop, and readers get
// copies through Snapshot.
type Constellation struct {
	id          string
	name        string
	version     int
	state       ConstellationState
	maxAttempts int

	tasks      map[string]*TaskStar
	order      []string         // insertion order, used for deterministic iteration
	dependents map[string]IDSet // task -> tasks that depend on it
	unmet      map[string]int   // task -> dependencies not yet COMPLETED

	seq       uint64
	reason    string
	createdAt time.Time
	updatedAt time.Time
}

// NewConstellation validates an initial graph and builds a PLANNING
// constellation at version 1. It rejects empty or duplicate task ids,
// dependencies on unknown tasks, self-loops and cycles.
func NewConstellation(id string, g InitialGraph, maxAttempts int, now time.Time) (*Constellation, error) {
	c := &Constellation{
		id:          id,
		name:        g.Name,
		version:     1,
		state:       StatePlanning,
		maxAttempts: maxAttempts,
		tasks:       make(map[string]*TaskStar, len(g.Tasks)),
		dependents:  make(map[string]IDSet, len(g.Tasks)),
		unmet:       make(map[string]int, len(g.Tasks)),
		createdAt:   now,
		updatedAt:   now,
	}

	for _, spec := range g.Tasks {
		if spec.TaskID == "" {
			return nil, invalidf("task_id is required")
		}
		if _, exists := c.tasks[spec.TaskID]; exists {
			return nil, invalidf("duplicate task_id: %q", spec.TaskID)
		}
		c.tasks[spec.TaskID] = spec.star(c.version)
		c.order = append(c.order, spec.TaskID)
	}
	for _, e := range g.Edges {
		to, ok := c.tasks[e.To]
		if !ok {
			return nil, invalidf("edge references unknown task (to): %q", e.To)
		}
		to.Dependencies[e.From] = struct{}{}
	}

	deps := c.dependencyView()
	if err := validateEdges(deps, func(id string) bool { _, ok := c.tasks[id]; return ok }); err != nil {
		return nil, err
	}
	if err := checkAcyclic(c.order, deps); err != nil {
		return nil, err
	}

	for _, id := range c.order {
		c.dependents[id] = NewIDSet()
	}
	for _, id := range c.order {
		for dep := range c.tasks[id].Dependencies {
			c.dependents[dep][id] = struct{}{}
		}
		c.unmet[id] = len(c.tasks[id].Dependencies)
	}
	return c, nil
}

func (c *Constellation) ID() string                { return c.id }
func (c *Constellation) Name() string              { return c.name }
func (c *Constellation) Version() int              { return c.version }
func (c *Constellation) State() ConstellationState { return c.state }
func (c *Constellation) Len() int                  { return len(c.tasks) }

// Reason returns the failure reason recorded on a FAILED constellation.
func (c *Constellation) Reason() string { return c.reason }

// Task returns a copy of a task.
func (c *Constellation) Task(id string) (TaskStar, bool) {
	t, ok := c.tasks[id]
	if !ok {
		return TaskStar{}, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (c *Constellation) Tasks() []TaskStar {
	out := make([]TaskStar, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tasks[id].Clone())
	}
	return out
}

func (c *Constellation) attemptsFor(t *TaskStar) int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	if c.maxAttempts > 0 {
		return c.maxAttempts
	}
	return 1
}

// CanRetry reports whether a FAILED task still has attempts left.
func (c *Constellation) CanRetry(id string) bool {
	t, ok := c.tasks[id]
	return ok && t.Status == StatusFailed && t.AttemptCount < c.attemptsFor(t)
}

// AttemptsLeft returns how many attempts a task may still consume.
func (c *Constellation) AttemptsLeft(id string) int {
	t, ok := c.tasks[id]
	if !ok {
		return 0
	}
	return c.attemptsFor(t) - t.AttemptCount
}

func (c *Constellation) terminallyFailed(t *TaskStar) bool {
	return t.Status == StatusFailed && t.AttemptCount >= c.attemptsFor(t)
}

// ReadySet returns READY task ids in insertion order. Readiness is kept
// incrementally by the per-task unmet-dependency counter.
func (c *Constellation) ReadySet() []string {
	var out []string
	for _, id := range c.order {
		if c.tasks[id].Status == StatusReady {
			out = append(out, id)
		}
	}
	return out
}

// InFlight returns ASSIGNED and RUNNING task ids in insertion order.
func (c *Constellation) InFlight() []string {
	var out []string
	for _, id := range c.order {
		if c.tasks[id].Status.InFlight() {
			out = append(out, id)
		}
	}
	return out
}

// Mark applies a validated status transition. Illegal edges, and legal edges
// whose guard fails, return a *TransitionError and leave the task untouched.
func (c *Constellation) Mark(id string, to TaskStatus, p Payload, now time.Time) (Transition, error) {
	t, ok := c.tasks[id]
	if !ok {
		return Transition{}, errors.Wrapf(ErrUnknownTask, "mark %s", id)
	}
	from := t.Status
	if err := ValidateTransition(from, to); err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			te.TaskID = id
		}
		return Transition{}, err
	}
	if reason := c.guard(t, to, p); reason != "" {
		return Transition{}, &TransitionError{TaskID: id, From: from, To: to, Reason: reason}
	}

	t.Status = to
	switch to {
	case StatusReady:
		t.ReadyAt = now
	case StatusAssigned:
		t.AssignedDeviceID = p.DeviceID
		t.AssignmentToken++
		t.AssignedAt = now
		t.StartedAt = time.Time{}
	case StatusRunning:
		t.StartedAt = now
	case StatusCompleted:
		t.Result = p.Result
		t.Error, t.ErrorKind = "", ""
		t.AssignedDeviceID = ""
		c.resolve(t, now)
		for dep := range c.dependents[id] {
			c.unmet[dep]--
		}
	case StatusFailed:
		t.Error, t.ErrorKind = p.Error, kindOr(p.ErrorKind, KindTaskFailure)
		t.AttemptCount++
		t.AssignedDeviceID = ""
		c.resolve(t, now)
	case StatusSkipped:
		t.Error, t.ErrorKind = p.Error, p.ErrorKind
		t.AssignedDeviceID = ""
		c.resolve(t, now)
	case StatusPending:
		if from.InFlight() {
			t.AttemptCount++
			t.Error, t.ErrorKind = p.Error, p.ErrorKind
			t.AssignedDeviceID = ""
		}
		if from == StatusFailed {
			t.GraphVersionResolved = 0
			t.FinishedAt = time.Time{}
			t.resolvedSeq = 0
		}
		t.ReadyAt = time.Time{}
	}
	c.updatedAt = now

	return Transition{
		TaskID:       id,
		From:         from,
		To:           to,
		At:           now,
		DeviceID:     p.DeviceID,
		Token:        t.AssignmentToken,
		AttemptCount: t.AttemptCount,
		Error:        t.Error,
		ErrorKind:    t.ErrorKind,
	}, nil
}

func (c *Constellation) guard(t *TaskStar, to TaskStatus, p Payload) string {
	switch to {
	case StatusReady:
		if c.unmet[t.TaskID] > 0 {
			return "dependencies not completed"
		}
	case StatusAssigned:
		if p.DeviceID == "" {
			return "device required"
		}
	case StatusPending:
		if t.Status == StatusReady && c.unmet[t.TaskID] == 0 {
			return "dependencies already completed"
		}
		if t.Status == StatusFailed && t.AttemptCount >= c.attemptsFor(t) {
			return "retry budget exhausted"
		}
	}
	return ""
}

func kindOr(kind, fallback string) string {
	if kind == "" {
		return fallback
	}
	return kind
}

func (c *Constellation) resolve(t *TaskStar, now time.Time) {
	c.seq++
	t.resolvedSeq = c.seq
	t.GraphVersionResolved = c.version
	t.FinishedAt = now
}

// Promote moves every PENDING task whose dependencies are all COMPLETED to READY.
func (c *Constellation) Promote(now time.Time) []Transition {
	var out []Transition
	for _, id := range c.order {
		t := c.tasks[id]
		if t.Status != StatusPending || c.unmet[id] > 0 {
			continue
		}
		if tr, err := c.Mark(id, StatusReady, Payload{}, now); err == nil {
			out = append(out, tr)
		}
	}
	return out
}

// PropagateSkips marks SKIPPED every not-yet-dispatched task with a
// dependency that can never complete (terminally FAILED or SKIPPED). Tasks are
// visited in topological order so a chain is skipped in one pass.
func (c *Constellation) PropagateSkips(now time.Time) []Transition {
	var out []Transition
	for _, id := range c.topoOrder() {
		t := c.tasks[id]
		if t.Status != StatusPending && t.Status != StatusReady {
			continue
		}
		for _, dep := range t.Dependencies.Sorted() {
			d := c.tasks[dep]
			if d.Status != StatusSkipped && !c.terminallyFailed(d) {
				continue
			}
			tr, err := c.Mark(id, StatusSkipped, Payload{
				Error:     fmt.Sprintf("upstream task %s is %s", dep, d.Status),
				ErrorKind: KindUpstreamFailed,
			}, now)
			if err == nil {
				out = append(out, tr)
			}
			break
		}
	}
	return out
}

// Ancestors returns every task the given task transitively depends on.
func (c *Constellation) Ancestors(id string) ([]string, error) {
	if _, ok := c.tasks[id]; !ok {
		return nil, errors.Wrapf(ErrUnknownTask, "ancestors of %s", id)
	}
	return c.walk(id, func(n string) IDSet { return c.tasks[n].Dependencies }), nil
}

// Descendants returns every task that transitively depends on the given task.
func (c *Constellation) Descendants(id string) ([]string, error) {
	if _, ok := c.tasks[id]; !ok {
		return nil, errors.Wrapf(ErrUnknownTask, "descendants of %s", id)
	}
	return c.walk(id, func(n string) IDSet { return c.dependents[n] }), nil
}

func (c *Constellation) walk(start string, next func(string) IDSet) []string {
	visited := NewIDSet()
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for n := range next(current) {
			if n == start || visited.Has(n) {
				continue
			}
			visited[n] = struct{}{}
			queue = append(queue, n)
		}
	}
	return visited.Sorted()
}

// SetState moves the constellation along its lifecycle.
func (c *Constellation) SetState(to ConstellationState, reason string, now time.Time) error {
	if _, ok := constellationTransitions[c.state][to]; !ok {
		return errors.Wrapf(ErrInvalidTransition, "constellation %s %s -> %s", c.id, c.state, to)
	}
	c.state = to
	c.reason = reason
	c.updatedAt = now
	return nil
}

// Verdict is the outcome of evaluating the terminal condition.
type Verdict struct {
	Done     bool
	State    ConstellationState
	Deadlock bool
}

// Evaluate checks whether the graph can make no further progress. It assumes
// Promote and PropagateSkips have run for the current iteration.
func (c *Constellation) Evaluate() Verdict {
	if len(c.tasks) == 0 {
		return Verdict{Done: true, State: StateCompleted}
	}

	pending := false
	for _, id := range c.order {
		switch c.tasks[id].Status {
		case StatusReady, StatusAssigned, StatusRunning:
			return Verdict{}
		case StatusPending:
			pending = true
		case StatusFailed:
			if !c.terminallyFailed(c.tasks[id]) {
				return Verdict{}
			}
		}
	}
	if pending {
		return Verdict{Done: true, State: StateFailed, Deadlock: true}
	}

	for _, id := range c.order {
		t := c.tasks[id]
		if t.Status != StatusCompleted && !t.Optional {
			return Verdict{Done: true, State: StateFailed}
		}
	}
	return Verdict{Done: true, State: StateCompleted}
}

// Failures lists what made the constellation fail, in the order the tasks
// reached their terminal status: required tasks that failed on their own
// account (terminally FAILED, or SKIPPED because no device could ever take
// them), plus the root cause of every required task SKIPPED because of an
// upstream failure, even when that root is optional. A required upstream skip
// whose root is gone from the graph is listed itself.
func (c *Constellation) Failures() []TaskFailure {
	included := NewIDSet()
	var failed []*TaskStar
	add := func(t *TaskStar) {
		if !included.Has(t.TaskID) {
			included[t.TaskID] = struct{}{}
			failed = append(failed, t)
		}
	}

	for _, id := range c.order {
		t := c.tasks[id]
		if t.Optional {
			continue
		}
		switch {
		case c.rootFailure(t):
			add(t)
		case t.Status == StatusSkipped && t.ErrorKind == KindUpstreamFailed:
			roots := 0
			for _, anc := range c.walk(id, func(n string) IDSet { return c.tasks[n].Dependencies }) {
				if a := c.tasks[anc]; c.rootFailure(a) {
					add(a)
					roots++
				}
			}
			if roots == 0 {
				add(t)
			}
		}
	}
	sort.SliceStable(failed, func(i, j int) bool { return failed[i].resolvedSeq < failed[j].resolvedSeq })

	out := make([]TaskFailure, 0, len(failed))
	for _, t := range failed {
		out = append(out, TaskFailure{TaskID: t.TaskID, Status: t.Status, Kind: t.ErrorKind, Error: t.Error})
	}
	return out
}

func (c *Constellation) rootFailure(t *TaskStar) bool {
	return c.terminallyFailed(t) || (t.Status == StatusSkipped && t.ErrorKind == KindDispatchWaitTimeout)
}

// Snapshot is a read-only copy of a constellation.
type Snapshot struct {
	ConstellationID string             `json:"constellation_id"`
	Name            string             `json:"name"`
	Version         int                `json:"version"`
	State           ConstellationState `json:"state"`
	Reason          string             `json:"reason,omitempty"`
	Tasks           []TaskStar         `json:"tasks"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Snapshot returns a deep copy of the constellation.
func (c *Constellation) Snapshot() Snapshot {
	return Snapshot{
		ConstellationID: c.id,
		Name:            c.name,
		Version:         c.version,
		State:           c.state,
		Reason:          c.reason,
		Tasks:           c.Tasks(),
		CreatedAt:       c.createdAt,
		UpdatedAt:       c.updatedAt,
	}
}

// Task looks up a task in a snapshot.
func (s Snapshot) Task(id string) (TaskStar, bool) {
	for _, t := range s.Tasks {
		if t.TaskID == id {
			return t, true
		}
	}
	return TaskStar{}, false
}

// Verify checks the structural invariants: dependencies exist, the graph is
// acyclic, unmet counters match, and READY implies all dependencies COMPLETED.
func (c *Constellation) Verify() error {
	deps := c.dependencyView()
	if err := validateEdges(deps, func(id string) bool { _, ok := c.tasks[id]; return ok }); err != nil {
		return err
	}
	if err := checkAcyclic(c.order, deps); err != nil {
		return err
	}
	for _, id := range c.order {
		t := c.tasks[id]
		if got, want := c.unmet[id], c.countUnmet(t); got != want {
			return errors.Errorf("task %s: unmet counter %d, want %d", id, got, want)
		}
		if t.Status == StatusReady && c.unmet[id] != 0 {
			return errors.Errorf("task %s: READY with unmet dependencies", id)
		}
		if t.Status.InFlight() && t.AssignedDeviceID == "" {
			return errors.Errorf("task %s: %s without device", id, t.Status)
		}
	}
	return nil
}

func (c *Constellation) countUnmet(t *TaskStar) int {
	n := 0
	for dep := range t.Dependencies {
		if d, ok := c.tasks[dep]; !ok || d.Status != StatusCompleted {
			n++
		}
	}
	return n
}

// dependencyView returns a copy of the dependency relation for validation.
func (c *Constellation) dependencyView() map[string]IDSet {
	out := make(map[string]IDSet, len(c.tasks))
	for id, t := range c.tasks {
		out[id] = t.Dependencies.Clone()
	}
	return out
}

// topoOrder returns a topological order with insertion order as tie-break.
func (c *Constellation) topoOrder() []string {
	order, _ := topoSort(c.order, c.dependencyView())
	return order
}
