package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AaronLay10/Constellation/internal/devices"
	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/log"
	"github.com/AaronLay10/Constellation/internal/observability"
)

// Config holds the control loop limits.
type Config struct {
	MaxAttempts         int
	DispatchTimeout     time.Duration
	ExecutionTimeout    time.Duration
	HeartbeatTimeout    time.Duration
	DispatchWaitTimeout time.Duration
	PollInterval        time.Duration
	InboxSize           int
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		DispatchTimeout:     30 * time.Second,
		ExecutionTimeout:    10 * time.Minute,
		HeartbeatTimeout:    60 * time.Second,
		DispatchWaitTimeout: 5 * time.Minute,
		PollInterval:        250 * time.Millisecond,
		InboxSize:           256,
	}
}

// EventSink receives observability events. It must not block.
type EventSink func(level, name, msg string, fields map[string]interface{})

func emitToStream(level, name, msg string, fields map[string]interface{}) {
	if _, err := events.Emit(level, name, msg, fields); err != nil {
		log.WithComponent("orchestrator").WithError(err).Warn("event rejected")
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithEventSink replaces the default event stream.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.emit = sink }
}

// WithEvolution attaches a planner-backed GraphEvolution.
func WithEvolution(ev *GraphEvolution) Option {
	return func(o *Orchestrator) { o.evolution = ev }
}

// WithMetrics records loop activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Report is the final outcome handed back to the caller.
type Report struct {
	ConstellationID string             `json:"constellation_id"`
	State           ConstellationState `json:"state"`
	Reason          string             `json:"reason,omitempty"`
	Version         int                `json:"version"`
	Failures        []TaskFailure      `json:"failures,omitempty"`
	Snapshot        Snapshot           `json:"snapshot"`
}

// FailedTaskIDs returns the ids of Failures in order.
func (r Report) FailedTaskIDs() []string {
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, f.TaskID)
	}
	return ids
}

// Err returns nil for a COMPLETED constellation, otherwise an error matching
// ErrDeadlock or ErrTaskTerminalFailure.
func (r Report) Err() error {
	switch {
	case r.State == StateCompleted:
		return nil
	case r.Reason == ErrDeadlock.Error():
		return errors.Wrapf(ErrDeadlock, "constellation %s", r.ConstellationID)
	case r.State == StateFailed:
		return errors.Wrapf(ErrTaskTerminalFailure, "constellation %s: %v", r.ConstellationID, r.FailedTaskIDs())
	default:
		return errors.Errorf("constellation %s is %s", r.ConstellationID, r.State)
	}
}

// inbox messages
type (
	resultMsg    struct{ result Result }
	heartbeatMsg struct{ hb Heartbeat }
	proposalMsg  struct {
		trigger  Trigger
		mutation *Mutation
		err      error
	}
	submitMsg struct {
		mutation Mutation
		reply    chan submitReply
	}
	dispatchFailedMsg struct {
		cmd Command
		err error
	}
)

type submitReply struct {
	outcome MutationOutcome
	err     error
}

// Orchestrator is the control loop for one constellation. Every change to the
// constellation happens on the goroutine running Step or Run; other goroutines
// talk to it through the inbox and read published snapshots.
type Orchestrator struct {
	cfg       Config
	graph     *Constellation
	registry  *devices.Registry
	channel   DispatchChannel
	evolution *GraphEvolution
	emit      EventSink
	metrics   *observability.Metrics
	now       func() time.Time
	log       *logrus.Entry

	inbox       chan interface{}
	waitingFrom map[string]time.Time // READY task -> start of its no-capable-device wait
	outstanding int                  // proposals not yet returned
	proposals   sync.WaitGroup
	stopOnce    sync.Once
	stopped     chan struct{}
	done        chan struct{}

	mu     sync.RWMutex
	snap   Snapshot
	report *Report
}

// New validates the initial graph and creates a PLANNING constellation.
// An empty id falls back to the graph's id, then to a fresh UUID.
func New(id string, g InitialGraph, registry *devices.Registry, channel DispatchChannel, cfg Config, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("orchestrator: device registry is required")
	}
	if channel == nil {
		return nil, errors.New("orchestrator: dispatch channel is required")
	}
	if id == "" {
		id = g.ConstellationID
	}
	if id == "" {
		id = uuid.NewString()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	o := applyOptions(opts)
	o.cfg = cfg
	o.registry = registry
	o.channel = channel
	o.inbox = make(chan interface{}, cfg.InboxSize)
	o.waitingFrom = make(map[string]time.Time)
	o.stopped = make(chan struct{})
	o.done = make(chan struct{})
	o.log = log.WithComponent("orchestrator").WithField("constellation_id", id)

	graph, err := NewConstellation(id, g, cfg.MaxAttempts, o.now())
	if err != nil {
		return nil, errors.Wrap(err, "initial graph")
	}
	o.graph = graph

	o.emit("info", "constellation.created", "", map[string]interface{}{
		"constellation_id": id,
		"name":             graph.Name(),
		"version":          graph.Version(),
		"tasks":            graph.Len(),
	})
	for _, t := range graph.Tasks() {
		o.emitCreated(t)
	}
	o.metrics.ConstellationStarted()
	o.publish()
	return o, nil
}

func applyOptions(opts []Option) *Orchestrator {
	o := &Orchestrator{emit: emitToStream, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ID returns the constellation id.
func (o *Orchestrator) ID() string { return o.graph.ID() }

// Snapshot returns the state published at the end of the last iteration.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap
}

// Report returns the final report once the constellation is terminal.
func (o *Orchestrator) Report() (Report, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.report == nil {
		return Report{}, false
	}
	return *o.report, true
}

// Done is closed when the constellation reaches a terminal state.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Deliver enqueues a device result. It blocks only while the inbox is full.
func (o *Orchestrator) Deliver(ctx context.Context, r Result) error {
	return o.enqueue(ctx, resultMsg{result: r})
}

// Heartbeat enqueues a liveness signal for the loop to apply.
func (o *Orchestrator) Heartbeat(ctx context.Context, hb Heartbeat) error {
	return o.enqueue(ctx, heartbeatMsg{hb: hb})
}

// DispatchFailed reports that cmd never reached its device after Send had
// already returned. The loop fails the task back if cmd is still its current
// assignment.
func (o *Orchestrator) DispatchFailed(ctx context.Context, cmd Command, err error) error {
	return o.enqueue(ctx, dispatchFailedMsg{cmd: cmd, err: err})
}

// Submit enqueues an externally proposed mutation and waits for the loop to
// validate and apply it.
func (o *Orchestrator) Submit(ctx context.Context, m Mutation) (MutationOutcome, error) {
	reply := make(chan submitReply, 1)
	if err := o.enqueue(ctx, submitMsg{mutation: m, reply: reply}); err != nil {
		return MutationOutcome{}, err
	}
	select {
	case r := <-reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return MutationOutcome{}, ctx.Err()
	case <-o.stopped:
		return MutationOutcome{}, ErrOrchestratorStopped
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, msg interface{}) error {
	select {
	case <-o.stopped:
		return ErrOrchestratorStopped
	default:
	}
	select {
	case o.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrOrchestratorStopped
	}
}

// Run drives the loop until the constellation is terminal or ctx is done.
// Between iterations it waits on the inbox for at most PollInterval.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	defer o.stop()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if o.Step(ctx) {
			report, _ := o.Report()
			return report, nil
		}
		select {
		case <-ctx.Done():
			o.log.WithError(ctx.Err()).Info("control loop cancelled")
			return o.interimReport(), ctx.Err()
		case msg := <-o.inbox:
			o.handle(ctx, msg)
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) stop() {
	o.stopOnce.Do(func() {
		close(o.stopped)
	})
	o.proposals.Wait()
}

func (o *Orchestrator) interimReport() Report {
	return Report{
		ConstellationID: o.graph.ID(),
		State:           o.graph.State(),
		Reason:          o.graph.Reason(),
		Version:         o.graph.Version(),
		Snapshot:        o.graph.Snapshot(),
	}
}

// Step runs one iteration of the control loop and reports whether the
// constellation is terminal. It never blocks on a device.
func (o *Orchestrator) Step(ctx context.Context) bool {
	if o.graph.State().Terminal() {
		return true
	}

	o.drain(ctx)
	now := o.now()
	o.checkLiveness(ctx, now)
	o.checkDeadlines(ctx, now)

	for _, tr := range o.graph.Promote(now) {
		o.recordTransition(tr)
	}
	if o.outstanding == 0 {
		for _, tr := range o.graph.PropagateSkips(now) {
			o.recordTransition(tr)
		}
	}
	o.dispatchReady(ctx, now)

	done := false
	if o.outstanding == 0 {
		done = o.evaluate(now)
	}
	o.metrics.ObserveDevices(o.registry.Counts())
	o.publish()
	return done
}

func (o *Orchestrator) drain(ctx context.Context) {
	for {
		select {
		case msg := <-o.inbox:
			o.handle(ctx, msg)
		default:
			return
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case resultMsg:
		o.handleResult(ctx, m.result)
	case heartbeatMsg:
		o.handleHeartbeat(m.hb)
	case proposalMsg:
		o.outstanding--
		if m.err != nil {
			o.log.WithError(m.err).WithField("task_id", m.trigger.TaskID).Warn("planner proposal failed")
			o.emit("warning", "system.error", "planner proposal failed", map[string]interface{}{
				"constellation_id": o.graph.ID(),
				"task_id":          m.trigger.TaskID,
				"error":            m.err.Error(),
			})
			return
		}
		if m.mutation != nil {
			_, _ = o.applyMutation(*m.mutation, "planner")
		}
	case submitMsg:
		outcome, err := o.applyMutation(m.mutation, "external")
		m.reply <- submitReply{outcome: outcome, err: err}
	case dispatchFailedMsg:
		o.handleDispatchFailure(m.cmd, m.err)
	}
}

func (o *Orchestrator) handleDispatchFailure(cmd Command, cause error) {
	t, ok := o.graph.tasks[cmd.TaskID]
	if !ok || t.Status != StatusAssigned || t.AssignmentToken != cmd.AssignmentToken || t.AssignedDeviceID != cmd.DeviceID {
		o.log.WithFields(logrus.Fields{
			"task_id":          cmd.TaskID,
			"assignment_token": cmd.AssignmentToken,
		}).Debug("late dispatch failure ignored")
		return
	}
	o.metrics.ObserveDispatch("error")
	o.failback(cmd.TaskID, KindDispatchError, errors.Wrapf(cause, "send to %s", cmd.DeviceID), o.now())
}

// handleResult applies a device result if it matches the task's current
// assignment, and discards it otherwise.
func (o *Orchestrator) handleResult(ctx context.Context, r Result) {
	now := o.now()
	t, ok := o.graph.tasks[r.TaskID]
	if reason := staleReason(o.graph.ID(), t, ok, r); reason != "" {
		o.metrics.ObserveStaleResult()
		o.log.WithFields(logrus.Fields{
			"task_id":          r.TaskID,
			"device_id":        r.DeviceID,
			"assignment_token": r.AssignmentToken,
			"reason":           reason,
		}).Debug("stale result discarded")
		return
	}

	deviceID := t.AssignedDeviceID
	assignment := t.Assignment(o.graph.ID())

	if t.Status == StatusAssigned {
		if !o.mark(r.TaskID, StatusRunning, Payload{DeviceID: deviceID}, now) {
			return
		}
	}

	switch r.Status {
	case ResultStarted:
		return
	case ResultSuccess:
		o.metrics.ObserveTaskDuration(now.Sub(t.StartedAt))
		if !o.mark(r.TaskID, StatusCompleted, Payload{DeviceID: deviceID, Result: r.Payload}, now) {
			return
		}
		o.registry.Release(deviceID, assignment)
		o.propose(ctx, Trigger{TaskID: r.TaskID, Status: StatusCompleted, Result: r.Payload})
	case ResultFailure:
		o.metrics.ObserveTaskDuration(now.Sub(t.StartedAt))
		msg := r.Error
		if msg == "" {
			msg = "device reported failure"
		}
		if !o.mark(r.TaskID, StatusFailed, Payload{DeviceID: deviceID, Error: msg, ErrorKind: KindTaskFailure}, now) {
			return
		}
		o.registry.Release(deviceID, assignment)
		o.retryOrSettle(r.TaskID, now)
		o.propose(ctx, Trigger{TaskID: r.TaskID, Status: StatusFailed, Result: r.Payload, Error: msg})
	default:
		o.log.WithFields(logrus.Fields{"task_id": r.TaskID, "status": r.Status}).Warn("result with unknown status ignored")
	}
}

func staleReason(constellationID string, t *TaskStar, ok bool, r Result) string {
	switch {
	case !ok:
		return "unknown task"
	case r.ConstellationID != "" && r.ConstellationID != constellationID:
		return "other constellation"
	case !t.Status.InFlight():
		return fmt.Sprintf("task is %s", t.Status)
	case r.AssignmentToken != t.AssignmentToken:
		return "superseded assignment"
	case r.DeviceID != "" && r.DeviceID != t.AssignedDeviceID:
		return "not the assigned device"
	}
	return ""
}

// retryOrSettle sends a FAILED task back to PENDING while it has attempts
// left. A task with no attempts left stays FAILED; that is terminal.
func (o *Orchestrator) retryOrSettle(taskID string, now time.Time) {
	if o.graph.CanRetry(taskID) {
		o.mark(taskID, StatusPending, Payload{}, now)
		return
	}
	t := o.graph.tasks[taskID]
	o.log.WithFields(logrus.Fields{
		"task_id":       taskID,
		"attempt_count": t.AttemptCount,
		"error":         t.Error,
	}).Warn(ErrTaskTerminalFailure.Error())
}

func (o *Orchestrator) handleHeartbeat(hb Heartbeat) {
	at := hb.Timestamp
	if at.IsZero() {
		at = o.now()
	}
	recovered, err := o.registry.Heartbeat(hb.DeviceID, at, hb.StatusHint)
	if err != nil {
		o.log.WithError(err).Debug("heartbeat ignored")
		return
	}
	if recovered {
		o.emit("info", "device.recovered", "", map[string]interface{}{"device_id": hb.DeviceID})
	}
}

// checkLiveness marks silent devices UNREACHABLE and fails back every task
// whose device no longer holds its assignment.
func (o *Orchestrator) checkLiveness(ctx context.Context, now time.Time) {
	for _, rec := range o.registry.MarkUnreachableIfStale(now, o.cfg.HeartbeatTimeout) {
		o.emit("warning", "device.unreachable", "heartbeat timeout", map[string]interface{}{
			"device_id":         rec.DeviceID,
			"last_heartbeat_at": rec.LastHeartbeatAt.UTC().Format(time.RFC3339Nano),
			"task_id":           rec.CurrentTaskID(),
		})
	}

	for _, id := range o.graph.InFlight() {
		t := o.graph.tasks[id]
		rec, ok := o.registry.Get(t.AssignedDeviceID)
		switch {
		case !ok:
			o.failback(id, KindDeviceUnreachable, errors.Wrapf(ErrDeviceUnreachable, "device %s is no longer registered", t.AssignedDeviceID), now)
		case rec.Status == devices.StatusUnreachable:
			o.failback(id, KindDeviceUnreachable, errors.Wrapf(ErrDeviceUnreachable, "device %s", t.AssignedDeviceID), now)
		case !rec.Holds(t.Assignment(o.graph.ID())):
			o.failback(id, KindDeviceUnreachable, errors.Wrapf(ErrDeviceUnreachable, "device %s lost the assignment", t.AssignedDeviceID), now)
		}
	}
}

// checkDeadlines fails back ASSIGNED tasks past the dispatch deadline and
// RUNNING tasks past the execution deadline.
func (o *Orchestrator) checkDeadlines(ctx context.Context, now time.Time) {
	for _, id := range o.graph.InFlight() {
		t := o.graph.tasks[id]
		switch t.Status {
		case StatusAssigned:
			if o.cfg.DispatchTimeout > 0 && now.Sub(t.AssignedAt) > o.cfg.DispatchTimeout {
				o.failback(id, KindDispatchTimeout, errors.Wrapf(ErrDispatchTimeout, "no acknowledgement after %s", o.cfg.DispatchTimeout), now)
			}
		case StatusRunning:
			limit := o.cfg.ExecutionTimeout
			if t.Timeout > 0 {
				limit = t.Timeout
			}
			if limit > 0 && now.Sub(t.StartedAt) > limit {
				o.failback(id, KindExecutionTimeout, errors.Wrapf(ErrExecutionTimeout, "running for more than %s", limit), now)
			}
		}
	}
}

// failback takes an in-flight task away from its device. The attempt is
// consumed; with no attempts left the task fails terminally instead of
// returning to PENDING.
func (o *Orchestrator) failback(taskID, kind string, cause error, now time.Time) {
	t := o.graph.tasks[taskID]
	deviceID := t.AssignedDeviceID
	assignment := t.Assignment(o.graph.ID())
	payload := Payload{DeviceID: deviceID, Error: cause.Error(), ErrorKind: kind}

	o.metrics.ObserveFailback(kind)
	o.log.WithFields(logrus.Fields{
		"task_id":   taskID,
		"device_id": deviceID,
		"kind":      kind,
	}).Warn("failback")

	to := StatusPending
	if o.graph.AttemptsLeft(taskID) <= 1 {
		to = StatusFailed
	}
	if !o.mark(taskID, to, payload, now) {
		return
	}
	o.registry.Release(deviceID, assignment)
	if to == StatusFailed {
		o.retryOrSettle(taskID, now)
		o.propose(context.Background(), Trigger{TaskID: taskID, Status: StatusFailed, Error: payload.Error})
	}
}

// dispatchReady assigns each READY task to the best idle capable device.
func (o *Orchestrator) dispatchReady(ctx context.Context, now time.Time) {
	ready := o.graph.ReadySet()
	for id := range o.waitingFrom {
		if t, ok := o.graph.tasks[id]; !ok || t.Status != StatusReady {
			delete(o.waitingFrom, id)
		}
	}

	for _, id := range ready {
		t := o.graph.tasks[id]
		snapshot := o.registry.Snapshot()

		if !devices.Capable(t.RequiredCapabilities, snapshot) {
			since, waiting := o.waitingFrom[id]
			if !waiting {
				o.waitingFrom[id] = now
				continue
			}
			if o.cfg.DispatchWaitTimeout > 0 && now.Sub(since) >= o.cfg.DispatchWaitTimeout {
				delete(o.waitingFrom, id)
				o.mark(id, StatusSkipped, Payload{
					Error:     fmt.Sprintf("no device with capabilities %v within %s", t.RequiredCapabilities.Tags(), o.cfg.DispatchWaitTimeout),
					ErrorKind: KindDispatchWaitTimeout,
				}, now)
			}
			continue
		}
		delete(o.waitingFrom, id)

		deviceID, ok := devices.Match(t.RequiredCapabilities, snapshot)
		if !ok {
			continue
		}
		assignment := devices.Assignment{ConstellationID: o.graph.ID(), TaskID: id, Token: t.AssignmentToken + 1}
		if !o.registry.TryAcquire(deviceID, assignment, now) {
			o.log.WithFields(logrus.Fields{"task_id": id, "device_id": deviceID}).Debug("device taken concurrently, retrying next iteration")
			continue
		}
		if !o.mark(id, StatusAssigned, Payload{DeviceID: deviceID}, now) {
			o.registry.Release(deviceID, assignment)
			continue
		}
		if o.graph.State() == StatePlanning {
			o.setState(StateExecuting, "", now)
		}

		if err := o.channel.Send(ctx, commandFor(o.graph.ID(), t)); err != nil {
			o.metrics.ObserveDispatch("error")
			o.failback(id, KindDispatchError, errors.Wrapf(err, "send to %s", deviceID), now)
			continue
		}
		o.metrics.ObserveDispatch("sent")
	}
}

// evaluate settles the constellation once no further progress is possible.
func (o *Orchestrator) evaluate(now time.Time) bool {
	v := o.graph.Evaluate()
	if !v.Done {
		return false
	}

	reason := ""
	failures := o.graph.Failures()
	switch {
	case v.Deadlock:
		reason = ErrDeadlock.Error()
	case v.State == StateFailed:
		reason = fmt.Sprintf("%d task(s) failed", len(failures))
	}
	if err := o.setState(v.State, reason, now); err != nil {
		return false
	}

	report := Report{
		ConstellationID: o.graph.ID(),
		State:           v.State,
		Reason:          reason,
		Version:         o.graph.Version(),
		Snapshot:        o.graph.Snapshot(),
	}
	if v.State == StateFailed {
		report.Failures = failures
	}

	fields := map[string]interface{}{
		"constellation_id": o.graph.ID(),
		"state":            string(v.State),
		"version":          o.graph.Version(),
	}
	if v.State == StateCompleted {
		o.emit("info", "constellation.completed", "", fields)
	} else {
		fields["reason"] = reason
		fields["failed_tasks"] = report.FailedTaskIDs()
		o.emit("error", "constellation.failed", reason, fields)
	}
	o.log.WithFields(logrus.Fields{"state": v.State, "reason": reason}).Info("constellation finished")
	o.metrics.ConstellationFinished(string(v.State))

	o.mu.Lock()
	o.report = &report
	o.mu.Unlock()
	close(o.done)
	return true
}

func (o *Orchestrator) setState(to ConstellationState, reason string, now time.Time) error {
	from := o.graph.State()
	if err := o.graph.SetState(to, reason, now); err != nil {
		o.log.WithError(err).Error("constellation state change rejected")
		return err
	}
	o.emit("info", "constellation.updated", "", map[string]interface{}{
		"constellation_id": o.graph.ID(),
		"old_state":        string(from),
		"new_state":        string(to),
		"version":          o.graph.Version(),
	})
	return nil
}

// mark applies a transition and emits it. Rejections are logged and emitted,
// and the loop carries on.
func (o *Orchestrator) mark(taskID string, to TaskStatus, p Payload, now time.Time) bool {
	tr, err := o.graph.Mark(taskID, to, p, now)
	if err != nil {
		o.log.WithError(err).Warn("transition rejected")
		o.emit("warning", "task.transition_rejected", err.Error(), map[string]interface{}{
			"constellation_id": o.graph.ID(),
			"task_id":          taskID,
			"to":               string(to),
		})
		return false
	}
	o.recordTransition(tr)
	return true
}

func (o *Orchestrator) recordTransition(tr Transition) {
	o.metrics.ObserveTransition(string(tr.To))

	fields := map[string]interface{}{
		"constellation_id": o.graph.ID(),
		"task_id":          tr.TaskID,
		"old_status":       string(tr.From),
		"new_status":       string(tr.To),
		"attempt_count":    tr.AttemptCount,
		"at":               tr.At.UTC().Format(time.RFC3339Nano),
	}
	if tr.DeviceID != "" {
		fields["device_id"] = tr.DeviceID
		fields["assignment_token"] = tr.Token
	}
	if tr.Error != "" {
		fields["error"] = tr.Error
		fields["error_kind"] = tr.ErrorKind
	}

	level, name := "info", "task.status_changed"
	switch tr.To {
	case StatusAssigned:
		name = "task.assigned"
	case StatusRunning:
		name = "task.started"
	case StatusCompleted:
		name = "task.completed"
	case StatusFailed:
		level, name = "warning", "task.failed"
	case StatusSkipped:
		level = "warning"
	}
	o.emit(level, name, "", fields)
}

func (o *Orchestrator) emitCreated(t TaskStar) {
	o.emit("info", "task.created", "", map[string]interface{}{
		"constellation_id":      o.graph.ID(),
		"task_id":               t.TaskID,
		"name":                  t.Name,
		"required_capabilities": t.RequiredCapabilities.Tags(),
		"dependencies":          t.Dependencies.Sorted(),
		"graph_version_created": t.GraphVersionCreated,
	})
}

// propose asks the planner about an outcome off-loop. The answer comes back
// through the inbox and is validated against the graph at that point.
func (o *Orchestrator) propose(ctx context.Context, trigger Trigger) {
	if !o.evolution.Enabled() {
		return
	}
	snapshot := o.graph.Snapshot()
	o.outstanding++
	o.proposals.Add(1)

	go func() {
		defer o.proposals.Done()
		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		go func() {
			select {
			case <-o.stopped:
				cancel()
			case <-pctx.Done():
			}
		}()

		m, err := o.evolution.Propose(pctx, snapshot, trigger)
		select {
		case o.inbox <- proposalMsg{trigger: trigger, mutation: m, err: err}:
		case <-o.stopped:
		}
	}()
}

// applyMutation validates and commits a mutation inside the loop.
func (o *Orchestrator) applyMutation(m Mutation, source string) (MutationOutcome, error) {
	now := o.now()
	var (
		out MutationOutcome
		err error
	)
	if o.evolution != nil {
		out, err = o.evolution.Apply(o.graph, m, now)
	} else {
		out, err = o.graph.Apply(m, now)
	}
	if err != nil {
		o.metrics.ObserveMutation(string(m.Kind), "rejected")
		o.log.WithError(err).WithField("source", source).Warn("mutation rejected")
		o.emit("warning", "constellation.mutation_rejected", err.Error(), map[string]interface{}{
			"constellation_id": o.graph.ID(),
			"kind":             string(m.Kind),
			"source":           source,
			"version":          o.graph.Version(),
		})
		return MutationOutcome{}, err
	}

	o.metrics.ObserveMutation(string(m.Kind), "applied")
	o.emit("info", "constellation.updated", m.Reason, map[string]interface{}{
		"constellation_id": o.graph.ID(),
		"kind":             string(m.Kind),
		"source":           source,
		"version":          out.Version,
		"added":            out.Added,
		"removed":          out.Removed,
		"rerouted":         out.Rerouted,
	})
	for _, id := range out.Added {
		if t, ok := o.graph.Task(id); ok {
			o.emitCreated(t)
		}
	}
	for _, id := range out.Demoted {
		o.emit("info", "task.status_changed", "demoted by mutation", map[string]interface{}{
			"constellation_id": o.graph.ID(),
			"task_id":          id,
			"old_status":       string(StatusReady),
			"new_status":       string(StatusPending),
		})
	}
	for _, id := range out.Removed {
		delete(o.waitingFrom, id)
	}
	return out, nil
}

func (o *Orchestrator) publish() {
	snap := o.graph.Snapshot()
	o.mu.Lock()
	o.snap = snap
	o.mu.Unlock()
}
