package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AaronLay10/Constellation/internal/devices"
	"github.com/AaronLay10/Constellation/internal/log"
)

// Hub runs one control loop per constellation over a shared device registry
// and routes device traffic to the owning loop.
type Hub struct {
	ctx      context.Context
	cancel   context.CancelFunc
	registry *devices.Registry
	channel  DispatchChannel
	cfg      Config
	opts     []Option
	emit     EventSink
	now      func() time.Time
	log      *logrus.Entry

	mu    sync.RWMutex
	loops map[string]*Orchestrator
	wg    sync.WaitGroup
}

// NewHub creates a hub. Loops started on it stop when ctx is cancelled or
// Shutdown is called. opts are applied to every loop.
func NewHub(ctx context.Context, registry *devices.Registry, channel DispatchChannel, cfg Config, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(ctx)
	h := &Hub{
		ctx:      ctx,
		cancel:   cancel,
		registry: registry,
		channel:  channel,
		cfg:      cfg,
		opts:     opts,
		log:      log.WithComponent("hub"),
		loops:    make(map[string]*Orchestrator),
	}
	defaults := applyOptions(opts)
	h.emit, h.now = defaults.emit, defaults.now
	return h
}

// Registry returns the shared device registry.
func (h *Hub) Registry() *devices.Registry { return h.registry }

// Start validates g and runs a new control loop for it.
func (h *Hub) Start(g InitialGraph) (*Orchestrator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if g.ConstellationID != "" {
		if _, exists := h.loops[g.ConstellationID]; exists {
			return nil, errors.Wrapf(ErrConstellationExists, "%s", g.ConstellationID)
		}
	}
	o, err := New("", g, h.registry, h.channel, h.cfg, h.opts...)
	if err != nil {
		return nil, err
	}
	h.loops[o.ID()] = o

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		report, err := o.Run(h.ctx)
		entry := h.log.WithFields(logrus.Fields{"constellation_id": o.ID(), "state": report.State})
		if err != nil {
			entry.WithError(err).Info("control loop stopped")
			return
		}
		entry.Info("control loop finished")
	}()
	return o, nil
}

// Get returns the loop for a constellation.
func (h *Hub) Get(id string) (*Orchestrator, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.loops[id]
	return o, ok
}

// List returns snapshots of every known constellation, oldest first.
func (h *Hub) List() []Snapshot {
	h.mu.RLock()
	out := make([]Snapshot, 0, len(h.loops))
	for _, o := range h.loops {
		out = append(out, o.Snapshot())
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ConstellationID < out[j].ConstellationID
	})
	return out
}

// Retire forgets a terminal constellation once its outcome has been
// collected. A constellation that is still running stays.
func (h *Hub) Retire(id string) error {
	h.mu.Lock()
	o, ok := h.loops[id]
	if !ok {
		h.mu.Unlock()
		return errors.Wrapf(ErrConstellationNotFound, "%s", id)
	}
	report, done := o.Report()
	if !done {
		h.mu.Unlock()
		return errors.Wrapf(ErrConstellationActive, "%s is %s", id, o.Snapshot().State)
	}
	delete(h.loops, id)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"constellation_id": id, "state": report.State}).Info("constellation retired")
	h.emit("info", "constellation.retired", "", map[string]interface{}{
		"constellation_id": id,
		"state":            string(report.State),
	})
	return nil
}

// Deliver routes a result to the loop named by its constellation id.
func (h *Hub) Deliver(ctx context.Context, r Result) error {
	o, ok := h.Get(r.ConstellationID)
	if !ok {
		return errors.Wrapf(ErrConstellationNotFound, "result for task %s", r.TaskID)
	}
	return o.Deliver(ctx, r)
}

// Submit routes a mutation to the loop that owns the constellation.
func (h *Hub) Submit(ctx context.Context, constellationID string, m Mutation) (MutationOutcome, error) {
	o, ok := h.Get(constellationID)
	if !ok {
		return MutationOutcome{}, errors.Wrapf(ErrConstellationNotFound, "%s", constellationID)
	}
	return o.Submit(ctx, m)
}

// DispatchFailed routes a late publish failure to the loop that sent cmd.
func (h *Hub) DispatchFailed(cmd Command, err error) {
	entry := h.log.WithFields(logrus.Fields{"constellation_id": cmd.ConstellationID, "task_id": cmd.TaskID})
	o, ok := h.Get(cmd.ConstellationID)
	if !ok {
		entry.Debug("dispatch failure for unknown constellation")
		return
	}
	if err := o.DispatchFailed(h.ctx, cmd, err); err != nil {
		entry.WithError(err).Debug("dispatch failure not delivered")
	}
}

// Heartbeat applies a liveness signal to the shared registry. Loops notice a
// recovered or lost device on their next iteration.
func (h *Hub) Heartbeat(hb Heartbeat) error {
	at := hb.Timestamp
	if at.IsZero() {
		at = h.now()
	}
	recovered, err := h.registry.Heartbeat(hb.DeviceID, at, hb.StatusHint)
	if err != nil {
		return err
	}
	if recovered {
		h.emit("info", "device.recovered", "", map[string]interface{}{"device_id": hb.DeviceID})
	}
	return nil
}

// Register adds or refreshes a device in the shared registry.
func (h *Hub) Register(deviceID, platform string, capabilities []string) error {
	created, err := h.registry.Register(deviceID, platform, capabilities, h.now())
	if err != nil {
		return err
	}
	name := "device.updated"
	if created {
		name = "device.registered"
	}
	h.emit("info", name, "", map[string]interface{}{
		"device_id":    deviceID,
		"platform":     platform,
		"capabilities": devices.NewCapabilitySet(capabilities...).Tags(),
	})
	return nil
}

// Disconnect marks a device UNREACHABLE without waiting for its heartbeat to
// lapse, for transports that see the session drop. Loops fail back its task
// on their next iteration. Returns false for an unknown device.
func (h *Hub) Disconnect(deviceID, reason string) bool {
	rec, ok := h.registry.Get(deviceID)
	if !ok {
		return false
	}
	if rec.Status == devices.StatusUnreachable {
		return true
	}
	if !h.registry.MarkUnreachable(deviceID) {
		return false
	}
	h.emit("warning", "device.unreachable", reason, map[string]interface{}{
		"device_id": deviceID,
		"task_id":   rec.CurrentTaskID(),
	})
	return true
}

// Unregister removes a device from the pool. A task it held is failed back
// by its loop.
func (h *Hub) Unregister(deviceID string) bool {
	if !h.registry.Exists(deviceID) {
		return false
	}
	h.registry.Unregister(deviceID)
	h.emit("info", "device.unregistered", "", map[string]interface{}{"device_id": deviceID})
	return true
}

// Shutdown stops every loop and waits for them to return.
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
}

// Wait blocks until every started loop has returned.
func (h *Hub) Wait() {
	h.wg.Wait()
}
