// Package devices tracks the pool of worker devices, their declared
// capabilities and live status, and matches work to idle capable devices.
package devices

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Status is the live availability of a device.
type Status string

const (
	StatusIdle        Status = "IDLE"
	StatusBusy        Status = "BUSY"
	StatusUnreachable Status = "UNREACHABLE"
)

// Assignment identifies the single unit of work a BUSY device holds.
// Token is the task's assignment token at the time the device was acquired.
type Assignment struct {
	ConstellationID string `json:"constellation_id"`
	TaskID          string `json:"task_id"`
	Token           uint64 `json:"assignment_token"`
}

// Record holds runtime information about a registered device.
type Record struct {
	DeviceID        string        `json:"device_id"`
	Platform        string        `json:"platform"`
	Capabilities    CapabilitySet `json:"capabilities"`
	Status          Status        `json:"status"`
	Current         *Assignment   `json:"current,omitempty"`
	StatusHint      string        `json:"status_hint,omitempty"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	LastAssignedAt  time.Time     `json:"last_assigned_at"`
}

// CurrentTaskID returns the task the device is working on, or "".
func (r Record) CurrentTaskID() string {
	if r.Current == nil {
		return ""
	}
	return r.Current.TaskID
}

// Holds reports whether the device is BUSY with exactly this assignment.
func (r Record) Holds(a Assignment) bool {
	return r.Status == StatusBusy && r.holding(a)
}

// holding ignores status: an UNREACHABLE device keeps its assignment until the
// owning loop fails the task back and releases it.
func (r Record) holding(a Assignment) bool {
	return r.Current != nil && *r.Current == a
}

func (r *Record) clone() Record {
	cpy := *r
	cpy.Capabilities = r.Capabilities.Clone()
	if r.Current != nil {
		cur := *r.Current
		cpy.Current = &cur
	}
	return cpy
}

// Registry tracks known devices and their live status. It may be shared by
// several constellation loops; every mutation takes the registry mutex for the
// duration of a map update only, and BUSY acquisition is a compare-and-set.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Record
}

// NewRegistry creates a new empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Record),
	}
}

// Register adds a device or refreshes the declaration of a known one.
// A re-registering device counts as a heartbeat; an UNREACHABLE device with no
// assignment comes back IDLE. A BUSY device keeps its assignment.
// Returns true when the device was not previously known.
func (r *Registry) Register(deviceID, platform string, capabilities []string, now time.Time) (bool, error) {
	if deviceID == "" {
		return false, errors.New("device_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[deviceID]
	if !ok {
		r.devices[deviceID] = &Record{
			DeviceID:        deviceID,
			Platform:        platform,
			Capabilities:    NewCapabilitySet(capabilities...),
			Status:          StatusIdle,
			LastHeartbeatAt: now,
		}
		return true, nil
	}

	existing.Platform = platform
	existing.Capabilities = NewCapabilitySet(capabilities...)
	existing.LastHeartbeatAt = now
	if existing.Status == StatusUnreachable && existing.Current == nil {
		existing.Status = StatusIdle
	}
	return false, nil
}

// Unregister removes a device from the registry.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, deviceID)
}

// Heartbeat records liveness for a device. An UNREACHABLE device recovers to
// IDLE only once its owning loop has released the assignment it held; until
// then it stays UNREACHABLE so no other loop can acquire it.
// Returns (recovered, error).
func (r *Registry) Heartbeat(deviceID string, at time.Time, hint string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return false, errors.Errorf("device not registered: %s", deviceID)
	}
	if at.After(dev.LastHeartbeatAt) {
		dev.LastHeartbeatAt = at
	}
	dev.StatusHint = hint

	if dev.Status == StatusUnreachable && dev.Current == nil {
		dev.Status = StatusIdle
		return true, nil
	}
	return false, nil
}

// MarkUnreachableIfStale flags every device whose last heartbeat is older
// than timeout. It returns copies of the devices that transitioned on this
// call. A flagged device keeps its assignment.
func (r *Registry) MarkUnreachableIfStale(now time.Time, timeout time.Duration) []Record {
	if timeout <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var marked []Record
	for _, dev := range r.devices {
		if dev.Status == StatusUnreachable {
			continue
		}
		if now.Sub(dev.LastHeartbeatAt) > timeout {
			dev.Status = StatusUnreachable
			marked = append(marked, dev.clone())
		}
	}
	sort.Slice(marked, func(i, j int) bool { return marked[i].DeviceID < marked[j].DeviceID })
	return marked
}

// MarkUnreachable forces a device into UNREACHABLE, e.g. when the transport
// reports a lost session. Returns false if the device is unknown.
func (r *Registry) MarkUnreachable(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	dev.Status = StatusUnreachable
	return true
}

// TryAcquire moves a device IDLE→BUSY holding the given assignment.
// It fails without blocking if the device is not IDLE any more; the caller
// retries matching on its next iteration.
func (r *Registry) TryAcquire(deviceID string, a Assignment, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok || dev.Status != StatusIdle {
		return false
	}
	cur := a
	dev.Status = StatusBusy
	dev.Current = &cur
	dev.LastAssignedAt = now
	return true
}

// Release drops the assignment if the device still holds it. A BUSY device
// goes IDLE; an UNREACHABLE one stays UNREACHABLE and recovers on its next
// heartbeat.
func (r *Registry) Release(deviceID string, a Assignment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok || !dev.holding(a) {
		return false
	}
	if dev.Status == StatusBusy {
		dev.Status = StatusIdle
	}
	dev.Current = nil
	return true
}

// Get returns a copy of a device by ID.
func (r *Registry) Get(deviceID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if dev, ok := r.devices[deviceID]; ok {
		return dev.clone(), true
	}
	return Record{}, false
}

// Exists returns true if the device is registered.
func (r *Registry) Exists(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[deviceID]
	return ok
}

// Snapshot returns copies of all devices ordered by device ID.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Counts returns the number of devices per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[Status]int{StatusIdle: 0, StatusBusy: 0, StatusUnreachable: 0}
	for _, dev := range r.devices {
		counts[dev.Status]++
	}
	return counts
}

// Clear removes all devices from the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]*Record)
}
