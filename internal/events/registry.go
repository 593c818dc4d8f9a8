package events

import "github.com/pkg/errors"

var allowedEvents = map[string]struct{}{
	// constellation
	"constellation.created":           {},
	"constellation.updated":           {},
	"constellation.completed":         {},
	"constellation.failed":            {},
	"constellation.mutation_rejected": {},
	"constellation.retired":           {},

	// task
	"task.created":             {},
	"task.status_changed":      {},
	"task.assigned":            {},
	"task.started":             {},
	"task.completed":           {},
	"task.failed":              {},
	"task.transition_rejected": {},

	// device
	"device.registered":   {},
	"device.updated":      {},
	"device.unreachable":  {},
	"device.recovered":    {},
	"device.rejected":     {},
	"device.unregistered": {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return errors.Errorf("unknown event: %s", event)
	}
	return nil
}

// Names returns every allowed event name.
func Names() []string {
	names := make([]string, 0, len(allowedEvents))
	for name := range allowedEvents {
		names = append(names, name)
	}
	return names
}
