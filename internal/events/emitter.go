package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/AaronLay10/Constellation/internal/observability"
	"github.com/AaronLay10/Constellation/internal/storage/postgres"
)

var buffer = NewRingBuffer(256)

// Store persists events and serves history queries. *postgres.Client
// satisfies it. Append runs on the background writer, bounded by ctx.
type Store interface {
	Append(ctx context.Context, ts time.Time, level, event, msg string, fields map[string]interface{}, constellationID string) error
	Query(q postgres.Query) ([]postgres.EventRow, error)
}

var (
	writer  *storeWriter
	metrics *observability.Metrics
	pgMu    sync.RWMutex
)

// SetStore sets the store used for event persistence. nil disables it. The
// previous store's writer gets a short grace period to drain.
func SetStore(s Store) {
	pgMu.Lock()
	prev := writer
	writer = nil
	if s != nil {
		writer = startWriter(s, persistQueueSize, appendTimeout)
	}
	pgMu.Unlock()

	if prev != nil {
		prev.stop()
	}
}

// GetStore returns the current store (for API queries).
func GetStore() Store {
	pgMu.RLock()
	defer pgMu.RUnlock()
	if writer == nil {
		return nil
	}
	return writer.store
}

// SetMetrics counts every emitted event on m.
func SetMetrics(m *observability.Metrics) {
	pgMu.Lock()
	metrics = m
	pgMu.Unlock()
}

type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// ConstellationID returns the constellation the event belongs to, if any.
func (e Event) ConstellationID() string {
	id, _ := e.Fields["constellation_id"].(string)
	return id
}

func Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	buffer.Add(e)
	broadcast(e)

	pgMu.RLock()
	metrics.ObserveEvent(level)
	if writer != nil {
		writer.enqueue(persistJob{ts, level, name, msg, fields, e.ConstellationID()})
	}
	pgMu.RUnlock()

	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}

	return b, nil
}

func Snapshot() []Event {
	return buffer.Snapshot()
}

// TotalCount returns how many events were emitted since the last Clear.
func TotalCount() uint64 {
	return buffer.TotalCount()
}

// Clear resets the event buffer. Used for testing.
func Clear() {
	buffer.Clear()
}
