package events

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	persistQueueSize = 1024
	appendTimeout    = 5 * time.Second
	// stopWait bounds how long SetStore waits for the previous writer to drain.
	stopWait = 2 * time.Second
)

type persistJob struct {
	ts              time.Time
	level           string
	name            string
	msg             string
	fields          map[string]interface{}
	constellationID string
}

// storeWriter drains a bounded queue into one Store on a single goroutine so
// a slow or hung database never blocks Emit.
type storeWriter struct {
	store   Store
	queue   chan persistJob
	done    chan struct{}
	timeout time.Duration

	errorLogged bool
}

var (
	persistDropped atomic.Uint64
	persistPending atomic.Int64
)

func startWriter(s Store, size int, timeout time.Duration) *storeWriter {
	w := &storeWriter{
		store:   s,
		queue:   make(chan persistJob, size),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go w.run()
	return w
}

func (w *storeWriter) run() {
	defer close(w.done)
	for job := range w.queue {
		w.write(job)
		persistPending.Add(-1)
	}
}

func (w *storeWriter) write(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	err := w.store.Append(ctx, job.ts, job.level, job.name, job.msg, job.fields, job.constellationID)
	if err == nil || w.errorLogged {
		return
	}
	w.errorLogged = true

	// Straight into the buffer, not Emit, so a failing store cannot recurse.
	errEvent := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     "error",
		Name:      "system.error",
		Message:   "event store append failed",
		Fields: map[string]interface{}{
			"error": err.Error(),
		},
	}
	buffer.Add(errEvent)
	broadcast(errEvent)
}

// enqueue never blocks; a full queue drops the job. Callers hold pgMu.RLock
// so stop cannot close the queue underneath them.
func (w *storeWriter) enqueue(job persistJob) bool {
	persistPending.Add(1)
	select {
	case w.queue <- job:
		return true
	default:
		persistPending.Add(-1)
		persistDropped.Add(1)
		return false
	}
}

func (w *storeWriter) stop() {
	close(w.queue)
	select {
	case <-w.done:
	case <-time.After(stopWait):
	}
}

// PersistDroppedCount returns how many events were not persisted because the
// store queue was full.
func PersistDroppedCount() uint64 {
	return persistDropped.Load()
}

// Flush waits up to timeout for queued events to reach the store and reports
// whether the queue drained.
func Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for persistPending.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}
