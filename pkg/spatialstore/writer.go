package spatialstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/travigo/fleettrack/pkg/model"
)

type SampleStore interface {
	InsertSample(ctx context.Context, sample *model.LocationSample) error
	InsertGeofenceEvents(ctx context.Context, events []model.GeofenceEvent) error
}

// Invalidator drops cached nearby results around a point once its sample is durable.
type Invalidator interface {
	InvalidateNear(ctx context.Context, point model.Point) error
}

type writeJob struct {
	operation string
	driverID  string
	run       func(ctx context.Context) error
}

// Writer performs durable writes off the request path. Jobs that do not fit in the
// queue, or that fail or time out, are logged and dropped.
type Writer struct {
	store       SampleStore
	invalidator Invalidator
	timeout     time.Duration
	workers int

	queue chan writeJob
	pool  *pool.Pool

	mutex  sync.RWMutex
	closed bool
}

func NewWriter(store SampleStore, workers int, queueSize int, timeout time.Duration) *Writer {
	if workers < 1 {
		workers = 1
	}

	return &Writer{
		store:   store,
		timeout: timeout,
		workers: workers,
		queue:   make(chan writeJob, queueSize),
		pool:    pool.New().WithMaxGoroutines(workers),
	}
}

// WithInvalidator clears nearby caches again after each sample insert, so a query
// that ran between the ack and the insert does not keep serving the stale result.
func (w *Writer) WithInvalidator(invalidator Invalidator) *Writer {
	w.invalidator = invalidator
	return w
}

func (w *Writer) Start() {
	log.Info().Int("workers", w.workers).Int("queue", cap(w.queue)).Msg("Starting durable store writers")

	for i := 0; i < w.workers; i++ {
		w.pool.Go(func() {
			for job := range w.queue {
				w.execute(job)
			}
		})
	}
}

func (w *Writer) execute(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := job.run(ctx); err != nil {
		log.Error().
			Err(&model.StoreWriteError{Operation: job.operation, Err: err}).
			Str("driver", job.driverID).
			Msg("Durable write failed")
	}
}

func (w *Writer) submit(job writeJob) bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	if w.closed {
		return false
	}

	select {
	case w.queue <- job:
		return true
	default:
		log.Warn().Str("operation", job.operation).Str("driver", job.driverID).Msg("Durable write queue full, dropping")
		return false
	}
}

func (w *Writer) SubmitSample(sample model.LocationSample) bool {
	return w.submit(writeJob{
		operation: "insert_sample",
		driverID:  sample.DriverID,
		run: func(ctx context.Context) error {
			if err := w.store.InsertSample(ctx, &sample); err != nil {
				return err
			}

			if w.invalidator != nil {
				if err := w.invalidator.InvalidateNear(ctx, sample.Point()); err != nil {
					log.Warn().Err(err).Str("driver", sample.DriverID).Msg("Failed to invalidate nearby cache after insert")
				}
			}
			return nil
		},
	})
}

func (w *Writer) SubmitGeofenceEvents(driverID string, events []model.GeofenceEvent) bool {
	if len(events) == 0 {
		return true
	}

	return w.submit(writeJob{
		operation: "insert_geofence_events",
		driverID:  driverID,
		run: func(ctx context.Context) error {
			return w.store.InsertGeofenceEvents(ctx, events)
		},
	})
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (w *Writer) Close() {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mutex.Unlock()

	w.pool.Wait()
}
