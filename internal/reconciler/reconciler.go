// Package reconciler sweeps the intake queue for records that stopped moving
// and puts them back onto the workflow.
package reconciler

import (
	"context"
	"time"

	"github.com/carebridge-health/intake-engine/internal/intake"
	"github.com/carebridge-health/intake-engine/internal/observability/metrics"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

// Publisher is the slice of the dispatcher the reconciler uses to requeue work.
type Publisher interface {
	Publish(ctx context.Context, msg workflow.Message) error
}

// Reconciler periodically requeues stuck and errored records. Stuck means
// claimed longer than stuckAfter without reaching a terminal state; errored
// records are retried until maxRetries resets have been spent.
type Reconciler struct {
	store     intake.Store
	publisher Publisher
	logger    *logging.Logger
	metrics   *metrics.IntakeMetrics

	interval   time.Duration
	stuckAfter time.Duration
	maxRetries int
}

// New creates a reconciler with 15 minute defaults and a retry cap of 5.
func New(store intake.Store, publisher Publisher, logger *logging.Logger) *Reconciler {
	if store == nil {
		panic("reconciler: intake store cannot be nil")
	}
	if publisher == nil {
		panic("reconciler: publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		interval:   15 * time.Minute,
		stuckAfter: 15 * time.Minute,
		maxRetries: 5,
	}
}

// WithInterval sets the sweep cadence.
func (r *Reconciler) WithInterval(interval time.Duration) *Reconciler {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

// WithStuckAfter sets how long a record may stay processing before it is
// considered abandoned.
func (r *Reconciler) WithStuckAfter(d time.Duration) *Reconciler {
	if d > 0 {
		r.stuckAfter = d
	}
	return r
}

// WithMaxRetries caps how many times a record is requeued, whether it was
// swept as stuck or as errored.
func (r *Reconciler) WithMaxRetries(max int) *Reconciler {
	if max > 0 {
		r.maxRetries = max
	}
	return r
}

// WithMetrics wires Prometheus instrumentation.
func (r *Reconciler) WithMetrics(m *metrics.IntakeMetrics) *Reconciler {
	r.metrics = m
	return r
}

// Start runs sweeps until ctx is cancelled. The first sweep happens
// immediately so a restart recovers abandoned records without waiting.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("starting intake reconciler",
		"interval", r.interval.String(),
		"stuck_after", r.stuckAfter.String(),
		"max_retries", r.maxRetries,
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("intake reconciler shutting down")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns how many records were requeued.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	return r.sweep(ctx), nil
}

func (r *Reconciler) sweep(ctx context.Context) int {
	requeued := 0

	stuck, err := r.store.FindStuck(ctx, r.stuckAfter)
	if err != nil {
		r.logger.Error("failed to find stuck records", "error", err)
	} else {
		for _, rec := range stuck {
			if r.requeue(ctx, rec, "stuck") {
				requeued++
			}
		}
	}

	errored, err := r.store.FindErrored(ctx, r.maxRetries)
	if err != nil {
		r.logger.Error("failed to find errored records", "error", err)
	} else {
		for _, rec := range errored {
			if r.requeue(ctx, rec, "errored") {
				requeued++
			}
		}
	}

	if requeued > 0 {
		r.logger.Info("reconciler requeued records", "count", requeued)
	}
	return requeued
}

// requeue resets one record to pending and publishes a fresh create-patient
// message. The reset is the gate: a record that cannot be reset (because a
// worker finished it meanwhile) is left alone.
func (r *Reconciler) requeue(ctx context.Context, rec *intake.Record, why string) bool {
	if rec.RetryCount >= r.maxRetries {
		// The retry budget covers every path into a sweep, including records
		// that wedge in processing over and over. Park the record in error so
		// sweeps stop touching it; the admin API can still requeue it.
		if err := r.store.MarkError(ctx, rec.ID, "reconciliation retries exhausted"); err != nil {
			r.logger.Error("failed to park exhausted record", "error", err, "record_id", rec.ID, "why", why)
			return false
		}
		r.logger.Warn("record exhausted reconciliation retries",
			"record_id", rec.ID,
			"why", why,
			"retry_count", rec.RetryCount,
		)
		return false
	}

	if err := r.store.ResetToPending(ctx, rec.ID); err != nil {
		r.logger.Warn("could not reset record", "error", err, "record_id", rec.ID, "why", why)
		return false
	}

	msg := workflow.NewMessage(workflow.ChannelCreatePatient, rec.ID, "")
	msg.CreatePatient = &workflow.CreatePatientPayload{CallID: rec.Payload.CallID}
	if err := r.publisher.Publish(ctx, msg); err != nil {
		// The record stays pending with no message in flight; an operator
		// can requeue it from the admin API. Log loudly.
		r.logger.Error("failed to requeue record", "error", err, "record_id", rec.ID, "why", why)
		return false
	}

	r.metrics.ObserveRequeue()
	r.logger.Info("requeued intake record",
		"record_id", rec.ID,
		"why", why,
		"retry_count", rec.RetryCount,
	)
	return true
}
