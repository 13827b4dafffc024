package credential

import (
	"context"
	"errors"
	"time"

	"github.com/carebridge-health/intake-engine/internal/observability/metrics"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

// Publisher is the slice of the dispatcher the refresher needs to report
// failed refreshes on the error channel.
type Publisher interface {
	Publish(ctx context.Context, msg workflow.Message) error
}

// Refresher periodically replaces the stored credential before it expires.
// A failed refresh leaves the previous credential untouched; workers keep
// using it until its buffered expiry.
type Refresher struct {
	provider  *Provider
	store     *Store
	cache     *Cache
	publisher Publisher
	logger    *logging.Logger
	metrics   *metrics.IntakeMetrics
	interval  time.Duration
}

// NewRefresher creates the refresh worker. cache and publisher may be nil.
func NewRefresher(provider *Provider, store *Store, cache *Cache, publisher Publisher, logger *logging.Logger) *Refresher {
	if provider == nil {
		panic("credential: provider cannot be nil")
	}
	if store == nil {
		panic("credential: store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Refresher{
		provider:  provider,
		store:     store,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
		interval:  30 * time.Minute,
	}
}

// WithInterval sets the refresh cadence.
func (r *Refresher) WithInterval(interval time.Duration) *Refresher {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

// WithMetrics wires Prometheus instrumentation.
func (r *Refresher) WithMetrics(m *metrics.IntakeMetrics) *Refresher {
	r.metrics = m
	return r
}

// Start runs the refresher until ctx is cancelled. Refreshes once immediately
// so workers have a token as soon as the process is up.
func (r *Refresher) Start(ctx context.Context) {
	r.logger.Info("starting credential refresher", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("credential refresher shutting down")
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// RunOnce performs a single refresh. Useful for manual triggers.
func (r *Refresher) RunOnce(ctx context.Context) error {
	return r.refresh(ctx)
}

func (r *Refresher) refresh(ctx context.Context) error {
	cred, err := r.provider.Fetch(ctx)
	if err != nil {
		r.metrics.ObserveTokenRefresh("error")
		r.logger.Error("credential refresh failed", "error", err)
		r.reportFailure(ctx, err)
		return err
	}

	previous, err := r.store.Get(ctx)
	switch {
	case err == nil:
		cred.RefreshCount = previous.RefreshCount + 1
	case errors.Is(err, workflow.ErrCredentialUnavailable):
		cred.RefreshCount = 1
	default:
		// Could not read the old counter; store the new token anyway rather
		// than leave workers with an expiring one.
		r.logger.Warn("could not load previous credential", "error", err)
		cred.RefreshCount = 1
	}

	if err := r.store.Put(ctx, cred); err != nil {
		r.metrics.ObserveTokenRefresh("error")
		r.logger.Error("failed to store refreshed credential", "error", err)
		r.reportFailure(ctx, err)
		return err
	}

	if r.cache != nil {
		if err := r.cache.Invalidate(ctx); err != nil {
			r.logger.Warn("failed to invalidate credential cache", "error", err)
		}
	}

	r.metrics.ObserveTokenRefresh("ok")
	r.logger.Info("refreshed credential",
		"expires_at", cred.ExpiresAt,
		"refresh_count", cred.RefreshCount,
	)
	return nil
}

func (r *Refresher) reportFailure(ctx context.Context, cause error) {
	if r.publisher == nil {
		return
	}
	msg := workflow.NewMessage(workflow.ChannelErrors, "", "")
	msg.Failure = &workflow.FailurePayload{
		Stage:     "credential-refresh",
		Reason:    cause.Error(),
		Retryable: true,
	}
	if err := r.publisher.Publish(ctx, msg); err != nil {
		r.logger.Error("failed to report credential refresh failure", "error", err)
	}
}
