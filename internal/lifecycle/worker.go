package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syncmesh/syncmesh/internal/metrics"
	"github.com/syncmesh/syncmesh/internal/storage"
)

// Worker periodically fails deliveries that have been stuck in the sent
// state for longer than the configured TTL. A node that claims a message and
// then disappears would otherwise hold that delivery in flight forever; once
// the delivery is failed, a later sync for the node re-queues the change.
type Worker struct {
	store   storage.Store
	metrics metrics.Manager
	logger  *logrus.Logger
	sentTTL time.Duration

	ticker   *time.Ticker
	stopChan chan struct{}
}

// NewWorker creates a lifecycle worker. sentTTL is how long a claimed
// delivery may stay unresolved before it is timed out.
func NewWorker(store storage.Store, sentTTL time.Duration, logger *logrus.Logger, manager metrics.Manager) *Worker {
	return &Worker{
		store:    store,
		metrics:  manager,
		logger:   logger,
		sentTTL:  sentTTL,
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic reap loop.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.ticker = time.NewTicker(interval)

	w.logger.WithFields(logrus.Fields{
		"interval": interval,
		"sent_ttl": w.sentTTL,
	}).Info("Lifecycle worker started")

	// Run immediately on start
	go w.reapStaleDeliveries(ctx)

	go func() {
		for {
			select {
			case <-w.ticker.C:
				w.reapStaleDeliveries(ctx)
			case <-w.stopChan:
				w.ticker.Stop()
				w.logger.Info("Lifecycle worker stopped")
				return
			case <-ctx.Done():
				w.ticker.Stop()
				w.logger.Info("Lifecycle worker stopped due to context cancellation")
				return
			}
		}
	}()
}

// Stop stops the lifecycle worker.
func (w *Worker) Stop() {
	close(w.stopChan)
}

// reapStaleDeliveries walks every network and fails sent messages whose last
// state change predates the TTL cutoff.
func (w *Worker) reapStaleDeliveries(ctx context.Context) {
	start := time.Now()
	cutoff := start.Add(-w.sentTTL)
	healthy := true

	w.logger.Debug("Checking for stale deliveries...")

	networks, err := w.store.ListNetworks(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Failed to list networks for delivery reaping")
		w.metrics.RecordBackgroundTask("reaper", time.Since(start), false)
		return
	}

	reaped := 0
	for _, network := range networks {
		stale, err := w.store.ListMessages(ctx, network.ID, storage.MessageQuery{
			States:        []storage.MessageState{storage.StateSent},
			UpdatedBefore: cutoff,
		})
		if err != nil {
			w.logger.WithError(err).WithField("network_id", network.ID).Error("Failed to list stale deliveries")
			healthy = false
			continue
		}

		for _, message := range stale {
			_, err := w.store.CommitFail(ctx, network.ID, message.ID, message.DestinationID, "delivery timed out")
			switch {
			case err == nil:
				reaped++
				w.logger.WithFields(logrus.Fields{
					"network_id": network.ID,
					"message_id": message.ID,
					"node_id":    message.DestinationID,
					"age":        start.Sub(message.UpdatedAt).String(),
				}).Debug("Timed out stale delivery")
			case errors.Is(err, storage.ErrMessageState), errors.Is(err, storage.ErrMessageNotFound):
				// Resolved by its node between the list and the fail.
			default:
				healthy = false
				w.logger.WithError(err).WithFields(logrus.Fields{
					"network_id": network.ID,
					"message_id": message.ID,
				}).Warn("Failed to time out stale delivery")
			}
		}
	}

	if reaped > 0 {
		w.logger.WithField("reaped", reaped).Info("Timed out stale deliveries")
	}
	w.metrics.RecordBackgroundTask("reaper", time.Since(start), healthy)
}
