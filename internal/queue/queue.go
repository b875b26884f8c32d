// Package queue implements the durable outbound delivery queue and the
// worker that drains it.
package queue

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// MaxRetriesExceeded is the terminal error recorded on a delivery that
// exhausted its attempt bound.
const MaxRetriesExceeded = "Max retries exceeded"

const statusCacheSize = 1024

// Envelope carries the SMTP envelope for an outbound message.
type Envelope struct {
	From string
	To   []string
	Cc   []string
	Bcc  []string
}

// Queue is a durable FIFO of outbound deliveries backed by the store.
// Dequeue order is enqueue order, with requeued deliveries going to
// the tail. Terminal statuses are cached in memory since they can no
// longer change.
type Queue struct {
	store       *store.Store
	cache       *expirable.LRU[string, types.QueuedDelivery]
	maxAttempts int
	retention   time.Duration
	wait        time.Duration
	logger      *logrus.Logger
}

// New creates a queue. wait bounds how long Dequeue blocks when the
// queue is empty; retention is how long terminal records are kept.
func New(st *store.Store, maxAttempts int, retention, wait time.Duration, logger *logrus.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = types.DefaultMaxAttempts
	}
	return &Queue{
		store:       st,
		cache:       expirable.NewLRU[string, types.QueuedDelivery](statusCacheSize, nil, retention),
		maxAttempts: maxAttempts,
		retention:   retention,
		wait:        wait,
		logger:      logger,
	}
}

// Enqueue persists a new delivery in queued state and appends it to
// the tail.
func (q *Queue) Enqueue(id, accountID string, raw []byte, env Envelope) (types.QueuedDelivery, error) {
	d, err := q.store.CreateDelivery(types.QueuedDelivery{
		ID:           id,
		AccountID:    accountID,
		Payload:      base64.StdEncoding.EncodeToString(raw),
		FromAddress:  env.From,
		ToAddresses:  env.To,
		CcAddresses:  env.Cc,
		BccAddresses: env.Bcc,
		Status:       types.StatusQueued,
		MaxAttempts:  q.maxAttempts,
	})
	if err != nil {
		return types.QueuedDelivery{}, errors.Wrap(err, "failed to enqueue delivery")
	}
	q.logger.WithFields(logrus.Fields{
		"delivery_id": d.ID,
		"account_id":  d.AccountID,
		"recipients":  len(d.Recipients()),
	}).Info("Queued delivery")
	return d, nil
}

// Dequeue pops the head of the queue. When the queue is empty it waits
// up to the configured interval before reporting empty, so callers can
// loop without spinning. Returns false with a nil error when nothing
// was available.
func (q *Queue) Dequeue(ctx context.Context) (types.QueuedDelivery, bool, error) {
	for attempt := 0; ; attempt++ {
		id, err := q.store.PopDelivery()
		switch {
		case err == nil:
			d, err := q.store.GetDelivery(id)
			if err != nil {
				return types.QueuedDelivery{}, false, errors.Wrapf(err, "failed to load popped delivery %s", id)
			}
			return d, true, nil
		case errors.Is(err, store.ErrNotFound):
			if attempt > 0 {
				return types.QueuedDelivery{}, false, nil
			}
		default:
			return types.QueuedDelivery{}, false, errors.Wrap(err, "failed to pop delivery")
		}

		select {
		case <-ctx.Done():
			return types.QueuedDelivery{}, false, ctx.Err()
		case <-time.After(q.wait):
		}
	}
}

// UpdateStatus transitions a delivery, rejecting writes to terminal
// records. An empty errMsg leaves the recorded error untouched.
func (q *Queue) UpdateStatus(id string, status types.DeliveryStatus, errMsg string) error {
	d, err := q.store.GetDelivery(id)
	if err != nil {
		return errors.Wrapf(err, "failed to load delivery %s", id)
	}
	if d.Status.Terminal() {
		return errors.Errorf("delivery %s already %s", id, d.Status)
	}
	if errMsg == "" {
		errMsg = d.Error
	}
	if err := q.store.UpdateDelivery(id, status, d.Attempts, errMsg); err != nil {
		return errors.Wrapf(err, "failed to update delivery %s", id)
	}
	return nil
}

// Requeue records one failed attempt. While attempts remain under the
// bound the delivery goes back to the tail in retrying state and true
// is returned; otherwise it is marked failed for good and false is
// returned.
func (q *Queue) Requeue(id string, cause error) (bool, error) {
	d, err := q.store.GetDelivery(id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to load delivery %s", id)
	}
	if d.Status.Terminal() {
		return false, nil
	}

	attempts := d.Attempts + 1
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if attempts >= d.MaxAttempts {
		if err := q.store.UpdateDelivery(id, types.StatusFailed, attempts, MaxRetriesExceeded); err != nil {
			return false, errors.Wrapf(err, "failed to fail delivery %s", id)
		}
		q.logger.WithFields(logrus.Fields{
			"delivery_id": id,
			"attempts":    attempts,
		}).Error("Delivery failed permanently")
		return false, nil
	}

	if err := q.store.UpdateDelivery(id, types.StatusRetrying, attempts, errMsg); err != nil {
		return false, errors.Wrapf(err, "failed to mark delivery %s retrying", id)
	}
	if err := q.store.PushDelivery(id); err != nil {
		return false, errors.Wrapf(err, "failed to requeue delivery %s", id)
	}
	q.logger.WithFields(logrus.Fields{
		"delivery_id": id,
		"attempt":     attempts,
		"max":         d.MaxAttempts,
	}).Warn("Delivery requeued")
	return true, nil
}

// Status returns the current delivery record. Terminal records are
// served from an in-memory cache with the same lifetime as the store
// retention window.
func (q *Queue) Status(id string) (types.QueuedDelivery, error) {
	if d, ok := q.cache.Get(id); ok {
		return d, nil
	}
	d, err := q.store.GetDelivery(id)
	if err != nil {
		return types.QueuedDelivery{}, err
	}
	if d.Status.Terminal() {
		q.cache.Add(id, d)
	}
	return d, nil
}

// Purge removes terminal deliveries older than the retention window.
func (q *Queue) Purge() {
	n, err := q.store.PurgeDeliveries(q.retention)
	if err != nil {
		q.logger.WithError(err).Warn("Failed to purge deliveries")
		return
	}
	if n > 0 {
		q.logger.WithField("count", n).Info("Purged expired deliveries")
	}
}
