package queue

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/credentials"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

const purgeInterval = time.Hour

// Worker drains the delivery queue. One delivery is processed at a
// time on a fresh delivery session; a failure of one delivery never
// stops the loop.
type Worker struct {
	queue        *Queue
	store        *store.Store
	creds        credentials.Provider
	newDeliverer email.DelivererFactory
	newMailbox   email.MailboxFactory
	logger       *logrus.Logger
}

// NewWorker creates a queue worker. newMailbox is used only for the
// best-effort copy of sent messages into the account's sent folder.
func NewWorker(q *Queue, st *store.Store, creds credentials.Provider, newDeliverer email.DelivererFactory, newMailbox email.MailboxFactory, logger *logrus.Logger) *Worker {
	return &Worker{
		queue:        q,
		store:        st,
		creds:        creds,
		newDeliverer: newDeliverer,
		newMailbox:   newMailbox,
		logger:       logger,
	}
}

// Run processes deliveries until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Delivery worker started")
	lastPurge := time.Now()

	for {
		if ctx.Err() != nil {
			w.logger.Info("Delivery worker stopped")
			return
		}
		if time.Since(lastPurge) >= purgeInterval {
			w.queue.Purge()
			lastPurge = time.Now()
		}

		d, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Delivery worker stopped")
				return
			}
			w.logger.WithError(err).Error("Failed to dequeue delivery")
			continue
		}
		if !ok {
			continue
		}
		w.process(ctx, d)
	}
}

func (w *Worker) process(ctx context.Context, d types.QueuedDelivery) {
	log := w.logger.WithFields(logrus.Fields{
		"delivery_id": d.ID,
		"account_id":  d.AccountID,
	})

	if err := w.queue.UpdateStatus(d.ID, types.StatusSending, ""); err != nil {
		log.WithError(err).Error("Failed to mark delivery sending")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(d.Payload)
	if err != nil {
		w.fail(d.ID, errors.Wrap(err, "invalid payload"), log)
		return
	}

	acc, err := w.store.GetAccount(d.AccountID)
	if err != nil {
		w.fail(d.ID, errors.Wrap(err, "unknown account"), log)
		return
	}

	if err := w.deliver(ctx, acc, d, raw); err != nil {
		if errors.Is(err, email.ErrAllRecipientsRefused) {
			w.fail(d.ID, err, log)
			return
		}
		w.retry(d.ID, err, log)
		return
	}

	if err := w.queue.UpdateStatus(d.ID, types.StatusSent, ""); err != nil {
		log.WithError(err).Error("Failed to mark delivery sent")
	}
	log.WithField("attempt", d.Attempts+1).Info("Delivery sent")

	w.copyToSent(ctx, acc, raw, log)
}

// deliver runs one SMTP attempt on a fresh session.
func (w *Worker) deliver(ctx context.Context, acc types.Account, d types.QueuedDelivery, raw []byte) error {
	creds, err := w.creds.Get(ctx, acc.ID)
	if err != nil {
		return errors.Wrap(err, "failed to get credentials")
	}

	del := w.newDeliverer(acc)
	if err := del.Connect(); err != nil {
		return errors.Wrap(err, "failed to connect")
	}
	defer func() {
		if err := del.Disconnect(); err != nil {
			w.logger.WithError(err).WithField("account_id", acc.ID).Debug("Disconnect failed")
		}
	}()

	if err := del.Authenticate(creds); err != nil {
		return errors.Wrap(err, "failed to authenticate")
	}

	res, err := del.Send(raw, d.FromAddress, d.Recipients())
	if err != nil {
		return err
	}
	if len(res.FailedRecipients) > 0 {
		w.logger.WithFields(logrus.Fields{
			"delivery_id": d.ID,
			"failed":      res.FailedRecipients,
		}).Warn("Some recipients refused")
	}
	return nil
}

// fail marks a delivery permanently failed with no retry.
func (w *Worker) fail(id string, cause error, log *logrus.Entry) {
	if err := w.queue.UpdateStatus(id, types.StatusFailed, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark delivery failed")
		return
	}
	log.WithError(cause).Error("Delivery failed permanently")
}

func (w *Worker) retry(id string, cause error, log *logrus.Entry) {
	requeued, err := w.queue.Requeue(id, cause)
	if err != nil {
		log.WithError(err).Error("Failed to requeue delivery")
		return
	}
	if requeued {
		log.WithError(cause).Warn("Delivery attempt failed, will retry")
	}
}

// copyToSent appends the sent message to the account's sent folder.
// Best effort: any failure is logged and the delivery stays sent.
func (w *Worker) copyToSent(ctx context.Context, acc types.Account, raw []byte, log *logrus.Entry) {
	folder, err := w.store.GetFolderByType(acc.ID, types.FolderSent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("No sent folder, skipping copy")
		} else {
			log.WithError(err).Warn("Failed to look up sent folder")
		}
		return
	}

	creds, err := w.creds.Get(ctx, acc.ID)
	if err != nil {
		log.WithError(err).Warn("Sent copy skipped, no credentials")
		return
	}

	mbox := w.newMailbox(acc)
	if err := mbox.Connect(); err != nil {
		log.WithError(err).Warn("Sent copy failed to connect")
		return
	}
	defer func() {
		if err := mbox.Disconnect(); err != nil {
			log.WithError(err).Debug("Disconnect failed")
		}
	}()

	if err := mbox.Authenticate(creds); err != nil {
		log.WithError(err).Warn("Sent copy failed to authenticate")
		return
	}
	if _, err := mbox.AppendMessage(folder.FullPath, raw, []string{imap.SeenFlag}); err != nil {
		log.WithError(err).Warn("Failed to copy message to sent folder")
		return
	}
	log.Debug("Copied message to sent folder")
}
