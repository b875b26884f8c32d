package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

type deliveryRow struct {
	types.QueuedDelivery
	To  string `db:"to_addresses"`
	Cc  string `db:"cc_addresses"`
	Bcc string `db:"bcc_addresses"`
}

func (r *deliveryRow) toDelivery() (types.QueuedDelivery, error) {
	d := r.QueuedDelivery
	for _, f := range []struct {
		raw  string
		dest *[]string
	}{
		{r.To, &d.ToAddresses},
		{r.Cc, &d.CcAddresses},
		{r.Bcc, &d.BccAddresses},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dest); err != nil {
			return types.QueuedDelivery{}, fmt.Errorf("failed to decode recipient list: %w", err)
		}
	}
	return d, nil
}

// CreateDelivery inserts the status record and appends the id to the
// tail of the work queue in one transaction.
func (s *Store) CreateDelivery(d types.QueuedDelivery) (types.QueuedDelivery, error) {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	to, err := marshalList(d.ToAddresses)
	if err != nil {
		return types.QueuedDelivery{}, err
	}
	cc, err := marshalList(d.CcAddresses)
	if err != nil {
		return types.QueuedDelivery{}, err
	}
	bcc, err := marshalList(d.BccAddresses)
	if err != nil {
		return types.QueuedDelivery{}, err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO deliveries (id, account_id, payload, from_address, to_addresses,
			cc_addresses, bcc_addresses, status, attempts, max_attempts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		d.ID, d.AccountID, d.Payload, d.FromAddress, to, cc, bcc,
		d.Status, d.Attempts, d.MaxAttempts, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to create delivery: %w", err)
	}

	if _, err = tx.Exec("INSERT INTO delivery_queue (delivery_id) VALUES (?)", d.ID); err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to enqueue delivery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to commit delivery: %w", err)
	}
	return d, nil
}

// PopDelivery removes and returns the id at the head of the work queue.
// Returns ErrNotFound when the queue is empty.
func (s *Store) PopDelivery() (string, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		seq int64
		id  string
	)
	err = tx.QueryRow("SELECT seq, delivery_id FROM delivery_queue ORDER BY seq LIMIT 1").Scan(&seq, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read queue head: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM delivery_queue WHERE seq = ?", seq); err != nil {
		return "", fmt.Errorf("failed to remove queue head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit pop: %w", err)
	}
	return id, nil
}

// PushDelivery appends an existing delivery id to the tail of the queue.
func (s *Store) PushDelivery(id string) error {
	if _, err := s.db.Exec("INSERT INTO delivery_queue (delivery_id) VALUES (?)", id); err != nil {
		return fmt.Errorf("failed to push delivery: %w", err)
	}
	return nil
}

// GetDelivery returns a delivery status record by id.
func (s *Store) GetDelivery(id string) (types.QueuedDelivery, error) {
	var row deliveryRow
	err := s.db.Get(&row, "SELECT * FROM deliveries WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.QueuedDelivery{}, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to get delivery: %w", err)
	}
	return row.toDelivery()
}

// UpdateDelivery writes status, attempts and error for a delivery.
func (s *Store) UpdateDelivery(id string, status types.DeliveryStatus, attempts int, errMsg string) error {
	res, err := s.db.Exec(
		"UPDATE deliveries SET status = ?, attempts = ?, error = ?, updated_at = ? WHERE id = ?",
		status, attempts, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return nil
}

// PurgeDeliveries removes terminal delivery records whose last update is
// older than the retention window. Returns the number removed.
func (s *Store) PurgeDeliveries(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.Exec(
		"DELETE FROM deliveries WHERE status IN (?, ?) AND updated_at < ?",
		types.StatusSent, types.StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
