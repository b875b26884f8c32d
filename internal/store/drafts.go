package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// draftRow carries the JSON-encoded recipient lists alongside the
// draft fields for sqlx scanning.
type draftRow struct {
	types.Draft
	To  string `db:"to_addresses"`
	Cc  string `db:"cc_addresses"`
	Bcc string `db:"bcc_addresses"`
}

func (r *draftRow) toDraft() (types.Draft, error) {
	d := r.Draft
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
			return types.Draft{}, fmt.Errorf("failed to decode address list: %w", err)
		}
	}
	return d, nil
}

func marshalDraftLists(d types.Draft) (to, cc, bcc string, err error) {
	if to, err = marshalList(d.ToAddresses); err != nil {
		return
	}
	if cc, err = marshalList(d.CcAddresses); err != nil {
		return
	}
	bcc, err = marshalList(d.BccAddresses)
	return
}

// CreateDraft inserts a new draft record.
func (s *Store) CreateDraft(d types.Draft) (types.Draft, error) {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	to, cc, bcc, err := marshalDraftLists(d)
	if err != nil {
		return types.Draft{}, err
	}

	_, err = s.db.Exec(`
		INSERT INTO drafts (id, account_id, to_addresses, cc_addresses, bcc_addresses,
			subject, body_plain, body_html, reply_to_message_id, forward_message_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AccountID, to, cc, bcc,
		d.Subject, d.BodyPlain, d.BodyHTML, d.ReplyToMessageID, d.ForwardMessageID,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return types.Draft{}, fmt.Errorf("failed to create draft: %w", err)
	}
	return d, nil
}

// GetDraft returns a draft by id.
func (s *Store) GetDraft(id string) (types.Draft, error) {
	var row draftRow
	err := s.db.Get(&row, "SELECT * FROM drafts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Draft{}, fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Draft{}, fmt.Errorf("failed to get draft: %w", err)
	}
	return row.toDraft()
}

// ListDrafts returns an account's drafts, most recently edited first.
func (s *Store) ListDrafts(accountID string) ([]types.Draft, error) {
	var rows []draftRow
	err := s.db.Select(&rows,
		"SELECT * FROM drafts WHERE account_id = ? ORDER BY updated_at DESC", accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	drafts := make([]types.Draft, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDraft()
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

// UpdateDraft rewrites the editable fields of a draft. Provenance ids
// do not change after creation.
func (s *Store) UpdateDraft(d types.Draft) (types.Draft, error) {
	d.UpdatedAt = time.Now().UTC()

	to, cc, bcc, err := marshalDraftLists(d)
	if err != nil {
		return types.Draft{}, err
	}

	res, err := s.db.Exec(`
		UPDATE drafts SET to_addresses = ?, cc_addresses = ?, bcc_addresses = ?,
			subject = ?, body_plain = ?, body_html = ?, updated_at = ?
		WHERE id = ?`,
		to, cc, bcc, d.Subject, d.BodyPlain, d.BodyHTML, d.UpdatedAt, d.ID)
	if err != nil {
		return types.Draft{}, fmt.Errorf("failed to update draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Draft{}, fmt.Errorf("draft %s: %w", d.ID, ErrNotFound)
	}
	return d, nil
}

// DeleteDraft removes a draft and its staged attachments.
func (s *Store) DeleteDraft(id string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM draft_attachments WHERE draft_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete draft attachments: %w", err)
	}
	res, err := tx.Exec("DELETE FROM drafts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// AddDraftAttachment stages an attachment on a draft.
func (s *Store) AddDraftAttachment(att types.DraftAttachment) (types.DraftAttachment, error) {
	_, err := s.db.Exec(`
		INSERT INTO draft_attachments (id, draft_id, filename, content_type, size_bytes, content)
		VALUES (?, ?, ?, ?, ?, ?)`,
		att.ID, att.DraftID, att.Filename, att.ContentType, att.SizeBytes, att.Content)
	if err != nil {
		return types.DraftAttachment{}, fmt.Errorf("failed to add draft attachment: %w", err)
	}
	return att, nil
}

// RemoveDraftAttachment removes one staged attachment.
func (s *Store) RemoveDraftAttachment(id string) error {
	res, err := s.db.Exec("DELETE FROM draft_attachments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove draft attachment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("draft attachment %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListDraftAttachments returns the attachments staged on a draft.
func (s *Store) ListDraftAttachments(draftID string) ([]types.DraftAttachment, error) {
	var atts []types.DraftAttachment
	err := s.db.Select(&atts,
		"SELECT * FROM draft_attachments WHERE draft_id = ? ORDER BY id", draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to list draft attachments: %w", err)
	}
	return atts, nil
}
