package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// messageRow carries the JSON-encoded list columns alongside the
// message fields for sqlx scanning.
type messageRow struct {
	types.Message
	Refs string `db:"refs"`
	To   string `db:"to_addresses"`
	Cc   string `db:"cc_addresses"`
	Bcc  string `db:"bcc_addresses"`
}

func (r *messageRow) toMessage() (types.Message, error) {
	m := r.Message
	for _, f := range []struct {
		raw  string
		dest *[]string
	}{
		{r.Refs, &m.References},
		{r.To, &m.ToAddresses},
		{r.Cc, &m.CcAddresses},
		{r.Bcc, &m.BccAddresses},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dest); err != nil {
			return types.Message{}, fmt.Errorf("failed to decode address list: %w", err)
		}
	}
	return m, nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode address list: %w", err)
	}
	return string(b), nil
}

// CreateMessage inserts a message and its attachments in one
// transaction.
func (s *Store) CreateMessage(m types.Message, attachments []types.Attachment) (types.Message, error) {
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	refs, err := marshalList(m.References)
	if err != nil {
		return types.Message{}, err
	}
	to, err := marshalList(m.ToAddresses)
	if err != nil {
		return types.Message{}, err
	}
	cc, err := marshalList(m.CcAddresses)
	if err != nil {
		return types.Message{}, err
	}
	bcc, err := marshalList(m.BccAddresses)
	if err != nil {
		return types.Message{}, err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return types.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO messages (id, account_id, folder_id, uid, message_id, thread_id,
			in_reply_to, refs, from_address, from_name, to_addresses, cc_addresses,
			bcc_addresses, reply_to, subject, date, body_plain, body_html, snippet,
			has_attachments, is_read, is_starred, is_answered, is_draft, is_deleted,
			size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AccountID, m.FolderID, m.UID, m.MessageID, m.ThreadID,
		m.InReplyTo, refs, m.FromAddress, m.FromName, to, cc,
		bcc, m.ReplyTo, m.Subject, m.Date, m.BodyPlain, m.BodyHTML, m.Snippet,
		m.HasAttachments, m.IsRead, m.IsStarred, m.IsAnswered, m.IsDraft, m.IsDeleted,
		m.SizeBytes, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return types.Message{}, fmt.Errorf("failed to create message: %w", err)
	}

	for _, att := range attachments {
		_, err = tx.Exec(`
			INSERT INTO attachments (id, message_id, filename, content_type, content_id, size_bytes, is_inline, content)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			att.ID, m.ID, att.Filename, att.ContentType, att.ContentID,
			att.SizeBytes, att.IsInline, att.Content)
		if err != nil {
			return types.Message{}, fmt.Errorf("failed to create attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.Message{}, fmt.Errorf("failed to commit message: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(id string) (types.Message, error) {
	var row messageRow
	err := s.db.Get(&row, "SELECT * FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	return row.toMessage()
}

// GetMessageByUID returns the message at (folder, uid), or ErrNotFound.
func (s *Store) GetMessageByUID(folderID string, uid uint32) (types.Message, error) {
	var row messageRow
	err := s.db.Get(&row, "SELECT * FROM messages WHERE folder_id = ? AND uid = ?", folderID, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Message{}, fmt.Errorf("message uid %d: %w", uid, ErrNotFound)
	}
	if err != nil {
		return types.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	return row.toMessage()
}

// ListMessages returns messages in a folder, newest first.
func (s *Store) ListMessages(folderID string, limit, offset int) ([]types.Message, error) {
	var rows []messageRow
	err := s.db.Select(&rows,
		"SELECT * FROM messages WHERE folder_id = ? ORDER BY date DESC LIMIT ? OFFSET ?",
		folderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return rowsToMessages(rows)
}

// ListThread returns all of an account's messages sharing a thread id,
// oldest first.
func (s *Store) ListThread(accountID, threadID string) ([]types.Message, error) {
	var rows []messageRow
	err := s.db.Select(&rows,
		"SELECT * FROM messages WHERE account_id = ? AND thread_id = ? ORDER BY date",
		accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread: %w", err)
	}
	return rowsToMessages(rows)
}

func rowsToMessages(rows []messageRow) ([]types.Message, error) {
	msgs := make([]types.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// UpdateMessageFlags writes the reconcilable flag columns. Nothing else
// on a message mutates after creation.
func (s *Store) UpdateMessageFlags(id string, flags types.Flags) error {
	res, err := s.db.Exec(`
		UPDATE messages SET is_read = ?, is_starred = ?, is_answered = ?, is_deleted = ?, is_draft = ?, updated_at = ?
		WHERE id = ?`,
		flags.Read, flags.Starred, flags.Answered, flags.Deleted, flags.Draft,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update message flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountMessages returns total and unread counts for a folder, excluding
// messages flagged deleted on the server.
func (s *Store) CountMessages(folderID string) (total, unread int, err error) {
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE folder_id = ? AND is_deleted = 0", folderID).Scan(&total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE folder_id = ? AND is_deleted = 0 AND is_read = 0", folderID).Scan(&unread)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return total, unread, nil
}

// ListAttachments returns the attachments stored for a message.
func (s *Store) ListAttachments(messageID string) ([]types.Attachment, error) {
	var atts []types.Attachment
	err := s.db.Select(&atts,
		"SELECT * FROM attachments WHERE message_id = ? ORDER BY id", messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return atts, nil
}
