package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// SearchOptions narrows a message search. Zero-valued fields are
// ignored; text fields match as case-insensitive substrings.
type SearchOptions struct {
	AccountID string
	FolderID  string
	ThreadID  string
	Sender    string
	Recipient string
	Subject   string
	Body      string
	Since     *time.Time
	Before    *time.Time
	Unread    *bool
	Limit     int
}

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// SearchMessages queries stored messages, newest first. Messages
// flagged deleted on the server are excluded.
func (s *Store) SearchMessages(opts SearchOptions) ([]types.Message, error) {
	conditions := []string{"is_deleted = 0"}
	var args []interface{}

	if opts.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, opts.AccountID)
	}
	if opts.FolderID != "" {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, opts.FolderID)
	}
	if opts.ThreadID != "" {
		conditions = append(conditions, "thread_id = ?")
		args = append(args, opts.ThreadID)
	}
	if opts.Sender != "" {
		conditions = append(conditions, "(from_address LIKE ? OR from_name LIKE ?)")
		term := "%" + opts.Sender + "%"
		args = append(args, term, term)
	}
	if opts.Recipient != "" {
		conditions = append(conditions, "(to_addresses LIKE ? OR cc_addresses LIKE ?)")
		term := "%" + opts.Recipient + "%"
		args = append(args, term, term)
	}
	if opts.Subject != "" {
		conditions = append(conditions, "subject LIKE ?")
		args = append(args, "%"+opts.Subject+"%")
	}
	if opts.Body != "" {
		conditions = append(conditions, "(body_plain LIKE ? OR snippet LIKE ?)")
		term := "%" + opts.Body + "%"
		args = append(args, term, term)
	}
	if opts.Since != nil {
		conditions = append(conditions, "date >= ?")
		args = append(args, opts.Since.UTC())
	}
	if opts.Before != nil {
		conditions = append(conditions, "date <= ?")
		args = append(args, opts.Before.UTC())
	}
	if opts.Unread != nil {
		if *opts.Unread {
			conditions = append(conditions, "is_read = 0")
		} else {
			conditions = append(conditions, "is_read = 1")
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		"SELECT * FROM messages WHERE %s ORDER BY date DESC LIMIT ?",
		strings.Join(conditions, " AND "))

	var rows []messageRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return rowsToMessages(rows)
}
