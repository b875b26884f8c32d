package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// CreateFolder inserts a new folder record.
func (s *Store) CreateFolder(f types.Folder) (types.Folder, error) {
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO folders (id, account_id, name, full_path, delimiter, folder_type,
			is_system, uidvalidity, last_uid, message_count, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AccountID, f.Name, f.FullPath, f.Delimiter, f.Type,
		f.IsSystem, f.UIDValidity, f.LastUID, f.MessageCount, f.UnreadCount,
		f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return types.Folder{}, fmt.Errorf("failed to create folder: %w", err)
	}
	return f, nil
}

// GetFolder returns a folder by id.
func (s *Store) GetFolder(id string) (types.Folder, error) {
	var f types.Folder
	err := s.db.Get(&f, "SELECT * FROM folders WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Folder{}, fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Folder{}, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

// GetFolderByPath returns the folder at full_path for an account.
func (s *Store) GetFolderByPath(accountID, fullPath string) (types.Folder, error) {
	var f types.Folder
	err := s.db.Get(&f,
		"SELECT * FROM folders WHERE account_id = ? AND full_path = ?", accountID, fullPath)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Folder{}, fmt.Errorf("folder %s: %w", fullPath, ErrNotFound)
	}
	if err != nil {
		return types.Folder{}, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

// GetFolderByType returns the first folder of the given type for an
// account, e.g. the sent folder for sent-copy appends.
func (s *Store) GetFolderByType(accountID string, t types.FolderType) (types.Folder, error) {
	var f types.Folder
	err := s.db.Get(&f,
		"SELECT * FROM folders WHERE account_id = ? AND folder_type = ? ORDER BY full_path LIMIT 1",
		accountID, t)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Folder{}, fmt.Errorf("folder type %s: %w", t, ErrNotFound)
	}
	if err != nil {
		return types.Folder{}, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

// ListFolders returns all folders for an account ordered by path.
func (s *Store) ListFolders(accountID string) ([]types.Folder, error) {
	var folders []types.Folder
	err := s.db.Select(&folders,
		"SELECT * FROM folders WHERE account_id = ? ORDER BY full_path", accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// UpdateFolderType changes a folder's classification.
func (s *Store) UpdateFolderType(id string, t types.FolderType) error {
	res, err := s.db.Exec(
		"UPDATE folders SET folder_type = ?, is_system = ?, updated_at = ? WHERE id = ?",
		t, t.IsSystem(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update folder type: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateFolderCursor persists the sync cursor after a pass: the
// uidvalidity read from the server and the maximum UID observed.
func (s *Store) UpdateFolderCursor(id string, uidValidity, lastUID uint32) error {
	res, err := s.db.Exec(
		"UPDATE folders SET uidvalidity = ?, last_uid = ?, updated_at = ? WHERE id = ?",
		uidValidity, lastUID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update folder cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateFolderCounts persists total and unread message counts.
func (s *Store) UpdateFolderCounts(id string, total, unread int) error {
	res, err := s.db.Exec(
		"UPDATE folders SET message_count = ?, unread_count = ?, updated_at = ? WHERE id = ?",
		total, unread, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update folder counts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	return nil
}
