// Package sync reconciles remote mailbox state into the local store.
package sync

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// specialUseTypes maps IMAP special-use attributes to folder types.
var specialUseTypes = map[string]types.FolderType{
	"\\inbox":   types.FolderInbox,
	"\\sent":    types.FolderSent,
	"\\drafts":  types.FolderDrafts,
	"\\trash":   types.FolderTrash,
	"\\junk":    types.FolderSpam,
	"\\archive": types.FolderArchive,
	"\\all":     types.FolderArchive,
}

// folderNamePatterns maps folder types to known path names, used when
// the server provides no special-use hint.
var folderNamePatterns = map[types.FolderType][]string{
	types.FolderInbox:   {"inbox", "eingang"},
	types.FolderSent:    {"sent", "sent items", "sent mail", "[gmail]/sent mail", "gesendet"},
	types.FolderDrafts:  {"drafts", "draft", "[gmail]/drafts", "entwürfe"},
	types.FolderTrash:   {"trash", "deleted", "deleted items", "[gmail]/trash", "papierkorb"},
	types.FolderSpam:    {"spam", "junk", "junk email", "[gmail]/spam"},
	types.FolderArchive: {"archive", "all mail", "[gmail]/all mail", "archiv"},
}

// FolderReconciler discovers remote folders and upserts local records.
type FolderReconciler struct {
	accountID string
	mbox      email.Mailbox
	store     *store.Store
	logger    *logrus.Logger
}

// NewFolderReconciler creates a folder reconciler for one account
// session.
func NewFolderReconciler(accountID string, mbox email.Mailbox, st *store.Store, logger *logrus.Logger) *FolderReconciler {
	return &FolderReconciler{accountID: accountID, mbox: mbox, store: st, logger: logger}
}

// Reconcile lists the remote folders, skips non-selectable ones,
// classifies and upserts the rest, and returns the in-scope set.
// Folders gone from the remote listing are logged as stale and left in
// place; they are simply absent from the returned set.
func (r *FolderReconciler) Reconcile() ([]types.Folder, error) {
	infos, err := r.mbox.ListFolders()
	if err != nil {
		return nil, fmt.Errorf("failed to list remote folders: %w", err)
	}

	existing, err := r.store.ListFolders(r.accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load local folders: %w", err)
	}
	byPath := make(map[string]types.Folder, len(existing))
	for _, f := range existing {
		byPath[f.FullPath] = f
	}

	var synced []types.Folder
	seen := make(map[string]bool, len(infos))

	for _, info := range infos {
		if hasAttribute(info.Attributes, "\\Noselect") {
			continue
		}
		seen[info.FullPath] = true

		folderType, ok := typeFromAttributes(info.Attributes)
		if !ok {
			folderType = typeFromPath(info.FullPath)
		}

		if local, exists := byPath[info.FullPath]; exists {
			if local.Type != folderType {
				if err := r.store.UpdateFolderType(local.ID, folderType); err != nil {
					r.logger.WithError(err).WithField("folder", info.FullPath).Warn("Failed to update folder type")
				} else {
					local.Type = folderType
					local.IsSystem = folderType.IsSystem()
				}
			}
			synced = append(synced, local)
			continue
		}

		created, err := r.store.CreateFolder(types.Folder{
			ID:        uuid.NewString(),
			AccountID: r.accountID,
			Name:      info.Name,
			FullPath:  info.FullPath,
			Delimiter: info.Delimiter,
			Type:      folderType,
			IsSystem:  folderType.IsSystem(),
		})
		if err != nil {
			r.logger.WithError(err).WithField("folder", info.FullPath).Warn("Failed to create folder")
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"folder": info.FullPath,
			"type":   folderType,
		}).Info("Created folder")
		synced = append(synced, created)
	}

	for path := range byPath {
		if !seen[path] {
			r.logger.WithField("folder", path).Warn("Folder no longer on server")
		}
	}

	return synced, nil
}

func hasAttribute(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

func typeFromAttributes(attrs []string) (types.FolderType, bool) {
	for _, a := range attrs {
		if t, ok := specialUseTypes[strings.ToLower(a)]; ok {
			return t, true
		}
	}
	return "", false
}

func typeFromPath(fullPath string) types.FolderType {
	name := strings.ToLower(strings.TrimSpace(fullPath))
	for folderType, patterns := range folderNamePatterns {
		for _, p := range patterns {
			if name == p {
				return folderType
			}
		}
	}
	return types.FolderCustom
}
