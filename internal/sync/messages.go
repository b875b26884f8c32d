package sync

import (
	"errors"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/mimeutil"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// MessageReconciler performs incremental message synchronization for
// the folders of a single account session.
type MessageReconciler struct {
	accountID string
	mbox      email.Mailbox
	store     *store.Store
	logger    *logrus.Logger
}

// NewMessageReconciler creates a message reconciler bound to one
// account session.
func NewMessageReconciler(accountID string, mbox email.Mailbox, st *store.Store, logger *logrus.Logger) *MessageReconciler {
	return &MessageReconciler{accountID: accountID, mbox: mbox, store: st, logger: logger}
}

// SyncFolder brings the local copy of one folder up to date and
// returns the number of newly stored messages. A UIDVALIDITY change
// invalidates the cursor and forces a full fetch. Errors on individual
// UIDs are logged and skipped without losing the cursor position; only
// connection-level failures abort the pass before the cursor is
// written.
func (r *MessageReconciler) SyncFolder(folder types.Folder, forceFull bool) (int, error) {
	status, err := r.mbox.SelectFolder(folder.FullPath)
	if err != nil {
		return 0, fmt.Errorf("failed to select folder %q: %w", folder.FullPath, err)
	}

	log := r.logger.WithFields(logrus.Fields{
		"account": r.accountID,
		"folder":  folder.FullPath,
	})

	if status.Exists == 0 {
		if err := r.store.UpdateFolderCounts(folder.ID, 0, 0); err != nil {
			log.WithError(err).Warn("Failed to update folder counts")
		}
		return 0, nil
	}

	fullSync := forceFull
	if folder.UIDValidity != 0 && status.UIDValidity != 0 && status.UIDValidity != folder.UIDValidity {
		log.WithFields(logrus.Fields{
			"stored_uidvalidity": folder.UIDValidity,
			"server_uidvalidity": status.UIDValidity,
		}).Warn("UIDVALIDITY changed, forcing full sync")
		fullSync = true
	}

	sinceUID := folder.LastUID
	if fullSync {
		sinceUID = 0
	}

	uids, err := r.mbox.UIDsSince(sinceUID)
	if err != nil {
		return 0, fmt.Errorf("failed to search folder %q: %w", folder.FullPath, err)
	}

	synced := 0
	maxUID := sinceUID
	for _, uid := range uids {
		if uid > maxUID {
			maxUID = uid
		}
		existing, err := r.store.GetMessageByUID(folder.ID, uid)
		switch {
		case err == nil:
			if err := r.reconcileFlags(existing, uid); err != nil {
				log.WithError(err).WithField("uid", uid).Warn("Failed to sync message flags")
			}
		case errors.Is(err, store.ErrNotFound):
			if err := r.fetchAndStore(folder, uid); err != nil {
				log.WithError(err).WithField("uid", uid).Warn("Failed to fetch message")
				continue
			}
			synced++
		default:
			log.WithError(err).WithField("uid", uid).Warn("Failed to look up message")
		}
	}

	if status.UIDValidity != 0 {
		if err := r.store.UpdateFolderCursor(folder.ID, status.UIDValidity, maxUID); err != nil {
			return synced, fmt.Errorf("failed to update folder cursor: %w", err)
		}
	}

	total, unread, err := r.store.CountMessages(folder.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to count messages")
	} else if err := r.store.UpdateFolderCounts(folder.ID, total, unread); err != nil {
		log.WithError(err).Warn("Failed to update folder counts")
	}

	if synced > 0 {
		log.WithField("new_messages", synced).Info("Synced folder")
	}
	return synced, nil
}

func (r *MessageReconciler) fetchAndStore(folder types.Folder, uid uint32) error {
	raw, err := r.mbox.FetchMessage(uid)
	if err != nil {
		return err
	}

	parsed, err := mimeutil.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	serverFlags, err := r.mbox.FetchFlags(uid)
	if err != nil {
		return fmt.Errorf("failed to fetch flags: %w", err)
	}
	flags := flagsFromServer(serverFlags)

	msg := types.Message{
		ID:             uuid.NewString(),
		AccountID:      r.accountID,
		FolderID:       folder.ID,
		UID:            uid,
		MessageID:      parsed.MessageID,
		ThreadID:       threadID(parsed),
		InReplyTo:      parsed.InReplyTo,
		References:     parsed.References,
		Subject:        parsed.Subject,
		ToAddresses:    addressStrings(parsed.To),
		CcAddresses:    addressStrings(parsed.Cc),
		BccAddresses:   addressStrings(parsed.Bcc),
		Date:           parsed.Date,
		BodyPlain:      parsed.BodyPlain,
		BodyHTML:       parsed.BodyHTML,
		Snippet:        mimeutil.Snippet(parsed.BodyPlain, parsed.BodyHTML),
		IsRead:         flags.Read,
		IsStarred:      flags.Starred,
		IsAnswered:     flags.Answered,
		IsDeleted:      flags.Deleted,
		IsDraft:        flags.Draft,
		HasAttachments: len(parsed.Attachments) > 0,
		SizeBytes:      parsed.SizeBytes,
	}
	if parsed.From != nil {
		msg.FromAddress = parsed.From.Address
		msg.FromName = parsed.From.Name
	}
	if parsed.ReplyTo != nil {
		msg.ReplyTo = parsed.ReplyTo.String()
	}

	attachments := make([]types.Attachment, 0, len(parsed.Attachments))
	for _, a := range parsed.Attachments {
		attachments = append(attachments, types.Attachment{
			ID:          uuid.NewString(),
			MessageID:   msg.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			ContentID:   a.ContentID,
			SizeBytes:   a.SizeBytes,
			IsInline:    a.IsInline,
			Content:     a.Content,
		})
	}

	if _, err := r.store.CreateMessage(msg, attachments); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// reconcileFlags refreshes read/starred/answered/deleted on an already
// stored message from the server copy.
func (r *MessageReconciler) reconcileFlags(msg types.Message, uid uint32) error {
	serverFlags, err := r.mbox.FetchFlags(uid)
	if err != nil {
		return err
	}
	flags := flagsFromServer(serverFlags)

	if flags.Read == msg.IsRead && flags.Starred == msg.IsStarred &&
		flags.Answered == msg.IsAnswered && flags.Deleted == msg.IsDeleted {
		return nil
	}
	flags.Draft = msg.IsDraft
	return r.store.UpdateMessageFlags(msg.ID, flags)
}

// threadID derives a stable conversation id: the root reference wins,
// then the parent, then the message's own id, falling back to a fresh
// identifier for messages with no threading headers at all.
func threadID(parsed *mimeutil.ParsedMessage) string {
	if len(parsed.References) > 0 {
		return mimeutil.StripAngles(parsed.References[0])
	}
	if parsed.InReplyTo != "" {
		return mimeutil.StripAngles(parsed.InReplyTo)
	}
	if parsed.MessageID != "" {
		return mimeutil.StripAngles(parsed.MessageID)
	}
	return uuid.NewString()
}

func flagsFromServer(serverFlags []string) types.Flags {
	var f types.Flags
	for _, flag := range serverFlags {
		switch flag {
		case imap.SeenFlag:
			f.Read = true
		case imap.FlaggedFlag:
			f.Starred = true
		case imap.AnsweredFlag:
			f.Answered = true
		case imap.DeletedFlag:
			f.Deleted = true
		case imap.DraftFlag:
			f.Draft = true
		}
	}
	return f
}

func addressStrings(addrs []mimeutil.ParsedAddress) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
