package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/credentials"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// mirrorTimeout bounds credential resolution (including a token
// refresh) for the detached flag mirror. The mailbox session itself is
// bounded by the IMAP client's dial and command timeouts.
const mirrorTimeout = 30 * time.Second

// Service orchestrates account synchronization. Each sync pass opens a
// fresh mailbox session, owns it for the duration of the pass, and
// disconnects it before returning.
type Service struct {
	store      *store.Store
	creds      credentials.Provider
	newMailbox email.MailboxFactory
	sink       notify.Sink
	logger     *logrus.Logger

	mu      stdsync.Mutex
	pollers map[string]context.CancelFunc
	wg      stdsync.WaitGroup
}

// NewService creates a sync service.
func NewService(st *store.Store, creds credentials.Provider, newMailbox email.MailboxFactory, sink notify.Sink, logger *logrus.Logger) *Service {
	return &Service{
		store:      st,
		creds:      creds,
		newMailbox: newMailbox,
		sink:       sink,
		logger:     logger,
		pollers:    make(map[string]context.CancelFunc),
	}
}

// SyncAccount runs one full sync pass for an account: reconcile the
// folder list, then sync every folder. A failure in one folder is
// logged and does not stop the others.
func (s *Service) SyncAccount(ctx context.Context, accountID string, fullSync bool) (types.SyncResult, error) {
	result := types.SyncResult{AccountID: accountID}

	acc, err := s.store.GetAccount(accountID)
	if err != nil {
		return result, fmt.Errorf("failed to load account: %w", err)
	}

	mbox, err := s.openSession(ctx, acc)
	if err != nil {
		return result, err
	}
	defer s.closeSession(mbox, accountID)

	folders, err := NewFolderReconciler(accountID, mbox, s.store, s.logger).Reconcile()
	if err != nil {
		return result, err
	}

	messages := NewMessageReconciler(accountID, mbox, s.store, s.logger)
	for _, folder := range folders {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		synced, err := messages.SyncFolder(folder, fullSync)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"account": accountID,
				"folder":  folder.FullPath,
			}).Error("Folder sync failed")
			continue
		}
		result.FoldersSynced++
		result.NewMessages += synced
		if synced > 0 {
			s.sink.Publish(types.NewMessageEvent{
				AccountID: accountID,
				FolderID:  folder.ID,
				Count:     synced,
			})
		}
	}

	if err := s.store.TouchAccountSync(accountID); err != nil {
		s.logger.WithError(err).WithField("account", accountID).Warn("Failed to record sync time")
	}

	s.logger.WithFields(logrus.Fields{
		"account":      accountID,
		"folders":      result.FoldersSynced,
		"new_messages": result.NewMessages,
	}).Info("Account sync complete")
	return result, nil
}

// SyncFolder syncs a single folder by id.
func (s *Service) SyncFolder(ctx context.Context, folderID string, fullSync bool) (int, error) {
	folder, err := s.store.GetFolder(folderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load folder: %w", err)
	}
	acc, err := s.store.GetAccount(folder.AccountID)
	if err != nil {
		return 0, fmt.Errorf("failed to load account: %w", err)
	}

	mbox, err := s.openSession(ctx, acc)
	if err != nil {
		return 0, err
	}
	defer s.closeSession(mbox, acc.ID)

	synced, err := NewMessageReconciler(acc.ID, mbox, s.store, s.logger).SyncFolder(folder, fullSync)
	if err != nil {
		return 0, err
	}
	if synced > 0 {
		s.sink.Publish(types.NewMessageEvent{
			AccountID: acc.ID,
			FolderID:  folder.ID,
			Count:     synced,
		})
	}
	return synced, nil
}

// GetMessage returns a stored message with its attachments and marks
// it read as a side effect of access.
func (s *Service) GetMessage(id string) (types.Message, []types.Attachment, error) {
	msg, err := s.store.GetMessage(id)
	if err != nil {
		return types.Message{}, nil, err
	}
	if !msg.IsRead {
		read := true
		updated, err := s.UpdateFlags(id, &read, nil)
		if err != nil {
			s.logger.WithError(err).WithField("message", id).Warn("Failed to mark message read")
		} else {
			msg = updated
		}
	}
	attachments, err := s.store.ListAttachments(id)
	if err != nil {
		return types.Message{}, nil, err
	}
	return msg, attachments, nil
}

// GetThread returns every stored message in the conversation of the
// given message, oldest first. A message without a thread id is its
// own singleton thread.
func (s *Service) GetThread(messageID string) ([]types.Message, error) {
	msg, err := s.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if msg.ThreadID == "" {
		return []types.Message{msg}, nil
	}
	return s.store.ListThread(msg.AccountID, msg.ThreadID)
}

// Search queries the locally stored messages of one account. Purely a
// local read; no mailbox session is opened.
func (s *Service) Search(opts store.SearchOptions) ([]types.Message, error) {
	if opts.AccountID == "" {
		return nil, fmt.Errorf("account id required")
	}
	return s.store.SearchMessages(opts)
}

// UpdateFlags updates read/starred state locally and mirrors the
// change to the server in the background. The local write is the
// source of truth; a mirror failure is logged and the local state
// stands.
func (s *Service) UpdateFlags(messageID string, read, starred *bool) (types.Message, error) {
	msg, err := s.store.GetMessage(messageID)
	if err != nil {
		return types.Message{}, err
	}

	flags := msg.Flags()
	if read != nil {
		flags.Read = *read
	}
	if starred != nil {
		flags.Starred = *starred
	}
	if err := s.store.UpdateMessageFlags(messageID, flags); err != nil {
		return types.Message{}, fmt.Errorf("failed to update flags: %w", err)
	}
	msg.IsRead = flags.Read
	msg.IsStarred = flags.Starred

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mirrorFlags(msg, read, starred)
	}()

	return msg, nil
}

// mirrorFlags pushes a local flag change to the server on its own
// short-lived session. Best effort only.
func (s *Service) mirrorFlags(msg types.Message, read, starred *bool) {
	log := s.logger.WithFields(logrus.Fields{
		"account": msg.AccountID,
		"message": msg.ID,
		"uid":     msg.UID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	folder, err := s.store.GetFolder(msg.FolderID)
	if err != nil {
		log.WithError(err).Warn("Flag mirror skipped, folder not found")
		return
	}
	acc, err := s.store.GetAccount(msg.AccountID)
	if err != nil {
		log.WithError(err).Warn("Flag mirror skipped, account not found")
		return
	}

	mbox, err := s.openSession(ctx, acc)
	if err != nil {
		log.WithError(err).Warn("Flag mirror failed to connect")
		return
	}
	defer s.closeSession(mbox, acc.ID)

	if _, err := mbox.SelectFolder(folder.FullPath); err != nil {
		log.WithError(err).Warn("Flag mirror failed to select folder")
		return
	}
	if read != nil {
		if err := mbox.SetFlags(msg.UID, []string{imap.SeenFlag}, *read); err != nil {
			log.WithError(err).Warn("Failed to mirror read flag")
		}
	}
	if starred != nil {
		if err := mbox.SetFlags(msg.UID, []string{imap.FlaggedFlag}, *starred); err != nil {
			log.WithError(err).Warn("Failed to mirror starred flag")
		}
	}
}

// openSession resolves credentials, connects and authenticates one
// mailbox session.
func (s *Service) openSession(ctx context.Context, acc types.Account) (email.Mailbox, error) {
	creds, err := s.creds.Get(ctx, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}
	mbox := s.newMailbox(acc)
	if err := mbox.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := mbox.Authenticate(creds); err != nil {
		if derr := mbox.Disconnect(); derr != nil {
			s.logger.WithError(derr).WithField("account", acc.ID).Debug("Disconnect after auth failure")
		}
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	return mbox, nil
}

func (s *Service) closeSession(mbox email.Mailbox, accountID string) {
	if err := mbox.Disconnect(); err != nil {
		s.logger.WithError(err).WithField("account", accountID).Debug("Disconnect failed")
	}
}

// StartPolling launches a background loop that syncs the account at
// the given interval until StopPolling or StopAll. Starting an account
// that is already polling replaces its loop.
func (s *Service) StartPolling(ctx context.Context, accountID string, interval time.Duration) {
	s.mu.Lock()
	if cancel, ok := s.pollers[accountID]; ok {
		cancel()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.pollers[accountID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(pollCtx, accountID, interval)
	}()
}

func (s *Service) pollLoop(ctx context.Context, accountID string, interval time.Duration) {
	log := s.logger.WithField("account", accountID)
	log.WithField("interval", interval).Info("Started account polling")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncAccount(ctx, accountID, false); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Scheduled sync failed")
		}
		select {
		case <-ctx.Done():
			log.Info("Stopped account polling")
			return
		case <-ticker.C:
		}
	}
}

// StopPolling stops the background loop for one account.
func (s *Service) StopPolling(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.pollers[accountID]; ok {
		cancel()
		delete(s.pollers, accountID)
	}
}

// StopAll stops every polling loop and waits for in-flight work,
// including detached flag mirrors, to finish.
func (s *Service) StopAll() {
	s.mu.Lock()
	for id, cancel := range s.pollers {
		cancel()
		delete(s.pollers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
