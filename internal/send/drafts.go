package send

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/mimeutil"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// DraftRequest describes a draft to create. The message id fields
// record what the draft replies to or forwards; they are fixed at
// creation.
type DraftRequest struct {
	To               []string
	Cc               []string
	Bcc              []string
	Subject          string
	BodyPlain        string
	BodyHTML         string
	ReplyToMessageID string
	ForwardMessageID string
}

// DraftPatch updates a draft. Nil fields keep their stored value.
type DraftPatch struct {
	To        *[]string
	Cc        *[]string
	Bcc       *[]string
	Subject   *string
	BodyPlain *string
	BodyHTML  *string
}

// CreateDraft stages a new draft for the account.
func (s *Service) CreateDraft(accountID string, req DraftRequest) (types.Draft, error) {
	if _, err := s.store.GetAccount(accountID); err != nil {
		return types.Draft{}, fmt.Errorf("failed to load account: %w", err)
	}

	draft, err := s.store.CreateDraft(types.Draft{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		ToAddresses:      req.To,
		CcAddresses:      req.Cc,
		BccAddresses:     req.Bcc,
		Subject:          req.Subject,
		BodyPlain:        req.BodyPlain,
		BodyHTML:         req.BodyHTML,
		ReplyToMessageID: req.ReplyToMessageID,
		ForwardMessageID: req.ForwardMessageID,
	})
	if err != nil {
		return types.Draft{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"draft_id":   draft.ID,
	}).Debug("Draft created")
	return draft, nil
}

// UpdateDraft applies a patch to a stored draft.
func (s *Service) UpdateDraft(id string, patch DraftPatch) (types.Draft, error) {
	draft, err := s.store.GetDraft(id)
	if err != nil {
		return types.Draft{}, err
	}

	if patch.To != nil {
		draft.ToAddresses = *patch.To
	}
	if patch.Cc != nil {
		draft.CcAddresses = *patch.Cc
	}
	if patch.Bcc != nil {
		draft.BccAddresses = *patch.Bcc
	}
	if patch.Subject != nil {
		draft.Subject = *patch.Subject
	}
	if patch.BodyPlain != nil {
		draft.BodyPlain = *patch.BodyPlain
	}
	if patch.BodyHTML != nil {
		draft.BodyHTML = *patch.BodyHTML
	}

	return s.store.UpdateDraft(draft)
}

// GetDraft returns a draft with its staged attachments.
func (s *Service) GetDraft(id string) (types.Draft, []types.DraftAttachment, error) {
	draft, err := s.store.GetDraft(id)
	if err != nil {
		return types.Draft{}, nil, err
	}
	attachments, err := s.store.ListDraftAttachments(id)
	if err != nil {
		return types.Draft{}, nil, err
	}
	return draft, attachments, nil
}

// ListDrafts returns an account's drafts, most recently edited first.
func (s *Service) ListDrafts(accountID string) ([]types.Draft, error) {
	return s.store.ListDrafts(accountID)
}

// DeleteDraft discards a draft and its attachments.
func (s *Service) DeleteDraft(id string) error {
	return s.store.DeleteDraft(id)
}

// AddDraftAttachment stages a file on a draft. The combined size of
// the draft's attachments is held to the same cap as direct sends.
func (s *Service) AddDraftAttachment(draftID, filename, contentType string, content []byte) (types.DraftAttachment, error) {
	if _, err := s.store.GetDraft(draftID); err != nil {
		return types.DraftAttachment{}, err
	}

	staged, err := s.store.ListDraftAttachments(draftID)
	if err != nil {
		return types.DraftAttachment{}, err
	}
	total := len(content)
	for _, a := range staged {
		total += a.SizeBytes
	}
	if s.maxAttachmentBytes > 0 && total > s.maxAttachmentBytes {
		return types.DraftAttachment{}, fmt.Errorf("attachments exceed %d bytes", s.maxAttachmentBytes)
	}

	return s.store.AddDraftAttachment(types.DraftAttachment{
		ID:          uuid.NewString(),
		DraftID:     draftID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   len(content),
		Content:     content,
	})
}

// RemoveDraftAttachment unstages one attachment.
func (s *Service) RemoveDraftAttachment(attachmentID string) error {
	return s.store.RemoveDraftAttachment(attachmentID)
}

// SendDraft composes the draft into a message, enqueues it, and
// deletes the draft. The draft survives if enqueueing fails, so a
// failed trigger can be retried.
func (s *Service) SendDraft(ctx context.Context, draftID string) (types.QueuedDelivery, error) {
	draft, err := s.store.GetDraft(draftID)
	if err != nil {
		return types.QueuedDelivery{}, err
	}
	acc, err := s.store.GetAccount(draft.AccountID)
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to load account: %w", err)
	}
	staged, err := s.store.ListDraftAttachments(draftID)
	if err != nil {
		return types.QueuedDelivery{}, err
	}

	req := Request{
		To:        draft.ToAddresses,
		Cc:        draft.CcAddresses,
		Bcc:       draft.BccAddresses,
		Subject:   draft.Subject,
		BodyPlain: draft.BodyPlain,
		BodyHTML:  draft.BodyHTML,
	}
	for _, a := range staged {
		req.Attachments = append(req.Attachments, mimeutil.OutboundAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}

	inReplyTo, references := s.draftThreading(draft)

	d, err := s.compose(acc, req, inReplyTo, references)
	if err != nil {
		return types.QueuedDelivery{}, err
	}

	if err := s.store.DeleteDraft(draftID); err != nil {
		s.logger.WithError(err).WithField("draft_id", draftID).Warn("Failed to delete sent draft")
	}
	return d, nil
}

// draftThreading resolves reply headers for a draft that replies to a
// stored message. A missing original downgrades to an unthreaded send.
func (s *Service) draftThreading(draft types.Draft) (inReplyTo string, references []string) {
	if draft.ReplyToMessageID == "" {
		return "", nil
	}
	orig, err := s.store.GetMessage(draft.ReplyToMessageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.WithError(err).WithField("draft_id", draft.ID).Warn("Failed to load replied-to message")
		}
		return "", nil
	}
	return orig.MessageID, mimeutil.ReplyReferences(orig.MessageID, orig.References)
}
