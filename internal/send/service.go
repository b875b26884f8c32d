// Package send is the submission layer: it composes outbound messages
// and hands them to the delivery queue.
package send

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/mimeutil"
	"github.com/brandon/mailsync/internal/queue"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// Request describes a message to send. Recipient entries accept either
// bare addresses or "Name <addr>" form.
type Request struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyPlain   string
	BodyHTML    string
	Attachments []mimeutil.OutboundAttachment
}

// Service composes and enqueues outbound mail.
type Service struct {
	store              *store.Store
	queue              *queue.Queue
	maxAttachmentBytes int
	logger             *logrus.Logger
}

// NewService creates a submission service.
func NewService(st *store.Store, q *queue.Queue, maxAttachmentBytes int, logger *logrus.Logger) *Service {
	return &Service{store: st, queue: q, maxAttachmentBytes: maxAttachmentBytes, logger: logger}
}

// Send composes a new message for the account and enqueues it. The
// returned record carries the delivery id used to poll status.
func (s *Service) Send(ctx context.Context, accountID string, req Request) (types.QueuedDelivery, error) {
	acc, err := s.store.GetAccount(accountID)
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to load account: %w", err)
	}
	return s.compose(acc, req, "", nil)
}

// Reply composes a reply to a stored message. With replyAll the
// original To and Cc recipients are kept, minus the account's own
// address.
func (s *Service) Reply(ctx context.Context, accountID, messageID string, req Request, replyAll bool) (types.QueuedDelivery, error) {
	acc, err := s.store.GetAccount(accountID)
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to load account: %w", err)
	}
	orig, err := s.store.GetMessage(messageID)
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to load original message: %w", err)
	}

	if len(req.To) == 0 {
		if orig.ReplyTo != "" {
			req.To = []string{orig.ReplyTo}
		} else if orig.FromAddress != "" {
			req.To = []string{orig.FromAddress}
		}
	}
	if replyAll {
		req.To = append(req.To, withoutSelf(orig.ToAddresses, acc.Email)...)
		req.Cc = append(req.Cc, withoutSelf(orig.CcAddresses, acc.Email)...)
	}
	if req.Subject == "" {
		req.Subject = mimeutil.ReplySubject(orig.Subject)
	}

	return s.compose(acc, req, orig.MessageID, mimeutil.ReplyReferences(orig.MessageID, orig.References))
}

// Forward composes a forward of a stored message, optionally carrying
// its stored attachments along.
func (s *Service) Forward(ctx context.Context, accountID, messageID string, req Request, includeAttachments bool) (types.QueuedDelivery, error) {
	acc, err := s.store.GetAccount(accountID)
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to load account: %w", err)
	}
	orig, err := s.store.GetMessage(messageID)
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to load original message: %w", err)
	}

	if req.Subject == "" {
		req.Subject = mimeutil.ForwardSubject(orig.Subject)
	}
	if req.BodyPlain == "" && req.BodyHTML == "" {
		req.BodyPlain = orig.BodyPlain
		req.BodyHTML = orig.BodyHTML
	}
	if includeAttachments {
		stored, err := s.store.ListAttachments(messageID)
		if err != nil {
			return types.QueuedDelivery{}, fmt.Errorf("failed to load attachments: %w", err)
		}
		for _, a := range stored {
			if len(a.Content) == 0 {
				continue
			}
			req.Attachments = append(req.Attachments, mimeutil.OutboundAttachment{
				Filename:    a.Filename,
				ContentType: a.ContentType,
				Content:     a.Content,
			})
		}
	}

	return s.compose(acc, req, "", nil)
}

// Status returns the delivery record for a queued send.
func (s *Service) Status(id string) (types.QueuedDelivery, error) {
	return s.queue.Status(id)
}

func (s *Service) compose(acc types.Account, req Request, inReplyTo string, references []string) (types.QueuedDelivery, error) {
	if len(req.To) == 0 && len(req.Cc) == 0 && len(req.Bcc) == 0 {
		return types.QueuedDelivery{}, fmt.Errorf("no recipients")
	}

	total := 0
	for _, a := range req.Attachments {
		total += len(a.Content)
	}
	if s.maxAttachmentBytes > 0 && total > s.maxAttachmentBytes {
		return types.QueuedDelivery{}, fmt.Errorf("attachments exceed %d bytes", s.maxAttachmentBytes)
	}

	to := parseAddresses(req.To)
	cc := parseAddresses(req.Cc)
	bcc := parseAddresses(req.Bcc)

	raw, err := mimeutil.Compose(mimeutil.Outbound{
		MessageID:   mimeutil.GenerateMessageID(domainOf(acc.Email)),
		From:        mimeutil.ParsedAddress{Name: acc.DisplayName, Address: acc.Email},
		To:          to,
		Cc:          cc,
		Bcc:         bcc,
		Subject:     req.Subject,
		BodyPlain:   req.BodyPlain,
		BodyHTML:    req.BodyHTML,
		InReplyTo:   inReplyTo,
		References:  references,
		Attachments: req.Attachments,
	})
	if err != nil {
		return types.QueuedDelivery{}, fmt.Errorf("failed to compose message: %w", err)
	}

	d, err := s.queue.Enqueue(uuid.NewString(), acc.ID, raw, queue.Envelope{
		From: acc.Email,
		To:   bareAddresses(to),
		Cc:   bareAddresses(cc),
		Bcc:  bareAddresses(bcc),
	})
	if err != nil {
		return types.QueuedDelivery{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"account_id":  acc.ID,
		"delivery_id": d.ID,
		"subject":     req.Subject,
	}).Info("Message submitted")
	return d, nil
}

// parseAddresses is forgiving: entries that fail RFC 5322 parsing are
// kept as bare addresses.
func parseAddresses(in []string) []mimeutil.ParsedAddress {
	out := make([]mimeutil.ParsedAddress, 0, len(in))
	for _, raw := range in {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if addr, err := mail.ParseAddress(raw); err == nil {
			out = append(out, mimeutil.ParsedAddress{Name: addr.Name, Address: addr.Address})
		} else {
			out = append(out, mimeutil.ParsedAddress{Address: raw})
		}
	}
	return out
}

func bareAddresses(in []mimeutil.ParsedAddress) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, a.Address)
	}
	return out
}

// withoutSelf filters the account's own address out of a recipient
// list.
func withoutSelf(addrs []string, self string) []string {
	out := make([]string, 0, len(addrs))
	for _, raw := range addrs {
		addr := raw
		if parsed, err := mail.ParseAddress(raw); err == nil {
			addr = parsed.Address
		}
		if strings.EqualFold(addr, self) {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}
