package mimeutil

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"
)

// OutboundAttachment is an attachment supplied by the caller for an
// outbound message.
type OutboundAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Outbound describes an outbound message to encode.
type Outbound struct {
	MessageID string
	From      ParsedAddress
	To        []ParsedAddress
	Cc        []ParsedAddress
	Bcc       []ParsedAddress
	ReplyTo   *ParsedAddress

	Subject   string
	BodyPlain string
	BodyHTML  string

	InReplyTo   string
	References  []string
	Attachments []OutboundAttachment
}

// Compose encodes an outbound message into raw RFC822 bytes.
func Compose(o Outbound) ([]byte, error) {
	if len(o.To) == 0 && len(o.Cc) == 0 && len(o.Bcc) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	b := enmime.Builder().
		From(o.From.Name, o.From.Address).
		Subject(o.Subject).
		ToAddrs(toMailAddrs(o.To)).
		CCAddrs(toMailAddrs(o.Cc)).
		BCCAddrs(toMailAddrs(o.Bcc))

	if o.BodyPlain != "" {
		b = b.Text([]byte(o.BodyPlain))
	}
	if o.BodyHTML != "" {
		b = b.HTML([]byte(o.BodyHTML))
	}
	if o.ReplyTo != nil {
		b = b.ReplyTo(o.ReplyTo.Name, o.ReplyTo.Address)
	}
	if o.MessageID != "" {
		b = b.Header("Message-Id", o.MessageID)
	}
	if o.InReplyTo != "" {
		b = b.Header("In-Reply-To", o.InReplyTo)
	}
	if len(o.References) > 0 {
		b = b.Header("References", strings.Join(o.References, " "))
	}

	for _, att := range o.Attachments {
		b = b.AddAttachment(att.Content, att.ContentType, att.Filename)
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}

// ReplySubject prefixes a subject with "Re:" unless already present.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

// ForwardSubject prefixes a subject with "Fwd:" unless already present.
func ForwardSubject(subject string) string {
	lower := strings.ToLower(strings.TrimSpace(subject))
	if strings.HasPrefix(lower, "fwd:") || strings.HasPrefix(lower, "fw:") {
		return subject
	}
	return "Fwd: " + subject
}

// ReplyReferences builds the reference chain for a reply to a message
// with the given message id and existing references.
func ReplyReferences(parentID string, parentRefs []string) []string {
	refs := make([]string, 0, len(parentRefs)+1)
	refs = append(refs, parentRefs...)
	if parentID != "" {
		refs = append(refs, parentID)
	}
	return refs
}

func toMailAddrs(in []ParsedAddress) []mail.Address {
	out := make([]mail.Address, 0, len(in))
	for _, a := range in {
		out = append(out, mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
