// Package mimeutil converts between raw RFC822 bytes and the structured
// message shape used by sync and send.
package mimeutil

import (
	"bytes"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
)

// angleRe matches one angle-bracketed token: a message id inside a
// References header, or a markup tag when stripping HTML for a snippet.
var angleRe = regexp.MustCompile(`<[^>]+>`)

// ParsedAddress is an email address with an optional display name.
type ParsedAddress struct {
	Address string
	Name    string
}

// String renders the address in "Name <addr>" form.
func (a ParsedAddress) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%q <%s>", a.Name, a.Address)
	}
	return a.Address
}

// ParsedAttachment is one attachment extracted from a message.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	ContentID   string
	SizeBytes   int
	IsInline    bool
	Content     []byte
}

// ParsedMessage is the structured form of a raw message.
type ParsedMessage struct {
	MessageID  string
	InReplyTo  string
	References []string

	From    *ParsedAddress
	To      []ParsedAddress
	Cc      []ParsedAddress
	Bcc     []ParsedAddress
	ReplyTo *ParsedAddress

	Subject   string
	Date      time.Time
	BodyPlain string
	BodyHTML  string

	Attachments []ParsedAttachment
	SizeBytes   int
}

// Parse decodes raw message bytes into structured data.
func Parse(raw []byte) (*ParsedMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	p := &ParsedMessage{
		MessageID: strings.TrimSpace(env.GetHeader("Message-Id")),
		InReplyTo: strings.TrimSpace(env.GetHeader("In-Reply-To")),
		Subject:   env.GetHeader("Subject"),
		BodyPlain: env.Text,
		BodyHTML:  env.HTML,
		SizeBytes: len(raw),
	}

	if refs := env.GetHeader("References"); refs != "" {
		p.References = angleRe.FindAllString(refs, -1)
	}

	p.Date = parseDate(env.GetHeader("Date"))

	if from := addressList(env, "From"); len(from) > 0 {
		p.From = &from[0]
	}
	p.To = addressList(env, "To")
	p.Cc = addressList(env, "Cc")
	p.Bcc = addressList(env, "Bcc")
	if rt := addressList(env, "Reply-To"); len(rt) > 0 {
		p.ReplyTo = &rt[0]
	}

	for _, part := range env.Attachments {
		p.Attachments = append(p.Attachments, partToAttachment(part, false))
	}
	for _, part := range env.Inlines {
		// Inline parts without a filename are body fragments, not
		// attachments.
		if part.FileName == "" {
			continue
		}
		p.Attachments = append(p.Attachments, partToAttachment(part, true))
	}

	return p, nil
}

func partToAttachment(part *enmime.Part, inline bool) ParsedAttachment {
	return ParsedAttachment{
		Filename:    part.FileName,
		ContentType: part.ContentType,
		ContentID:   part.ContentID,
		SizeBytes:   len(part.Content),
		IsInline:    inline,
		Content:     part.Content,
	}
}

func addressList(env *enmime.Envelope, header string) []ParsedAddress {
	list, err := env.AddressList(header)
	if err != nil {
		return nil
	}
	out := make([]ParsedAddress, 0, len(list))
	for _, a := range list {
		if a.Address == "" {
			continue
		}
		out = append(out, ParsedAddress{Address: a.Address, Name: a.Name})
	}
	return out
}

func parseDate(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	t, err := mail.ParseDate(raw)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// StripAngles removes the <> delimiters around a message id.
func StripAngles(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// GenerateMessageID builds a unique Message-ID for outbound messages.
func GenerateMessageID(domain string) string {
	if domain == "" {
		domain = "mailsync.local"
	}
	unique := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("<%s.%d@%s>", unique, time.Now().UTC().Unix(), domain)
}

var wsRe = regexp.MustCompile(`\s+`)

// Snippet derives a short preview from a message body, preferring the
// plain-text part and falling back to tag-stripped HTML.
func Snippet(bodyPlain, bodyHTML string) string {
	const maxLength = 200

	text := bodyPlain
	if text == "" && bodyHTML != "" {
		text = angleRe.ReplaceAllString(bodyHTML, " ")
	}
	text = strings.TrimSpace(wsRe.ReplaceAllString(text, " "))

	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}

	cut := string(runes[:maxLength])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
