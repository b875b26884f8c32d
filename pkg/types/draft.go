package types

import "time"

// Draft is an outbound message staged locally before submission. It is
// deleted once handed to the delivery queue.
type Draft struct {
	ID           string   `db:"id" json:"id"`
	AccountID    string   `db:"account_id" json:"account_id"`
	ToAddresses  []string `db:"-" json:"to_addresses"`
	CcAddresses  []string `db:"-" json:"cc_addresses,omitempty"`
	BccAddresses []string `db:"-" json:"bcc_addresses,omitempty"`
	Subject      string   `db:"subject" json:"subject,omitempty"`
	BodyPlain    string   `db:"body_plain" json:"body_plain,omitempty"`
	BodyHTML     string   `db:"body_html" json:"body_html,omitempty"`

	// Provenance when the draft started as a reply or forward of a
	// stored message.
	ReplyToMessageID string `db:"reply_to_message_id" json:"reply_to_message_id,omitempty"`
	ForwardMessageID string `db:"forward_message_id" json:"forward_message_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DraftAttachment is a file staged on a draft.
type DraftAttachment struct {
	ID          string `db:"id" json:"id"`
	DraftID     string `db:"draft_id" json:"draft_id"`
	Filename    string `db:"filename" json:"filename"`
	ContentType string `db:"content_type" json:"content_type"`
	SizeBytes   int    `db:"size_bytes" json:"size_bytes"`
	Content     []byte `db:"content" json:"-"`
}
