package types

import "time"

// FolderType classifies a folder by its role on the server.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderTrash   FolderType = "trash"
	FolderSpam    FolderType = "spam"
	FolderArchive FolderType = "archive"
	FolderCustom  FolderType = "custom"
)

// IsSystem reports whether the folder type is a well-known system folder.
func (t FolderType) IsSystem() bool {
	return t != FolderCustom && t != ""
}

// Folder represents a mailbox folder as known locally.
//
// (AccountID, FullPath) is unique. UIDValidity and LastUID form the sync
// cursor: UIDs are only meaningful within one uidvalidity epoch, so a
// changed UIDValidity invalidates LastUID.
type Folder struct {
	ID           string     `db:"id" json:"id"`
	AccountID    string     `db:"account_id" json:"account_id"`
	Name         string     `db:"name" json:"name"`
	FullPath     string     `db:"full_path" json:"full_path"`
	Delimiter    string     `db:"delimiter" json:"delimiter,omitempty"`
	Type         FolderType `db:"folder_type" json:"folder_type"`
	IsSystem     bool       `db:"is_system" json:"is_system"`
	UIDValidity  uint32     `db:"uidvalidity" json:"uidvalidity,omitempty"`
	LastUID      uint32     `db:"last_uid" json:"last_uid"`
	MessageCount int        `db:"message_count" json:"message_count"`
	UnreadCount  int        `db:"unread_count" json:"unread_count"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Message represents a synced email message.
//
// UID and MessageID are immutable once created; only the flag fields and
// ThreadID (rare backfill) change on later reconciliation passes. Remote
// deletion shows up as IsDeleted, never as row removal.
type Message struct {
	ID        string `db:"id" json:"id"`
	AccountID string `db:"account_id" json:"account_id"`
	FolderID  string `db:"folder_id" json:"folder_id"`
	UID       uint32 `db:"uid" json:"uid"`

	MessageID  string   `db:"message_id" json:"message_id,omitempty"`
	ThreadID   string   `db:"thread_id" json:"thread_id,omitempty"`
	InReplyTo  string   `db:"in_reply_to" json:"in_reply_to,omitempty"`
	References []string `db:"-" json:"references,omitempty"`

	FromAddress  string   `db:"from_address" json:"from_address"`
	FromName     string   `db:"from_name" json:"from_name,omitempty"`
	ToAddresses  []string `db:"-" json:"to_addresses"`
	CcAddresses  []string `db:"-" json:"cc_addresses,omitempty"`
	BccAddresses []string `db:"-" json:"bcc_addresses,omitempty"`
	ReplyTo      string   `db:"reply_to" json:"reply_to,omitempty"`

	Subject   string    `db:"subject" json:"subject,omitempty"`
	Date      time.Time `db:"date" json:"date"`
	BodyPlain string    `db:"body_plain" json:"body_plain,omitempty"`
	BodyHTML  string    `db:"body_html" json:"body_html,omitempty"`
	Snippet   string    `db:"snippet" json:"snippet,omitempty"`

	HasAttachments bool `db:"has_attachments" json:"has_attachments"`
	IsRead         bool `db:"is_read" json:"is_read"`
	IsStarred      bool `db:"is_starred" json:"is_starred"`
	IsAnswered     bool `db:"is_answered" json:"is_answered"`
	IsDraft        bool `db:"is_draft" json:"is_draft"`
	IsDeleted      bool `db:"is_deleted" json:"is_deleted"`

	SizeBytes int       `db:"size_bytes" json:"size_bytes"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Flags captures the reconcilable subset of a message's state.
type Flags struct {
	Read     bool
	Starred  bool
	Answered bool
	Deleted  bool
	Draft    bool
}

// Flags returns the message's current reconcilable flags.
func (m *Message) Flags() Flags {
	return Flags{
		Read:     m.IsRead,
		Starred:  m.IsStarred,
		Answered: m.IsAnswered,
		Deleted:  m.IsDeleted,
		Draft:    m.IsDraft,
	}
}

// Attachment represents a stored message attachment.
type Attachment struct {
	ID          string `db:"id" json:"id"`
	MessageID   string `db:"message_id" json:"message_id"`
	Filename    string `db:"filename" json:"filename"`
	ContentType string `db:"content_type" json:"content_type"`
	ContentID   string `db:"content_id" json:"content_id,omitempty"`
	SizeBytes   int    `db:"size_bytes" json:"size_bytes"`
	IsInline    bool   `db:"is_inline" json:"is_inline"`
	Content     []byte `db:"content" json:"-"`
}

// SyncResult summarizes one account sync pass.
type SyncResult struct {
	AccountID     string `json:"account_id"`
	FoldersSynced int    `json:"folders_synced"`
	NewMessages   int    `json:"new_messages"`
}

// NewMessageEvent is published once per folder that picked up new
// messages during a sync pass.
type NewMessageEvent struct {
	AccountID string `json:"account_id"`
	FolderID  string `json:"folder_id"`
	Count     int    `json:"count"`
}
