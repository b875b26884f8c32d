package email

import (
	"errors"

	"github.com/brandon/mailsync/pkg/types"
)

// ErrAllRecipientsRefused is returned by Deliverer.Send when the server
// rejected every envelope recipient. It is a permanent failure and must
// not be retried.
var ErrAllRecipientsRefused = errors.New("all recipients refused")

// FolderInfo describes one folder in a LIST response.
type FolderInfo struct {
	Name       string
	FullPath   string
	Delimiter  string
	Attributes []string
}

// SelectData is the server-reported state of a selected folder.
type SelectData struct {
	Exists      uint32
	UIDValidity uint32
	UIDNext     uint32
}

// SendResult reports the outcome of a delivery attempt.
type SendResult struct {
	Success          bool
	FailedRecipients []string
}

// Mailbox is the mailbox-access capability. A Mailbox value owns one
// session: it is created, connected, used by a single task for one sync
// or append cycle, and disconnected. It is not safe for concurrent use.
type Mailbox interface {
	Connect() error
	Authenticate(creds types.CredentialBundle) error
	ListFolders() ([]FolderInfo, error)
	SelectFolder(path string) (SelectData, error)
	UIDsSince(sinceUID uint32) ([]uint32, error)
	FetchMessage(uid uint32) ([]byte, error)
	FetchFlags(uid uint32) ([]string, error)
	SetFlags(uid uint32, flags []string, add bool) error
	AppendMessage(path string, raw []byte, flags []string) (uint32, error)
	Disconnect() error
}

// Deliverer is the message-delivery capability. Same session ownership
// rules as Mailbox.
type Deliverer interface {
	Connect() error
	Authenticate(creds types.CredentialBundle) error
	Send(raw []byte, from string, to []string) (SendResult, error)
	Disconnect() error
}

// MailboxFactory builds a fresh mailbox session for an account.
type MailboxFactory func(acc types.Account) Mailbox

// DelivererFactory builds a fresh delivery session for an account.
type DelivererFactory func(acc types.Account) Deliverer
