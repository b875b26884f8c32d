package email

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

const (
	imapDialTimeout    = 30 * time.Second
	imapCommandTimeout = 60 * time.Second
)

// imapDialer bounds connection establishment so a detached caller
// cannot hang on an unreachable server.
func imapDialer() *net.Dialer {
	return &net.Dialer{Timeout: imapDialTimeout}
}

// IMAPClient is the Mailbox capability backed by an IMAP connection.
type IMAPClient struct {
	account types.Account
	client  *client.Client
	logger  *logrus.Logger
}

// NewIMAPClient creates an IMAP-backed mailbox session (does not
// connect).
func NewIMAPClient(acc types.Account, logger *logrus.Logger) *IMAPClient {
	return &IMAPClient{account: acc, logger: logger}
}

// NewMailbox is a MailboxFactory over NewIMAPClient.
func NewMailbox(logger *logrus.Logger) MailboxFactory {
	return func(acc types.Account) Mailbox {
		return NewIMAPClient(acc, logger)
	}
}

// Connect establishes the connection to the IMAP server.
func (c *IMAPClient) Connect() error {
	if c.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.account.IMAPHost, c.account.IMAPPort)
	tlsConfig := &tls.Config{
		ServerName: c.account.IMAPHost,
		MinVersion: tls.VersionTLS12,
	}

	var (
		cl  *client.Client
		err error
	)
	if c.account.IMAPSecurity == types.SecurityStartTLS {
		cl, err = client.DialWithDialer(imapDialer(), addr)
		if err == nil {
			err = cl.StartTLS(tlsConfig)
		}
	} else {
		cl, err = client.DialWithDialerTLS(imapDialer(), addr, tlsConfig)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	cl.Timeout = imapCommandTimeout
	c.client = cl
	return nil
}

// Authenticate logs in with the credential bundle, using OAUTHBEARER
// when the bundle carries a token.
func (c *IMAPClient) Authenticate(creds types.CredentialBundle) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}

	var err error
	if creds.Type == types.AuthOAuth2 {
		err = c.client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Username,
			Token:    creds.AccessToken,
			Host:     c.account.IMAPHost,
			Port:     c.account.IMAPPort,
		}))
	} else {
		err = c.client.Login(creds.Username, creds.Password)
	}
	if err != nil {
		c.logger.WithError(err).WithField("account", c.account.Email).Error("IMAP authentication failed")
		return fmt.Errorf("failed to authenticate to IMAP server: %w", err)
	}

	c.logger.WithField("account", c.account.Email).Debug("IMAP session authenticated")
	return nil
}

// Disconnect closes the session. Safe to call on any exit path.
func (c *IMAPClient) Disconnect() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout()
	c.client = nil
	return err
}

// ListFolders lists all folders with their delimiter and attributes.
func (c *IMAPClient) ListFolders() ([]FolderInfo, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var folders []FolderInfo
	for m := range mailboxes {
		folders = append(folders, FolderInfo{
			Name:       baseName(m.Name, m.Delimiter),
			FullPath:   m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

func baseName(fullPath, delimiter string) string {
	if delimiter == "" {
		return fullPath
	}
	if i := strings.LastIndex(fullPath, delimiter); i >= 0 {
		return fullPath[i+len(delimiter):]
	}
	return fullPath
}

// SelectFolder selects a folder and returns its reported state.
func (c *IMAPClient) SelectFolder(path string) (SelectData, error) {
	mbox, err := c.client.Select(path, false)
	if err != nil {
		return SelectData{}, fmt.Errorf("failed to select folder %s: %w", path, err)
	}
	return SelectData{
		Exists:      mbox.Messages,
		UIDValidity: mbox.UidValidity,
		UIDNext:     mbox.UidNext,
	}, nil
}

// UIDsSince returns the UIDs above sinceUID in the selected folder, in
// ascending order. sinceUID 0 returns every UID.
func (c *IMAPClient) UIDsSince(sinceUID uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	if sinceUID > 0 {
		set := new(imap.SeqSet)
		set.AddRange(sinceUID+1, 0)
		criteria.Uid = set
	}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search UIDs: %w", err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchMessage fetches the raw RFC822 bytes of one message without
// setting \Seen.
func (c *IMAPClient) FetchMessage(uid uint32) ([]byte, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		b, err := io.ReadAll(literal)
		if err != nil {
			c.logger.WithError(err).WithField("uid", uid).Error("Error reading message literal")
			continue
		}
		raw = b
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("no body returned for uid %d", uid)
	}
	return raw, nil
}

// FetchFlags fetches the current flags of one message.
func (c *IMAPClient) FetchFlags(uid uint32) ([]string, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	items := []imap.FetchItem{imap.FetchFlags, imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var flags []string
	for msg := range messages {
		flags = append(flags, msg.Flags...)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch flags for %d: %w", uid, err)
	}
	return flags, nil
}

// SetFlags adds or removes flags on one message.
func (c *IMAPClient) SetFlags(uid uint32, flags []string, add bool) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	var op imap.FlagsOp = imap.AddFlags
	if !add {
		op = imap.RemoveFlags
	}
	item := imap.FormatFlagsOp(op, true)

	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}

	if err := c.client.UidStore(seqSet, item, values, nil); err != nil {
		return fmt.Errorf("failed to store flags for %d: %w", uid, err)
	}
	return nil
}

// AppendMessage appends raw message bytes to a folder. The protocol
// library does not surface APPENDUID, so the returned UID is always 0.
func (c *IMAPClient) AppendMessage(path string, raw []byte, flags []string) (uint32, error) {
	if err := c.client.Append(path, flags, time.Now(), bytes.NewBuffer(raw)); err != nil {
		return 0, fmt.Errorf("failed to append message to %s: %w", path, err)
	}
	return 0, nil
}
