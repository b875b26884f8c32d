package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// fakeMailbox is an in-memory Mailbox with scriptable failures.
type fakeMailbox struct {
	folders  []email.FolderInfo
	selects  map[string]email.SelectData
	uids     map[string][]uint32
	messages map[uint32][]byte
	flags    map[uint32][]string

	selected    string
	connected   bool
	disconnects int
	setCalls    []setFlagsCall

	listErr   error
	selectErr map[string]error
	fetchErr  map[uint32]error
	searchErr error
}

type setFlagsCall struct {
	uid   uint32
	flags []string
	add   bool
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		selects:   make(map[string]email.SelectData),
		uids:      make(map[string][]uint32),
		messages:  make(map[uint32][]byte),
		flags:     make(map[uint32][]string),
		selectErr: make(map[string]error),
		fetchErr:  make(map[uint32]error),
	}
}

func (f *fakeMailbox) Connect() error { f.connected = true; return nil }

func (f *fakeMailbox) Authenticate(types.CredentialBundle) error { return nil }

func (f *fakeMailbox) ListFolders() ([]email.FolderInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.folders, nil
}

func (f *fakeMailbox) SelectFolder(path string) (email.SelectData, error) {
	if err := f.selectErr[path]; err != nil {
		return email.SelectData{}, err
	}
	data, ok := f.selects[path]
	if !ok {
		return email.SelectData{}, fmt.Errorf("no such folder %q", path)
	}
	f.selected = path
	return data, nil
}

func (f *fakeMailbox) UIDsSince(sinceUID uint32) ([]uint32, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []uint32
	for _, uid := range f.uids[f.selected] {
		if uid > sinceUID {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeMailbox) FetchMessage(uid uint32) ([]byte, error) {
	if err := f.fetchErr[uid]; err != nil {
		return nil, err
	}
	raw, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("no message with uid %d", uid)
	}
	return raw, nil
}

func (f *fakeMailbox) FetchFlags(uid uint32) ([]string, error) {
	return f.flags[uid], nil
}

func (f *fakeMailbox) SetFlags(uid uint32, flags []string, add bool) error {
	f.setCalls = append(f.setCalls, setFlagsCall{uid: uid, flags: flags, add: add})
	return nil
}

func (f *fakeMailbox) AppendMessage(string, []byte, []string) (uint32, error) { return 0, nil }

func (f *fakeMailbox) Disconnect() error {
	f.connected = false
	f.disconnects++
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func seedAccount(t *testing.T, st *store.Store, id string) types.Account {
	t.Helper()
	acc, err := st.UpsertAccount(types.Account{
		ID:           id,
		Email:        id + "@example.com",
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPSecurity: types.SecuritySSL,
		SMTPHost:     "smtp.example.com",
		SMTPPort:     587,
		SMTPSecurity: types.SecurityStartTLS,
		AuthType:     types.AuthPassword,
		Status:       types.AccountActive,
	})
	require.NoError(t, err)
	return acc
}

func seedFolder(t *testing.T, st *store.Store, accountID, path string, folderType types.FolderType) types.Folder {
	t.Helper()
	f, err := st.CreateFolder(types.Folder{
		ID:        accountID + "-" + path,
		AccountID: accountID,
		Name:      path,
		FullPath:  path,
		Delimiter: "/",
		Type:      folderType,
		IsSystem:  folderType.IsSystem(),
	})
	require.NoError(t, err)
	return f
}

func rawMessage(messageID, inReplyTo, references, subject string) []byte {
	msg := "From: Alice Example <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Date: Mon, 02 Jan 2023 15:04:05 +0000\r\n" +
		"Subject: " + subject + "\r\n"
	if messageID != "" {
		msg += "Message-Id: " + messageID + "\r\n"
	}
	if inReplyTo != "" {
		msg += "In-Reply-To: " + inReplyTo + "\r\n"
	}
	if references != "" {
		msg += "References: " + references + "\r\n"
	}
	msg += "Content-Type: text/plain; charset=utf-8\r\n\r\nHello there.\r\n"
	return []byte(msg)
}

// staticCreds is a credentials.Provider that always returns one bundle.
type staticCreds struct {
	bundle types.CredentialBundle
	err    error
}

func (s staticCreds) Get(context.Context, string) (types.CredentialBundle, error) {
	return s.bundle, s.err
}
