package sync

import (
	"fmt"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/mimeutil"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

func TestThreadID(t *testing.T) {
	tests := []struct {
		name   string
		parsed mimeutil.ParsedMessage
		want   string
	}{
		{
			name: "first reference wins",
			parsed: mimeutil.ParsedMessage{
				MessageID:  "<c@x>",
				InReplyTo:  "<b@x>",
				References: []string{"<a@x>", "<b@x>"},
			},
			want: "a@x",
		},
		{
			name: "in-reply-to when no references",
			parsed: mimeutil.ParsedMessage{
				MessageID: "<c@x>",
				InReplyTo: "<b@x>",
			},
			want: "b@x",
		},
		{
			name:   "own message id for thread roots",
			parsed: mimeutil.ParsedMessage{MessageID: "<c@x>"},
			want:   "c@x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, threadID(&tt.parsed))
		})
	}
}

func TestThreadIDFallbackIsUnique(t *testing.T) {
	a := threadID(&mimeutil.ParsedMessage{})
	b := threadID(&mimeutil.ParsedMessage{})
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestFlagsFromServer(t *testing.T) {
	f := flagsFromServer([]string{imap.SeenFlag, imap.FlaggedFlag, "\\Recent"})
	assert.True(t, f.Read)
	assert.True(t, f.Starred)
	assert.False(t, f.Answered)
	assert.False(t, f.Deleted)
}

// inboxFixture builds a store, an account, an INBOX folder with the
// given cursor, and a fake mailbox serving it.
func inboxFixture(t *testing.T, uidValidity, lastUID uint32) (*MessageReconciler, *fakeMailbox, types.Folder, *store.Store) {
	st := newTestStore(t)
	acc := seedAccount(t, st, "acc1")

	folder, err := st.CreateFolder(types.Folder{
		ID:        "f-inbox",
		AccountID: acc.ID,
		Name:      "INBOX",
		FullPath:  "INBOX",
		Delimiter: "/",
		Type:      types.FolderInbox,
		IsSystem:  true,
	})
	require.NoError(t, err)
	if uidValidity != 0 || lastUID != 0 {
		require.NoError(t, st.UpdateFolderCursor(folder.ID, uidValidity, lastUID))
		folder, err = st.GetFolder(folder.ID)
		require.NoError(t, err)
	}

	mbox := newFakeMailbox()
	r := NewMessageReconciler(acc.ID, mbox, st, testLogger())
	return r, mbox, folder, st
}

func TestSyncFolderIncremental(t *testing.T) {
	r, mbox, folder, st := inboxFixture(t, 100, 5)

	// UID 5 already stored unread; server now has it flagged \Seen.
	_, err := st.CreateMessage(types.Message{
		ID: "m5", AccountID: folder.AccountID, FolderID: folder.ID, UID: 5,
		MessageID: "<m5@x>", ThreadID: "m5@x", Subject: "old",
	}, nil)
	require.NoError(t, err)

	mbox.selects["INBOX"] = email.SelectData{Exists: 4, UIDValidity: 100, UIDNext: 9}
	mbox.uids["INBOX"] = []uint32{5, 6, 7, 8}
	mbox.flags[5] = []string{imap.SeenFlag}
	for uid := uint32(6); uid <= 8; uid++ {
		mbox.messages[uid] = rawMessage(fmt.Sprintf("<m%d@x>", uid), "", "", fmt.Sprintf("msg %d", uid))
	}

	synced, err := r.SyncFolder(folder, false)
	require.NoError(t, err)
	assert.Equal(t, 3, synced, "only UIDs above the cursor are new")

	// Existing message had its flags reconciled, not refetched.
	m5, err := st.GetMessage("m5")
	require.NoError(t, err)
	assert.True(t, m5.IsRead)
	assert.Equal(t, "old", m5.Subject)

	// Cursor advanced to the maximum UID observed.
	after, err := st.GetFolder(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), after.LastUID)
	assert.Equal(t, uint32(100), after.UIDValidity)
}

func TestSyncFolderIsIdempotent(t *testing.T) {
	r, mbox, folder, st := inboxFixture(t, 0, 0)

	mbox.selects["INBOX"] = email.SelectData{Exists: 2, UIDValidity: 7, UIDNext: 3}
	mbox.uids["INBOX"] = []uint32{1, 2}
	mbox.messages[1] = rawMessage("<a@x>", "", "", "one")
	mbox.messages[2] = rawMessage("<b@x>", "", "", "two")

	synced, err := r.SyncFolder(folder, false)
	require.NoError(t, err)
	assert.Equal(t, 2, synced)

	folder, err = st.GetFolder(folder.ID)
	require.NoError(t, err)
	synced, err = r.SyncFolder(folder, false)
	require.NoError(t, err)
	assert.Equal(t, 0, synced, "second pass over unchanged folder stores nothing")

	msgs, err := st.ListMessages(folder.ID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "no duplicate rows")
}

func TestSyncFolderUIDValidityChangeForcesFullFetch(t *testing.T) {
	r, mbox, folder, st := inboxFixture(t, 100, 50)

	// Server rebuilt the mailbox: new UIDVALIDITY, UIDs start over.
	mbox.selects["INBOX"] = email.SelectData{Exists: 2, UIDValidity: 200, UIDNext: 3}
	mbox.uids["INBOX"] = []uint32{1, 2}
	mbox.messages[1] = rawMessage("<a@x>", "", "", "one")
	mbox.messages[2] = rawMessage("<b@x>", "", "", "two")

	synced, err := r.SyncFolder(folder, false)
	require.NoError(t, err)
	assert.Equal(t, 2, synced, "cursor 50 must be ignored after uidvalidity change")

	after, err := st.GetFolder(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(200), after.UIDValidity)
	assert.Equal(t, uint32(2), after.LastUID)
}

func TestSyncFolderIsolatesPerMessageFailures(t *testing.T) {
	r, mbox, folder, st := inboxFixture(t, 100, 0)

	mbox.selects["INBOX"] = email.SelectData{Exists: 3, UIDValidity: 100, UIDNext: 4}
	mbox.uids["INBOX"] = []uint32{1, 2, 3}
	mbox.messages[1] = rawMessage("<a@x>", "", "", "one")
	mbox.fetchErr[2] = fmt.Errorf("transient fetch failure")
	mbox.messages[3] = rawMessage("<c@x>", "", "", "three")

	synced, err := r.SyncFolder(folder, false)
	require.NoError(t, err, "one bad UID must not abort the pass")
	assert.Equal(t, 2, synced)

	msgs, err := st.ListMessages(folder.ID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	after, err := st.GetFolder(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), after.LastUID, "cursor covers the failed UID too")
}

func TestSyncFolderAbortsOnSelectFailure(t *testing.T) {
	r, mbox, folder, _ := inboxFixture(t, 100, 5)
	mbox.selectErr["INBOX"] = fmt.Errorf("connection reset")

	_, err := r.SyncFolder(folder, false)
	require.Error(t, err)
}

func TestSyncFolderCursorNotAdvancedOnSearchFailure(t *testing.T) {
	r, mbox, folder, st := inboxFixture(t, 100, 5)

	mbox.selects["INBOX"] = email.SelectData{Exists: 10, UIDValidity: 100, UIDNext: 11}
	mbox.searchErr = fmt.Errorf("connection reset")

	_, err := r.SyncFolder(folder, false)
	require.Error(t, err)

	after, err := st.GetFolder(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), after.LastUID, "cursor untouched on aborted pass")
}

func TestSyncFolderEmptyMailbox(t *testing.T) {
	r, mbox, folder, st := inboxFixture(t, 100, 5)

	mbox.selects["INBOX"] = email.SelectData{Exists: 0, UIDValidity: 100, UIDNext: 1}

	synced, err := r.SyncFolder(folder, false)
	require.NoError(t, err)
	assert.Equal(t, 0, synced)

	after, err := st.GetFolder(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.MessageCount)
}

func TestSyncFolderStoresParsedMessage(t *testing.T) {
	r, mbox, folder, st := inboxFixture(t, 0, 0)

	mbox.selects["INBOX"] = email.SelectData{Exists: 1, UIDValidity: 9, UIDNext: 2}
	mbox.uids["INBOX"] = []uint32{1}
	mbox.messages[1] = rawMessage("<root@x>", "<parent@x>", "<grand@x> <parent@x>", "Re: plans")
	mbox.flags[1] = []string{imap.SeenFlag, imap.FlaggedFlag}

	synced, err := r.SyncFolder(folder, false)
	require.NoError(t, err)
	require.Equal(t, 1, synced)

	msg, err := st.GetMessageByUID(folder.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "<root@x>", msg.MessageID)
	assert.Equal(t, "grand@x", msg.ThreadID, "thread id comes from the root reference")
	assert.Equal(t, "alice@example.com", msg.FromAddress)
	assert.Equal(t, "Alice Example", msg.FromName)
	assert.Equal(t, "Re: plans", msg.Subject)
	assert.True(t, msg.IsRead)
	assert.True(t, msg.IsStarred)
	assert.NotEmpty(t, msg.Snippet)
}
