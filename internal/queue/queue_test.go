package queue

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	q := New(st, 3, 24*time.Hour, 10*time.Millisecond, testLogger())
	return q, st
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

func enqueue(t *testing.T, q *Queue, st *store.Store, id string) types.QueuedDelivery {
	t.Helper()
	seedAccount(t, st, "acc1")
	d, err := q.Enqueue(id, "acc1", []byte("raw message"), Envelope{
		From: "acc1@example.com",
		To:   []string{"bob@example.com"},
	})
	require.NoError(t, err)
	return d
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, st := newTestQueue(t)
	enqueued := enqueue(t, q, st, "d1")

	assert.Equal(t, types.StatusQueued, enqueued.Status)
	assert.Equal(t, 0, enqueued.Attempts)
	assert.Equal(t, 3, enqueued.MaxAttempts)

	d, ok, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", d.ID)

	raw, err := base64.StdEncoding.DecodeString(d.Payload)
	require.NoError(t, err)
	assert.Equal(t, "raw message", string(raw))
	assert.Equal(t, []string{"bob@example.com"}, d.Recipients())
}

func TestDequeueIsFIFO(t *testing.T) {
	q, st := newTestQueue(t)
	seedAccount(t, st, "acc1")
	for _, id := range []string{"d1", "d2", "d3"} {
		_, err := q.Enqueue(id, "acc1", []byte("m"), Envelope{From: "a@x", To: []string{"b@x"}})
		require.NoError(t, err)
	}

	for _, want := range []string{"d1", "d2", "d3"} {
		d, ok, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, d.ID)
	}
}

func TestDequeueEmptyWaitsThenReturns(t *testing.T) {
	q, _ := newTestQueue(t)

	start := time.Now()
	_, ok, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestDequeueHonorsCancellation(t *testing.T) {
	q, _ := newTestQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := q.Dequeue(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequeueBoundsAttempts(t *testing.T) {
	q, st := newTestQueue(t)
	enqueue(t, q, st, "d1")

	// Two failures leave attempts under the bound and requeue.
	for attempt := 1; attempt <= 2; attempt++ {
		d, ok, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.UpdateStatus(d.ID, types.StatusSending, ""))

		requeued, err := q.Requeue(d.ID, assert.AnError)
		require.NoError(t, err)
		assert.True(t, requeued)

		d, err = q.Status(d.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRetrying, d.Status)
		assert.Equal(t, attempt, d.Attempts)
	}

	// Third failure exhausts the bound.
	d, ok, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.UpdateStatus(d.ID, types.StatusSending, ""))

	requeued, err := q.Requeue(d.ID, assert.AnError)
	require.NoError(t, err)
	assert.False(t, requeued)

	d, err = q.Status(d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, d.Status)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, MaxRetriesExceeded, d.Error)

	// Nothing left in the queue: no fourth insertion.
	_, ok, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	q, st := newTestQueue(t)
	enqueue(t, q, st, "d1")

	require.NoError(t, q.UpdateStatus("d1", types.StatusSent, ""))

	err := q.UpdateStatus("d1", types.StatusSending, "")
	require.Error(t, err)

	d, err := q.Status("d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSent, d.Status)
}

func TestRequeueOnTerminalIsNoop(t *testing.T) {
	q, st := newTestQueue(t)
	enqueue(t, q, st, "d1")
	require.NoError(t, q.UpdateStatus("d1", types.StatusFailed, "boom"))

	requeued, err := q.Requeue("d1", assert.AnError)
	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestStatusCachesTerminalRecords(t *testing.T) {
	q, st := newTestQueue(t)
	enqueue(t, q, st, "d1")
	require.NoError(t, q.UpdateStatus("d1", types.StatusSent, ""))

	first, err := q.Status("d1")
	require.NoError(t, err)

	// Remove the row; the cached terminal record still answers.
	_, err = st.PurgeDeliveries(-time.Second)
	require.NoError(t, err)

	cached, err := q.Status("d1")
	require.NoError(t, err)
	assert.Equal(t, first.Status, cached.Status)
}

func TestStatusUnknownDelivery(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Status("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
