// Package notify distributes new-message events to interested
// consumers.
package notify

import (
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// Sink receives one event per folder that gained new messages during a
// sync pass. Publish must not block the sync path.
type Sink interface {
	Publish(event types.NewMessageEvent)
}

// LogSink logs each event.
type LogSink struct {
	Logger *logrus.Logger
}

// Publish logs the event.
func (s LogSink) Publish(event types.NewMessageEvent) {
	s.Logger.WithFields(logrus.Fields{
		"account_id": event.AccountID,
		"folder_id":  event.FolderID,
		"count":      event.Count,
	}).Info("New messages")
}

// ChanSink forwards events to a channel, dropping when the consumer
// falls behind so sync never stalls on a slow listener.
type ChanSink struct {
	C chan types.NewMessageEvent
}

// NewChanSink creates a channel sink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan types.NewMessageEvent, buffer)}
}

// Publish sends the event without blocking.
func (s *ChanSink) Publish(event types.NewMessageEvent) {
	select {
	case s.C <- event:
	default:
	}
}
