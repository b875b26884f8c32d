package types

import "time"

// DeliveryStatus is the lifecycle state of a queued delivery.
type DeliveryStatus string

const (
	StatusQueued   DeliveryStatus = "queued"
	StatusSending  DeliveryStatus = "sending"
	StatusRetrying DeliveryStatus = "retrying"
	StatusSent     DeliveryStatus = "sent"
	StatusFailed   DeliveryStatus = "failed"
)

// Terminal reports whether the status is final. Terminal records are
// immutable and expire from the store after the retention window.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// DefaultMaxAttempts bounds retries for a single delivery.
const DefaultMaxAttempts = 3

// QueuedDelivery is a durable record of an outbound message.
//
// Payload is the base64-encoded raw message. Attempts never exceeds
// MaxAttempts; once Status is terminal it no longer changes.
type QueuedDelivery struct {
	ID           string         `db:"id" json:"id"`
	AccountID    string         `db:"account_id" json:"account_id"`
	Payload      string         `db:"payload" json:"payload"`
	FromAddress  string         `db:"from_address" json:"from_address"`
	ToAddresses  []string       `db:"-" json:"to_addresses"`
	CcAddresses  []string       `db:"-" json:"cc_addresses,omitempty"`
	BccAddresses []string       `db:"-" json:"bcc_addresses,omitempty"`
	Status       DeliveryStatus `db:"status" json:"status"`
	Attempts     int            `db:"attempts" json:"attempts"`
	MaxAttempts  int            `db:"max_attempts" json:"max_attempts"`
	Error        string         `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// Recipients returns the full envelope recipient list.
func (d *QueuedDelivery) Recipients() []string {
	out := make([]string, 0, len(d.ToAddresses)+len(d.CcAddresses)+len(d.BccAddresses))
	out = append(out, d.ToAddresses...)
	out = append(out, d.CcAddresses...)
	out = append(out, d.BccAddresses...)
	return out
}
