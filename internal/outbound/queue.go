package outbound

import "context"

// Message is one queue delivery.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Queue nudges workers that a job may be due. Postgres remains the source of
// truth; a lost or duplicated nudge only changes when a worker polls.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}
