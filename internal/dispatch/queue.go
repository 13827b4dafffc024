// Package dispatch is the message fabric connecting workflow stages: named
// channels, one consumer group per channel, at-least-once delivery, and a
// dead-letter path per channel.
package dispatch

import "context"

// QueueClient abstracts one physical queue (SQS in production, memory in
// tests and local development).
type QueueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// QueueMessage is one delivery from a queue.
type QueueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}
