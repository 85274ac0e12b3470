// Package ingest durably queues order-intake webhook payloads between the
// HTTP layer and the worker process that feeds them to scheduling.Intake,
// so a slow or unavailable database never blocks the HL7 webhook ack.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife-health/radsched/internal/scheduling"
)

// QueueMessage is one dequeued job, carrying the receipt handle the caller
// must present to Delete it once processed.
type QueueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Queue is the durable transport the HTTP layer publishes to and the worker
// consumes from. *SQSQueue and *MemoryQueue both satisfy it.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages, waitSeconds int) ([]QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// OrderJob is the envelope persisted on the queue for one order-intake
// webhook delivery.
type OrderJob struct {
	ID    string           `json:"id"`
	Order scheduling.Order `json:"order"`
}

// EncodeOrderJob marshals an order into a queue message body, stamping a
// fresh job id (intake idempotency is keyed by the order id, not this id).
func EncodeOrderJob(order scheduling.Order) (string, error) {
	job := OrderJob{ID: uuid.NewString(), Order: order}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("ingest: encode order job: %w", err)
	}
	return string(body), nil
}

// DecodeOrderJob unmarshals a queue message body back into an OrderJob.
func DecodeOrderJob(body string) (OrderJob, error) {
	var job OrderJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return OrderJob{}, fmt.Errorf("ingest: decode order job: %w", err)
	}
	return job, nil
}

// defaultReceiveWait is a default long-poll wait for an empty queue; Receive
// itself uses only the waitSeconds its caller passes.
const defaultReceiveWait = 10 * time.Second
