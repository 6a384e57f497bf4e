// Package queue carries analysis jobs from the dispatcher to the consumers,
// with bounded redelivery and a dead-letter queue behind one Broker
// interface. SQLite, Redis and in-memory brokers are provided.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dead-letter headers recorded when a message exhausts its retries.
const (
	HeaderExceptionMessage = "x-exception-message"
	HeaderFailedAt         = "x-failed-at"
	HeaderDeliveryCount    = "x-delivery-count"
	HeaderOriginalQueue    = "x-original-queue"
)

var (
	// ErrClosed is returned by Receive after the broker is closed.
	ErrClosed = errors.New("queue: broker closed")

	// ErrInvalidJob is returned for jobs that can never succeed as submitted.
	ErrInvalidJob = errors.New("invalid job")
)

// Job asks for one user's framework usage to be recomputed.
type Job struct {
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// Validate reports whether the job names a user.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Username) == "" {
		return fmt.Errorf("%w: missing username", ErrInvalidJob)
	}
	return nil
}

// Redacted returns a copy safe to log or mail.
func (j Job) Redacted() Job {
	if j.Credential != "" {
		j.Credential = "[REDACTED]"
	}
	return j
}

// Delivery is one received message. Attempts counts deliveries including
// this one.
type Delivery struct {
	ID         string            `json:"id"`
	Job        Job               `json:"job"`
	Attempts   int               `json:"attempts"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`

	// raw is the exact stored form, used by brokers that address
	// in-flight messages by value.
	raw string
}

// Outcome reports what Nack did with a failed delivery.
type Outcome int

const (
	Requeued Outcome = iota
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Broker is a work queue with a dead-letter queue.
type Broker interface {
	// Publish enqueues job for immediate delivery.
	Publish(ctx context.Context, job Job) error

	// Receive blocks until a message is available, ctx is done, or the
	// broker is closed. The returned delivery is in flight until acked or
	// nacked.
	Receive(ctx context.Context) (*Delivery, error)

	// Ack removes a processed delivery.
	Ack(ctx context.Context, d *Delivery) error

	// Nack records a failed attempt. The delivery is scheduled again
	// according to the broker's retry policy, or moved to the dead-letter
	// queue with cause recorded in its headers.
	Nack(ctx context.Context, d *Delivery, cause error) (Outcome, error)

	// ReceiveDead blocks until a dead-lettered message is available.
	ReceiveDead(ctx context.Context) (*Delivery, error)

	// AckDead removes a handled dead letter.
	AckDead(ctx context.Context, d *Delivery) error

	Close() error
}

func newDelivery(job Job, now time.Time) Delivery {
	return Delivery{
		ID:         uuid.New().String(),
		Job:        job,
		EnqueuedAt: now.UTC(),
	}
}

// deadLetterHeaders returns the headers for a delivery that exhausted its
// attempts on queue.
func deadLetterHeaders(d *Delivery, cause error, queue string, now time.Time) map[string]string {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	h := make(map[string]string, len(d.Headers)+4)
	for k, v := range d.Headers {
		h[k] = v
	}
	h[HeaderExceptionMessage] = msg
	h[HeaderFailedAt] = now.UTC().Format(time.RFC3339)
	h[HeaderDeliveryCount] = strconv.Itoa(d.Attempts)
	h[HeaderOriginalQueue] = queue
	return h
}

func encodeDelivery(d *Delivery) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}
	return string(b), nil
}

func decodeDelivery(raw string) (*Delivery, error) {
	var d Delivery
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	d.raw = raw
	return &d, nil
}
