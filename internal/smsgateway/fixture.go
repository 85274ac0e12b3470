package smsgateway

import (
	"context"
	"sync"
)

// SentMessage records one call made to a FixtureSender.
type SentMessage struct {
	To   string
	Body string
	Opts Options
}

// FixtureSender is an in-memory Sender for tests and local dev, grounded on
// the teacher's practice of shipping a deterministic fake alongside a real
// provider (demo_wrapper.go's local wrapper around the live sender).
type FixtureSender struct {
	mu       sync.Mutex
	Sent     []SentMessage
	FailNext bool
	FailCode string
}

var _ Sender = (*FixtureSender)(nil)

// NewFixtureSender builds an empty FixtureSender.
func NewFixtureSender() *FixtureSender {
	return &FixtureSender{}
}

// Send records the message and returns a deterministic success, unless
// FailNext has been armed.
func (f *FixtureSender) Send(ctx context.Context, toE164, body string, opts Options) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, SentMessage{To: toE164, Body: body, Opts: opts})

	if f.FailNext {
		f.FailNext = false
		code := f.FailCode
		if code == "" {
			code = ErrorUnknown
		}
		return Result{Status: "failed", ErrorCode: code}, nil
	}
	return Result{SID: "fixture-sid", Status: "sent", Provider: "fixture", FromNumber: "+15550000000"}, nil
}

// Messages returns a snapshot of everything sent so far.
func (f *FixtureSender) Messages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.Sent))
	copy(out, f.Sent)
	return out
}
