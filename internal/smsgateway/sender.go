// Package smsgateway is the outbound SMS transport the conversation engine
// sends through. The engine is agnostic to provider; per-organization
// overrides are resolved by the caller before Send is invoked, the way the
// teacher's messaging package resolves Telnyx/Twilio credentials before
// building a ReplyMessenger.
package smsgateway

import "context"

// Standard error codes a Sender may report on a failed send.
const (
	ErrorRateLimit     = "RATE_LIMIT"
	ErrorInvalidNumber = "INVALID_NUMBER"
	ErrorUnreachable   = "UNREACHABLE"
	ErrorNotConsented  = "NOT_CONSENTED"
	ErrorConfig        = "CONFIG"
	ErrorUnknown       = "UNKNOWN"
)

// Options carries per-send routing overrides.
type Options struct {
	OrganizationID string
	From           string
}

// Result is the outcome of one send attempt.
type Result struct {
	SID          string
	Status       string
	Provider     string
	FromNumber   string
	ErrorCode    string
	ErrorMessage string
}

// Failed reports whether the send did not succeed.
func (r Result) Failed() bool {
	return r.Status == "failed"
}

// Sender delivers one SMS body to one E.164 destination.
type Sender interface {
	Send(ctx context.Context, toE164 string, body string, opts Options) (Result, error)
}
