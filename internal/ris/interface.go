package ris

import "context"

// Caller is the surface the conversation engine depends on. Both Client and
// MockClient satisfy it, the way the teacher's messaging.Sender interface
// lets the engine swap Telnyx/Twilio for a fixture provider.
type Caller interface {
	GetLocations(ctx context.Context, modality string) ([]Location, error)
	RequestSlots(ctx context.Context, req SlotRequest) (*SlotRequestAck, error)
	BookAppointment(ctx context.Context, req BookRequest) (*BookAck, error)
	CancelAppointment(ctx context.Context, appointmentID, reason string) error
	GetOrderDetails(ctx context.Context, orderID string) (*OrderDetails, error)
	HealthCheck(ctx context.Context) error
}

var (
	_ Caller = (*Client)(nil)
	_ Caller = (*MockClient)(nil)
)
