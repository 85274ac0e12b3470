package ris

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// MockClient returns deterministic fixtures instead of calling a real RIS,
// grounded on the teacher's practice of shipping a parallel in-process fake
// for local/dev runs (payments.FakePaymentsHandler).
type MockClient struct {
	Locations []Location
}

// NewMockClient builds a MockClient with a small fixed set of locations.
func NewMockClient() *MockClient {
	return &MockClient{
		Locations: []Location{
			{ID: "loc-1", Name: "Downtown Imaging Center", City: "Springfield", State: "IL"},
			{ID: "loc-2", Name: "Northside Radiology", City: "Springfield", State: "IL"},
		},
	}
}

func (m *MockClient) GetLocations(ctx context.Context, modality string) ([]Location, error) {
	return m.Locations, nil
}

func (m *MockClient) RequestSlots(ctx context.Context, req SlotRequest) (*SlotRequestAck, error) {
	return &SlotRequestAck{CorrelationID: "mock-" + uuid.NewString()}, nil
}

func (m *MockClient) BookAppointment(ctx context.Context, req BookRequest) (*BookAck, error) {
	return &BookAck{CorrelationID: "mock-" + uuid.NewString()}, nil
}

func (m *MockClient) CancelAppointment(ctx context.Context, appointmentID, reason string) error {
	return nil
}

func (m *MockClient) GetOrderDetails(ctx context.Context, orderID string) (*OrderDetails, error) {
	return &OrderDetails{OrderID: orderID, Modality: "CT", OrderDescription: fmt.Sprintf("mock order %s", orderID)}, nil
}

func (m *MockClient) HealthCheck(ctx context.Context) error {
	return nil
}
