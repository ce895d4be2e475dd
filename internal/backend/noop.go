package backend

import (
	"context"

	"wanderlink/internal/models"
)

// NoopClient is used when no backend is configured. Writes succeed without
// doing anything and reads return nothing.
type NoopClient struct{}

func (NoopClient) AcceptConnection(context.Context, DecisionRequest) error { return nil }

func (NoopClient) RejectConnection(context.Context, DecisionRequest) error { return nil }

func (NoopClient) Disconnect(context.Context, string, string) error { return nil }

func (NoopClient) ListConnections(context.Context, string) ([]ConnectionRecord, error) {
	return nil, nil
}

func (NoopClient) UpdateLocation(context.Context, models.Location) error { return nil }

func (NoopClient) NearbyTravelers(context.Context, string) ([]models.Traveler, error) {
	return nil, nil
}

// IsNoop reports whether c skips server-side persistence
func IsNoop(c Client) bool {
	if c == nil {
		return true
	}
	_, ok := c.(NoopClient)
	return ok
}
