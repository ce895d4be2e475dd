package service

import (
	"context"
	"time"

	"wanderlink/internal/models"
)

// Store is the typed TTL cache for connection status and the last shared
// location. *database.Database implements it.
type Store interface {
	SaveConnection(ctx context.Context, ownerID string, conn models.Connection, ttl time.Duration) error
	ListConnections(ctx context.Context, ownerID string) ([]models.Connection, error)
	DeleteConnection(ctx context.Context, ownerID, peerID string) error
	MarkNeedsSync(ctx context.Context, ownerID, peerID string, needsSync bool) error
	PendingSync(ctx context.Context, ownerID string) ([]models.Connection, error)
	SaveLocation(ctx context.Context, loc models.Location, ttl time.Duration) error
	GetLocation(ctx context.Context, userID string) (*models.Location, error)
	PurgeExpired(ctx context.Context) (int64, error)
}
