package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"wanderlink/internal/backend"
	"wanderlink/internal/models"
)

// SweepDedup evicts expired request dedup entries
func (s *Session) SweepDedup() int {
	return s.requests.Sweep()
}

// PurgeExpired drops cache rows past their TTL
func (s *Session) PurgeExpired(ctx context.Context) (int64, error) {
	if s.store == nil {
		return 0, nil
	}
	return s.store.PurgeExpired(ctx)
}

// SyncPending retries backend calls for accepted connections the backend
// never recorded. It returns how many were synced.
func (s *Session) SyncPending(ctx context.Context) (int, error) {
	if s.store == nil || backend.IsNoop(s.backend) {
		return 0, nil
	}
	pending, err := s.store.PendingSync(ctx, s.selfID)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, conn := range pending {
		if s.tracker.Status(conn.PeerID) != models.StatusConnected {
			if err := s.store.MarkNeedsSync(ctx, s.selfID, conn.PeerID, false); err != nil {
				return synced, err
			}
			continue
		}
		if err := s.backend.AcceptConnection(ctx, s.decision(conn)); err != nil {
			s.errLogger.LogRetryableError(err, "Backend sync still failing",
				logrus.Fields{LogFieldPeerID: SanitizeUserID(s.logCtx, conn.PeerID)})
			continue
		}
		if err := s.store.MarkNeedsSync(ctx, s.selfID, conn.PeerID, false); err != nil {
			return synced, err
		}
		s.tracker.SetNeedsSync(conn.PeerID, false)
		synced++
	}
	return synced, nil
}

// Reconcile aligns local connections with the backend's list. Connected
// peers the backend no longer lists are dropped unless they still wait for
// sync, and connections only the backend knows are adopted.
func (s *Session) Reconcile(ctx context.Context) error {
	if backend.IsNoop(s.backend) {
		return nil
	}
	records, err := s.backend.ListConnections(ctx, s.selfID)
	if err != nil {
		return err
	}

	remote := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Status == models.StatusConnected {
			remote[r.PeerID] = true
		}
	}

	dropped, adopted := 0, 0
	for _, conn := range s.tracker.WithStatus(models.StatusConnected) {
		if remote[conn.PeerID] || conn.NeedsSync {
			continue
		}
		s.teardown(ctx, conn.PeerID, conn.RoomID)
		dropped++
	}

	for peerID := range remote {
		if peerID == s.selfID || s.tracker.Status(peerID) == models.StatusConnected {
			continue
		}
		conn := s.tracker.Restore(models.Connection{
			PeerID:    peerID,
			RoomID:    models.RoomID(s.selfID, peerID),
			Status:    models.StatusConnected,
			UpdatedAt: s.clock.Now(),
		})
		s.persist(ctx, conn)
		s.statusChanged(models.StatusNone, conn)
		if err := s.joinRoom(ctx, peerID, conn.RoomID); err != nil {
			s.errLogger.LogWarn(err, "Failed to join reconciled room")
		}
		adopted++
	}

	if dropped > 0 || adopted > 0 {
		s.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"adopted": adopted,
		}).Info("Reconciled connections with backend")
	}
	return nil
}
