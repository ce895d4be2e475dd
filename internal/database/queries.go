package database

// Connection cache queries
const (
	UpsertConnectionQuery = `
		INSERT INTO connections (
			owner_id, peer_id, room_id, status, request_data,
			needs_sync, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, peer_id) DO UPDATE SET
			room_id = excluded.room_id,
			status = excluded.status,
			request_data = excluded.request_data,
			needs_sync = excluded.needs_sync,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`

	SelectConnectionQuery = `
		SELECT peer_id, room_id, status, request_data, needs_sync, updated_at
		FROM connections
		WHERE owner_id = ? AND peer_id = ? AND expires_at > ?
	`

	SelectConnectionsQuery = `
		SELECT peer_id, room_id, status, request_data, needs_sync, updated_at
		FROM connections
		WHERE owner_id = ? AND expires_at > ?
		ORDER BY updated_at DESC
	`

	SelectPendingSyncQuery = `
		SELECT peer_id, room_id, status, request_data, needs_sync, updated_at
		FROM connections
		WHERE owner_id = ? AND needs_sync = 1 AND expires_at > ?
		ORDER BY updated_at ASC
	`

	UpdateNeedsSyncQuery = `
		UPDATE connections
		SET needs_sync = ?
		WHERE owner_id = ? AND peer_id = ?
	`

	DeleteConnectionQuery = `
		DELETE FROM connections WHERE owner_id = ? AND peer_id = ?
	`

	PurgeExpiredConnectionsQuery = `
		DELETE FROM connections WHERE expires_at <= ?
	`
)

// Location queries
const (
	UpsertLocationQuery = `
		INSERT INTO locations (user_id, payload, updated_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`

	SelectLocationQuery = `
		SELECT payload FROM locations WHERE user_id = ? AND expires_at > ?
	`

	PurgeExpiredLocationsQuery = `
		DELETE FROM locations WHERE expires_at <= ?
	`
)
