package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"wanderlink/internal/errors"
	"wanderlink/internal/migrations"
	"wanderlink/internal/models"
	"wanderlink/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the local TTL cache of connection status and shared locations.
// Rows past their expiry are invisible to reads and removed by PurgeExpired.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	now       func() time.Time
}

type Option func(*Database)

// WithClock overrides the clock used for expiry
func WithClock(now func() time.Time) Option {
	return func(d *Database) { d.now = now }
}

// WithEncryptor overrides the environment driven payload encryptor
func WithEncryptor(e *encryptor) Option {
	return func(d *Database) { d.encryptor = e }
}

func New(dbPath string, opts ...Option) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, errors.NewConfigError("database.path", err.Error())
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.NewDatabaseError("create database file", err)
	}
	if err := file.Close(); err != nil {
		return nil, errors.NewDatabaseError("close database file", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.NewDatabaseError("open database", err)
	}

	d := &Database{db: db, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}

	if d.encryptor == nil {
		enc, err := NewEncryptor()
		if err != nil {
			_ = db.Close()
			return nil, errors.NewConfigError("encryption", err.Error())
		}
		d.encryptor = enc
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.NewDatabaseError("ping database", err)
	}

	if _, err := migrations.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseMigration, "failed to initialize schema")
	}

	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SaveConnection upserts the cached status for one peer
func (d *Database) SaveConnection(ctx context.Context, ownerID string, conn models.Connection, ttl time.Duration) error {
	requestData := ""
	if conn.Request != nil {
		raw, err := json.Marshal(conn.Request)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode connection request")
		}
		if requestData, err = d.encryptor.Encrypt(string(raw)); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encrypt connection request")
		}
	}

	now := d.now()
	if conn.UpdatedAt.IsZero() {
		conn.UpdatedAt = now
	}

	return withRetry(ctx, func(ctx context.Context) error {
		_, err := d.db.ExecContext(ctx, UpsertConnectionQuery,
			ownerID, conn.PeerID, conn.RoomID, string(conn.Status), requestData,
			boolToInt(conn.NeedsSync), conn.UpdatedAt.UnixMilli(), now.Add(ttl).UnixMilli())
		if err != nil {
			return errors.NewDatabaseError("save connection", err)
		}
		return nil
	})
}

// GetConnection returns the cached connection with peerID, or nil when there
// is no live row.
func (d *Database) GetConnection(ctx context.Context, ownerID, peerID string) (*models.Connection, error) {
	row := d.db.QueryRowContext(ctx, SelectConnectionQuery, ownerID, peerID, d.now().UnixMilli())
	conn, err := d.scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get connection", err)
	}
	return conn, nil
}

// ListConnections returns every live cached connection, newest first
func (d *Database) ListConnections(ctx context.Context, ownerID string) ([]models.Connection, error) {
	return d.queryConnections(ctx, "list connections", SelectConnectionsQuery, ownerID, d.now().UnixMilli())
}

// PendingSync returns connections whose backend update has not landed yet
func (d *Database) PendingSync(ctx context.Context, ownerID string) ([]models.Connection, error) {
	return d.queryConnections(ctx, "list pending sync", SelectPendingSyncQuery, ownerID, d.now().UnixMilli())
}

func (d *Database) MarkNeedsSync(ctx context.Context, ownerID, peerID string, needsSync bool) error {
	return withRetry(ctx, func(ctx context.Context) error {
		if _, err := d.db.ExecContext(ctx, UpdateNeedsSyncQuery, boolToInt(needsSync), ownerID, peerID); err != nil {
			return errors.NewDatabaseError("mark needs sync", err)
		}
		return nil
	})
}

func (d *Database) DeleteConnection(ctx context.Context, ownerID, peerID string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		if _, err := d.db.ExecContext(ctx, DeleteConnectionQuery, ownerID, peerID); err != nil {
			return errors.NewDatabaseError("delete connection", err)
		}
		return nil
	})
}

// SaveLocation stores the last shared location. Coordinates are encrypted
// at rest when encryption is enabled.
func (d *Database) SaveLocation(ctx context.Context, loc models.Location, ttl time.Duration) error {
	now := d.now()
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = now
	}

	raw, err := json.Marshal(loc)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode location")
	}
	payload, err := d.encryptor.Encrypt(string(raw))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encrypt location")
	}

	return withRetry(ctx, func(ctx context.Context) error {
		_, err := d.db.ExecContext(ctx, UpsertLocationQuery,
			loc.UserID, payload, loc.UpdatedAt.UnixMilli(), now.Add(ttl).UnixMilli())
		if err != nil {
			return errors.NewDatabaseError("save location", err)
		}
		return nil
	})
}

func (d *Database) GetLocation(ctx context.Context, userID string) (*models.Location, error) {
	var payload string
	err := d.db.QueryRowContext(ctx, SelectLocationQuery, userID, d.now().UnixMilli()).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get location", err)
	}

	plain, err := d.encryptor.Decrypt(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to decrypt location")
	}

	var loc models.Location
	if err := json.Unmarshal([]byte(plain), &loc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to decode location")
	}
	return &loc, nil
}

// PurgeExpired deletes every row past its expiry and returns the count removed
func (d *Database) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := d.now().UnixMilli()
	var total int64

	for _, query := range []string{PurgeExpiredConnectionsQuery, PurgeExpiredLocationsQuery} {
		err := withRetry(ctx, func(ctx context.Context) error {
			res, err := d.db.ExecContext(ctx, query, cutoff)
			if err != nil {
				return errors.NewDatabaseError("purge expired", err)
			}
			n, _ := res.RowsAffected()
			total += n
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (d *Database) queryConnections(ctx context.Context, op, query string, args ...interface{}) ([]models.Connection, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewDatabaseError(op, err)
	}
	defer rows.Close()

	var out []models.Connection
	for rows.Next() {
		conn, err := d.scanConnection(rows)
		if err != nil {
			return nil, errors.NewDatabaseError(op, err)
		}
		out = append(out, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError(op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanConnection(s scanner) (*models.Connection, error) {
	var (
		conn        models.Connection
		status      string
		requestData sql.NullString
		needsSync   int
		updatedAt   int64
	)
	if err := s.Scan(&conn.PeerID, &conn.RoomID, &status, &requestData, &needsSync, &updatedAt); err != nil {
		return nil, err
	}

	conn.Status = models.ConnectionStatus(status)
	conn.NeedsSync = needsSync != 0
	conn.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if requestData.Valid && requestData.String != "" {
		plain, err := d.encryptor.Decrypt(requestData.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt request: %w", err)
		}
		var req models.ConnectionRequest
		if err := json.Unmarshal([]byte(plain), &req); err != nil {
			return nil, fmt.Errorf("failed to decode request: %w", err)
		}
		conn.Request = &req
	}
	return &conn, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
