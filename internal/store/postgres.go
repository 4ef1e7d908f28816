package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"notification-dispatch-go/internal/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const deviceColumns = `id, owner_id, device_name, device_type, endpoint, p256dh, auth, is_active, registered_at, last_used`

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RunMigrations creates the devices table if it doesn't exist and applies schema updates
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}

	migrations := []string{
		`CREATE INDEX IF NOT EXISTS idx_push_devices_owner_active ON push_devices (owner_id) WHERE is_active;`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (models.Device, error) {
	var d models.Device
	var deviceType string
	err := row.Scan(
		&d.ID, &d.OwnerID, &d.DeviceName, &deviceType,
		&d.Subscription.Endpoint, &d.Subscription.Keys.P256dh, &d.Subscription.Keys.Auth,
		&d.IsActive, &d.RegisteredAt, &d.LastUsed,
	)
	d.DeviceType = models.DeviceType(deviceType)
	return d, err
}

func (s *PostgresStore) list(ctx context.Context, query string, ownerID string) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, unavailable("list devices", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, unavailable("list devices", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list devices", err)
	}

	return devices, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	return s.list(ctx,
		`SELECT `+deviceColumns+` FROM push_devices WHERE owner_id = $1 ORDER BY registered_at DESC`,
		ownerID,
	)
}

func (s *PostgresStore) ListActiveByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	return s.list(ctx,
		`SELECT `+deviceColumns+` FROM push_devices WHERE owner_id = $1 AND is_active ORDER BY registered_at DESC`,
		ownerID,
	)
}

func (s *PostgresStore) FindByEndpoint(ctx context.Context, endpoint string) (models.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM push_devices WHERE endpoint = $1`,
		endpoint,
	))
	if err == sql.ErrNoRows {
		return models.Device{}, ErrNotFound
	}
	if err != nil {
		return models.Device{}, unavailable("find device", err)
	}
	return d, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, in models.Device) (models.Device, error) {
	now := s.now().UTC()
	lastUsed := in.LastUsed
	if lastUsed.IsZero() {
		lastUsed = now
	}

	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`INSERT INTO push_devices (`+deviceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (endpoint) DO UPDATE SET
		     device_name = EXCLUDED.device_name,
		     device_type = EXCLUDED.device_type,
		     p256dh = EXCLUDED.p256dh,
		     auth = EXCLUDED.auth,
		     is_active = EXCLUDED.is_active,
		     last_used = EXCLUDED.last_used
		 WHERE push_devices.owner_id = EXCLUDED.owner_id
		 RETURNING `+deviceColumns,
		uuid.NewString(), in.OwnerID, in.DeviceName, string(in.DeviceType),
		in.Subscription.Endpoint, in.Subscription.Keys.P256dh, in.Subscription.Keys.Auth,
		in.IsActive, now, lastUsed,
	))
	// The conditional update returns no row when another owner holds the endpoint
	if err == sql.ErrNoRows {
		return models.Device{}, ErrEndpointOwnedByOther
	}
	if err != nil {
		return models.Device{}, unavailable("upsert device", err)
	}
	return d, nil
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return s.exec(ctx, "set device active",
		`UPDATE push_devices SET is_active = $1 WHERE id = $2`,
		active, id,
	)
}

func (s *PostgresStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return s.exec(ctx, "mark device used",
		`UPDATE push_devices SET last_used = GREATEST(last_used, $1) WHERE id = $2`,
		at.UTC(), id,
	)
}

func (s *PostgresStore) DeleteByID(ctx context.Context, id, ownerID string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return s.exec(ctx, "delete device",
		`DELETE FROM push_devices WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
}
