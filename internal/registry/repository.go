package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for gateway and device persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// CreateGateway inserts a new gateway.
	// Returns ErrGatewayExists if the gateway_id is already registered.
	CreateGateway(ctx context.Context, gw *Gateway) error

	// GetGateway retrieves a gateway by its external gateway_id.
	// Returns ErrGatewayNotFound if it does not exist.
	GetGateway(ctx context.Context, gatewayID string) (*Gateway, error)

	// ListGateways retrieves all gateways.
	ListGateways(ctx context.Context) ([]Gateway, error)

	// ListGatewaysByOwner retrieves all gateways claimed by a user.
	ListGatewaysByOwner(ctx context.Context, ownerID string) ([]Gateway, error)

	// UpdateGateway modifies an existing gateway (owner, name, presence).
	// Returns ErrGatewayNotFound if it does not exist.
	UpdateGateway(ctx context.Context, gw *Gateway) error

	// CreateDevice inserts a new device.
	// Returns ErrDeviceExists if the device_id is already registered.
	CreateDevice(ctx context.Context, d *Device) error

	// GetDevice retrieves a device by its external device_id.
	// Returns ErrDeviceNotFound if it does not exist.
	GetDevice(ctx context.Context, deviceID string) (*Device, error)

	// ListDevices retrieves all devices.
	ListDevices(ctx context.Context) ([]Device, error)

	// ListDevicesByGateway retrieves all devices behind a gateway.
	ListDevicesByGateway(ctx context.Context, gatewayID string) ([]Device, error)

	// UpdateDevice modifies an existing device.
	// Returns ErrDeviceNotFound if it does not exist.
	UpdateDevice(ctx context.Context, d *Device) error

	// SetDeviceOnline updates presence. seenAt may be nil for offline
	// transitions where the last known sighting should be preserved.
	SetDeviceOnline(ctx context.Context, deviceID string, online bool, seenAt *time.Time) error

	// DeleteDevice removes a device and, via cascade, its telemetry and
	// command history. Returns ErrDeviceNotFound if it does not exist.
	DeleteDevice(ctx context.Context, deviceID string) error

	// AppendTelemetry inserts a telemetry reading. Telemetry is append-only.
	AppendTelemetry(ctx context.Context, rec *TelemetryRecord) error

	// ListTelemetry retrieves the most recent readings for a device,
	// newest first, capped at limit.
	ListTelemetry(ctx context.Context, deviceID string, limit int) ([]TelemetryRecord, error)

	// CreateCommand inserts a command history row in pending status.
	CreateCommand(ctx context.Context, cmd *CommandRecord) error

	// CompleteCommand moves a pending command to a terminal status.
	// Returns ErrCommandNotFound if the correlation ID is unknown or the
	// command is already in a terminal state.
	CompleteCommand(ctx context.Context, correlationID string, status CommandStatus, result *string, completedAt time.Time) error

	// ListCommands retrieves the most recent commands for a device,
	// newest first, capped at limit.
	ListCommands(ctx context.Context, deviceID string, limit int) ([]CommandRecord, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the schema
// migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// --- Gateways ---

const gatewayColumns = `id, gateway_id, owner_id, name, online, last_seen, created_at, updated_at`

// CreateGateway inserts a new gateway.
func (r *SQLiteRepository) CreateGateway(ctx context.Context, gw *Gateway) error {
	query := `
		INSERT INTO gateways (id, gateway_id, owner_id, name, online, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		gw.ID,
		gw.GatewayID,
		gw.OwnerID,
		gw.Name,
		boolToInt(gw.Online),
		formatNullableTime(gw.LastSeen),
		formatTime(gw.CreatedAt),
		formatTime(gw.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrGatewayExists
		}
		return fmt.Errorf("inserting gateway: %w", err)
	}
	return nil
}

// GetGateway retrieves a gateway by its external gateway_id.
func (r *SQLiteRepository) GetGateway(ctx context.Context, gatewayID string) (*Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways WHERE gateway_id = ?`

	row := r.db.QueryRowContext(ctx, query, gatewayID)
	gw, err := scanGateway(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGatewayNotFound
		}
		return nil, fmt.Errorf("querying gateway: %w", err)
	}
	return gw, nil
}

// ListGateways retrieves all gateways.
func (r *SQLiteRepository) ListGateways(ctx context.Context) ([]Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways ORDER BY gateway_id`
	return r.queryGateways(ctx, query)
}

// ListGatewaysByOwner retrieves all gateways claimed by a user.
func (r *SQLiteRepository) ListGatewaysByOwner(ctx context.Context, ownerID string) ([]Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways WHERE owner_id = ? ORDER BY gateway_id`
	return r.queryGateways(ctx, query, ownerID)
}

// UpdateGateway modifies an existing gateway.
func (r *SQLiteRepository) UpdateGateway(ctx context.Context, gw *Gateway) error {
	query := `
		UPDATE gateways
		SET owner_id = ?, name = ?, online = ?, last_seen = ?, updated_at = ?
		WHERE gateway_id = ?`

	result, err := r.db.ExecContext(ctx, query,
		gw.OwnerID,
		gw.Name,
		boolToInt(gw.Online),
		formatNullableTime(gw.LastSeen),
		formatTime(time.Now().UTC()),
		gw.GatewayID,
	)
	if err != nil {
		return fmt.Errorf("updating gateway: %w", err)
	}
	return checkRowAffected(result, ErrGatewayNotFound)
}

// --- Devices ---

const deviceColumns = `id, device_id, gateway_id, type, model, name, online, last_seen, created_at, updated_at`

// CreateDevice inserts a new device.
func (r *SQLiteRepository) CreateDevice(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (id, device_id, gateway_id, type, model, name, online, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		d.ID,
		d.DeviceID,
		d.GatewayID,
		string(d.Type),
		d.Model,
		d.Name,
		boolToInt(d.Online),
		formatNullableTime(d.LastSeen),
		formatTime(d.CreatedAt),
		formatTime(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by its external device_id.
func (r *SQLiteRepository) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = ?`

	row := r.db.QueryRowContext(ctx, query, deviceID)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

// ListDevices retrieves all devices.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id`
	return r.queryDevices(ctx, query)
}

// ListDevicesByGateway retrieves all devices behind a gateway.
func (r *SQLiteRepository) ListDevicesByGateway(ctx context.Context, gatewayID string) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE gateway_id = ? ORDER BY device_id`
	return r.queryDevices(ctx, query, gatewayID)
}

// UpdateDevice modifies an existing device.
func (r *SQLiteRepository) UpdateDevice(ctx context.Context, d *Device) error {
	query := `
		UPDATE devices
		SET gateway_id = ?, type = ?, model = ?, name = ?, online = ?, last_seen = ?, updated_at = ?
		WHERE device_id = ?`

	result, err := r.db.ExecContext(ctx, query,
		d.GatewayID,
		string(d.Type),
		d.Model,
		d.Name,
		boolToInt(d.Online),
		formatNullableTime(d.LastSeen),
		formatTime(time.Now().UTC()),
		d.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return checkRowAffected(result, ErrDeviceNotFound)
}

// SetDeviceOnline updates presence without touching other fields.
// This is optimised for the high-frequency path: every telemetry and
// heartbeat message flips or refreshes presence.
func (r *SQLiteRepository) SetDeviceOnline(ctx context.Context, deviceID string, online bool, seenAt *time.Time) error {
	var (
		result sql.Result
		err    error
	)
	now := formatTime(time.Now().UTC())

	if seenAt != nil {
		query := `UPDATE devices SET online = ?, last_seen = ?, updated_at = ? WHERE device_id = ?`
		result, err = r.db.ExecContext(ctx, query, boolToInt(online), formatTime(*seenAt), now, deviceID)
	} else {
		query := `UPDATE devices SET online = ?, updated_at = ? WHERE device_id = ?`
		result, err = r.db.ExecContext(ctx, query, boolToInt(online), now, deviceID)
	}
	if err != nil {
		return fmt.Errorf("updating device presence: %w", err)
	}
	return checkRowAffected(result, ErrDeviceNotFound)
}

// DeleteDevice removes a device by its external device_id.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, deviceID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return checkRowAffected(result, ErrDeviceNotFound)
}

// --- Telemetry ---

// AppendTelemetry inserts a telemetry reading.
func (r *SQLiteRepository) AppendTelemetry(ctx context.Context, rec *TelemetryRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshalling telemetry payload: %w", err)
	}

	query := `INSERT INTO telemetry (device_id, timestamp, payload) VALUES (?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query, rec.DeviceID, formatTime(rec.Timestamp), string(payload))
	if err != nil {
		return fmt.Errorf("inserting telemetry: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListTelemetry retrieves the most recent readings for a device.
func (r *SQLiteRepository) ListTelemetry(ctx context.Context, deviceID string, limit int) ([]TelemetryRecord, error) {
	query := `
		SELECT id, device_id, timestamp, payload
		FROM telemetry
		WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying telemetry: %w", err)
	}
	defer rows.Close()

	var records []TelemetryRecord
	for rows.Next() {
		var (
			rec     TelemetryRecord
			ts      string
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scanning telemetry row: %w", err)
		}
		rec.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing telemetry timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshalling telemetry payload: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating telemetry: %w", err)
	}
	return records, nil
}

// --- Commands ---

// CreateCommand inserts a command history row.
func (r *SQLiteRepository) CreateCommand(ctx context.Context, cmd *CommandRecord) error {
	params, err := json.Marshal(cmd.Params)
	if err != nil {
		return fmt.Errorf("marshalling command params: %w", err)
	}

	query := `
		INSERT INTO command_history (correlation_id, device_id, action, params, status, result, dispatched_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		cmd.CorrelationID,
		cmd.DeviceID,
		cmd.Action,
		string(params),
		string(cmd.Status),
		cmd.Result,
		formatTime(cmd.DispatchedAt),
		formatNullableTime(cmd.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		cmd.ID = id
	}
	return nil
}

// CompleteCommand moves a pending command to a terminal status.
// The WHERE clause guards the transition: a command already completed
// (by a racing response or timeout) is left untouched.
func (r *SQLiteRepository) CompleteCommand(ctx context.Context, correlationID string, status CommandStatus, result *string, completedAt time.Time) error {
	query := `
		UPDATE command_history
		SET status = ?, result = ?, completed_at = ?
		WHERE correlation_id = ? AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, query,
		string(status),
		result,
		formatTime(completedAt),
		correlationID,
	)
	if err != nil {
		return fmt.Errorf("completing command: %w", err)
	}
	return checkRowAffected(res, ErrCommandNotFound)
}

// ListCommands retrieves the most recent commands for a device.
func (r *SQLiteRepository) ListCommands(ctx context.Context, deviceID string, limit int) ([]CommandRecord, error) {
	query := `
		SELECT id, correlation_id, device_id, action, params, status, result, dispatched_at, completed_at
		FROM command_history
		WHERE device_id = ?
		ORDER BY dispatched_at DESC, id DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var records []CommandRecord
	for rows.Next() {
		var (
			cmd         CommandRecord
			params      string
			status      string
			dispatched  string
			completedAt sql.NullString
		)
		if err := rows.Scan(&cmd.ID, &cmd.CorrelationID, &cmd.DeviceID, &cmd.Action,
			&params, &status, &cmd.Result, &dispatched, &completedAt); err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		cmd.Status = CommandStatus(status)
		if err := json.Unmarshal([]byte(params), &cmd.Params); err != nil {
			return nil, fmt.Errorf("unmarshalling command params: %w", err)
		}
		cmd.DispatchedAt, err = parseTime(dispatched)
		if err != nil {
			return nil, fmt.Errorf("parsing dispatch time: %w", err)
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing completion time: %w", err)
			}
			cmd.CompletedAt = &t
		}
		records = append(records, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return records, nil
}

// --- Scanning helpers ---

// rowScanner abstracts sql.Row and sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanGateway(row rowScanner) (*Gateway, error) {
	var (
		gw       Gateway
		online   int
		lastSeen sql.NullString
		created  string
		updated  string
	)
	err := row.Scan(&gw.ID, &gw.GatewayID, &gw.OwnerID, &gw.Name,
		&online, &lastSeen, &created, &updated)
	if err != nil {
		return nil, err
	}

	gw.Online = online != 0
	if gw.LastSeen, err = parseNullableTime(lastSeen); err != nil {
		return nil, err
	}
	if gw.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if gw.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &gw, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d        Device
		devType  string
		online   int
		lastSeen sql.NullString
		created  string
		updated  string
	)
	err := row.Scan(&d.ID, &d.DeviceID, &d.GatewayID, &devType, &d.Model, &d.Name,
		&online, &lastSeen, &created, &updated)
	if err != nil {
		return nil, err
	}

	d.Type = DeviceType(devType)
	d.Online = online != 0
	if d.LastSeen, err = parseNullableTime(lastSeen); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *SQLiteRepository) queryGateways(ctx context.Context, query string, args ...any) ([]Gateway, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying gateways: %w", err)
	}
	defer rows.Close()

	var gateways []Gateway
	for rows.Next() {
		gw, err := scanGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning gateway row: %w", err)
		}
		gateways = append(gateways, *gw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating gateways: %w", err)
	}
	return gateways, nil
}

func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// --- Conversion helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueViolation detects SQLite unique constraint errors without
// binding to driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// checkRowAffected returns notFound if the statement touched no rows.
func checkRowAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
