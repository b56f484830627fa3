/*
Package sqlite provides a SQLite-backed implementation of rental.TxStore.

PURPOSE:
  Persists the catalog, reservation aggregates and the journals. In
  production the same patterns apply to PostgreSQL with minor dialect
  differences.

INTERFACES IMPLEMENTED:
  rental.CatalogStore:     Tool types and instances
  rental.ReservationStore: Reservations, lines, allocations, bookings
  rental.JournalStore:     Sequences, audit log, notification queue
  rental.TxStore:          All of the above plus WithTx

NO DELETES:
  Reservations, lines and allocations are upserted, never deleted.
  Cancellation, release and loss are states. Reset exists for demos only.

KEY TABLES:
  tool_types, tool_instances: Catalog
  reservations:               One row per aggregate, with a version column
  reservation_lines:          Lines with their frozen pricing snapshot
  line_allocations:           Units and deficit markers
  sequences:                  Named counters for reservation/offer numbers
  audit_log, notifications:   Append-only journals

INDEXES:
  - idx_allocations_booking: ListBookings (availability hot path)
  - idx_reservations_state:  Filtered lists and the sweep

VERSIONING:
  UpdateReservation runs UPDATE ... WHERE id = ? AND version = ?. Zero rows
  affected on an existing id is a stale write and fails with
  ConcurrencyError.

CONCURRENCY:
  One connection, transactions opened with BEGIN IMMEDIATE. WithTx also
  holds the store mutex so a command's read-check-write runs alone.

USAGE:
  store, err := sqlite.New("./data/rental.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  mgr := rental.NewManager(store, rental.Options{})

SEE ALSO:
  - rental/store.go: Interface definitions
  - rental/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/rental-engine/logger"
	"github.com/warp/rental-engine/rental"
)

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements rental.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// queries holds every statement; the Store runs them on the DB and WithTx
// runs them on the transaction.
type queries struct {
	q querier
}

// New opens (and migrates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for :memory: and serializes writers.
	db.SetMaxOpenConns(1)

	store, err := NewFromDB(db, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewFromDB wraps an open handle. Tests pass a sqlmock DB with migrate=false.
func NewFromDB(db *sql.DB, migrate bool) (*Store, error) {
	s := &Store{queries: queries{q: db}, db: db}
	if migrate {
		if err := s.migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		manufacturer TEXT NOT NULL DEFAULT '',
		daily_rate TEXT NOT NULL,
		replacement_value TEXT NOT NULL DEFAULT '0',
		requires_certification INTEGER NOT NULL DEFAULT 0,
		certification_interval_days INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tool_instances (
		id TEXT PRIMARY KEY,
		tool_type_id TEXT NOT NULL REFERENCES tool_types(id),
		serial_number TEXT,
		status TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		condition TEXT NOT NULL DEFAULT '',
		last_certification TEXT,
		next_certification TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_serial
		ON tool_instances(serial_number) WHERE serial_number IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_instances_type
		ON tool_instances(tool_type_id, id);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		requester TEXT NOT NULL,
		project_code TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		backfill INTEGER NOT NULL DEFAULT 0,
		source_offer TEXT NOT NULL DEFAULT '',
		actual_pickup TEXT,
		actual_return TEXT,
		return_condition TEXT NOT NULL DEFAULT '',
		total_cost TEXT NOT NULL,
		decision_json TEXT,
		loss_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_state
		ON reservations(state, end_at);
	CREATE INDEX IF NOT EXISTS idx_reservations_requester
		ON reservations(requester);

	CREATE TABLE IF NOT EXISTS reservation_lines (
		id TEXT PRIMARY KEY,
		reservation_id TEXT NOT NULL REFERENCES reservations(id),
		position INTEGER NOT NULL,
		tool_type_id TEXT NOT NULL REFERENCES tool_types(id),
		quantity INTEGER NOT NULL,
		lost_quantity INTEGER NOT NULL DEFAULT 0,
		start_at TEXT,
		end_at TEXT,
		daily_rate TEXT NOT NULL,
		price_source TEXT NOT NULL,
		price_captured_at TEXT NOT NULL,
		offer_number TEXT NOT NULL DEFAULT '',
		assignment_mode TEXT NOT NULL,
		allow_deficit INTEGER NOT NULL DEFAULT 0,
		requested_instances_json TEXT,
		cost TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lines_reservation
		ON reservation_lines(reservation_id, position);

	CREATE TABLE IF NOT EXISTS line_allocations (
		id TEXT PRIMARY KEY,
		line_id TEXT NOT NULL REFERENCES reservation_lines(id),
		reservation_id TEXT NOT NULL REFERENCES reservations(id),
		tool_type_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		instance_id TEXT,
		deficit INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		picked_at TEXT,
		returned_at TEXT,
		released_at TEXT,
		lost_at TEXT,
		not_returned_at TEXT,
		condition TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		serial_input TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_line
		ON line_allocations(line_id, position);
	CREATE INDEX IF NOT EXISTS idx_allocations_booking
		ON line_allocations(tool_type_id, state, instance_id, start_at)
		WHERE deficit = 0;

	CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		reservation_id TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_reservation
		ON audit_log(reservation_id, id);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		reservation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		recipient TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_reservation
		ON notifications(reservation_id, kind);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (rental.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store rental.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &rental.ConcurrencyError{Resource: "database", Reason: fmt.Sprintf("begin transaction: %v", err)}
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"notifications", "audit_log", "sequences", "line_allocations",
		"reservation_lines", "reservations", "tool_instances", "tool_types",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (q *queries) SaveToolType(ctx context.Context, t rental.ToolType) error {
	if t.ID == "" {
		return &rental.ValidationError{Field: "toolType.id", Reason: "required"}
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO tool_types (id, name, manufacturer, daily_rate, replacement_value,
			requires_certification, certification_interval_days)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			manufacturer = excluded.manufacturer,
			daily_rate = excluded.daily_rate,
			replacement_value = excluded.replacement_value,
			requires_certification = excluded.requires_certification,
			certification_interval_days = excluded.certification_interval_days
	`, t.ID, t.Name, t.Manufacturer, t.DailyRate.String(), t.ReplacementValue.String(),
		t.RequiresCertification, t.CertificationIntervalDays)
	if err != nil {
		return fmt.Errorf("failed to save tool type: %w", err)
	}
	return nil
}

func (q *queries) GetToolType(ctx context.Context, id rental.ToolTypeID) (rental.ToolType, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT id, name, manufacturer, daily_rate, replacement_value,
			requires_certification, certification_interval_days
		FROM tool_types WHERE id = ?
	`, id)
	t, err := scanToolType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.ToolType{}, &rental.NotFoundError{Kind: "tool type", ID: string(id)}
	}
	return t, err
}

func (q *queries) ListToolTypes(ctx context.Context) ([]rental.ToolType, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, name, manufacturer, daily_rate, replacement_value,
			requires_certification, certification_interval_days
		FROM tool_types ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool types: %w", err)
	}
	defer rows.Close()

	var out []rental.ToolType
	for rows.Next() {
		t, err := scanToolType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *queries) SaveInstance(ctx context.Context, inst rental.ToolInstance) error {
	if inst.ID == "" {
		return &rental.ValidationError{Field: "instance.id", Reason: "required"}
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO tool_instances (id, tool_type_id, serial_number, status, location, condition,
			last_certification, next_certification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tool_type_id = excluded.tool_type_id,
			serial_number = excluded.serial_number,
			status = excluded.status,
			location = excluded.location,
			condition = excluded.condition,
			last_certification = excluded.last_certification,
			next_certification = excluded.next_certification
	`, inst.ID, inst.ToolTypeID, nullString(inst.SerialNumber), inst.Status, inst.Location, inst.Condition,
		nullTime(inst.LastCertification), nullTime(inst.NextCertification))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &rental.ValidationError{Field: "serialNumber", Reason: fmt.Sprintf("%q already used", inst.SerialNumber)}
		}
		if isForeignKeyError(err) {
			return &rental.NotFoundError{Kind: "tool type", ID: string(inst.ToolTypeID)}
		}
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

const instanceColumns = `id, tool_type_id, serial_number, status, location, condition, last_certification, next_certification`

func (q *queries) GetInstance(ctx context.Context, id rental.InstanceID) (rental.ToolInstance, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM tool_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.ToolInstance{}, &rental.NotFoundError{Kind: "instance", ID: string(id)}
	}
	return inst, err
}

func (q *queries) FindInstanceBySerial(ctx context.Context, serial string) (rental.ToolInstance, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM tool_instances WHERE serial_number = ?`, serial)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.ToolInstance{}, &rental.NotFoundError{Kind: "serial number", ID: serial}
	}
	return inst, err
}

func (q *queries) ListInstances(ctx context.Context, typeID rental.ToolTypeID) ([]rental.ToolInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM tool_instances`
	var args []any
	if typeID != "" {
		query += ` WHERE tool_type_id = ?`
		args = append(args, typeID)
	}
	rows, err := q.q.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []rental.ToolInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (q *queries) InsertReservation(ctx context.Context, r *rental.Reservation) error {
	r.Version = 1
	decision, loss := marshalOptional(r.Decision), marshalOptional(r.Loss)
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO reservations (id, number, requester, project_code, purpose, notes, state,
			start_at, end_at, backfill, source_offer, actual_pickup, actual_return, return_condition,
			total_cost, decision_json, loss_json, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Number, r.Requester, r.ProjectCode, r.Purpose, r.Notes, r.State,
		formatTime(r.Period.Start), formatTime(r.Period.End), r.Backfill, r.SourceOffer,
		nullTime(r.ActualPickup), nullTime(r.ActualReturn), r.ReturnCondition,
		r.TotalCost.String(), decision, loss, formatTime(r.CreatedAt), formatTime(r.UpdatedAt), r.Version)
	logger.DatabaseResult("insert_reservation", 1, err, "reservation_id", r.ID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &rental.ConcurrencyError{Resource: r.Number, Reason: "reservation or number already exists"}
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return q.saveLines(ctx, r)
}

func (q *queries) UpdateReservation(ctx context.Context, r *rental.Reservation) error {
	decision, loss := marshalOptional(r.Decision), marshalOptional(r.Loss)
	res, err := q.q.ExecContext(ctx, `
		UPDATE reservations SET
			number = ?, requester = ?, project_code = ?, purpose = ?, notes = ?, state = ?,
			start_at = ?, end_at = ?, backfill = ?, source_offer = ?, actual_pickup = ?,
			actual_return = ?, return_condition = ?, total_cost = ?, decision_json = ?,
			loss_json = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, r.Number, r.Requester, r.ProjectCode, r.Purpose, r.Notes, r.State,
		formatTime(r.Period.Start), formatTime(r.Period.End), r.Backfill, r.SourceOffer,
		nullTime(r.ActualPickup), nullTime(r.ActualReturn), r.ReturnCondition,
		r.TotalCost.String(), decision, loss, formatTime(r.UpdatedAt),
		r.ID, r.Version)
	if err != nil {
		logger.DatabaseResult("update_reservation", 0, err, "reservation_id", r.ID)
		if isUniqueConstraintError(err) {
			return &rental.ConcurrencyError{Resource: r.Number, Reason: "number already issued"}
		}
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	logger.DatabaseResult("update_reservation", n, nil, "reservation_id", r.ID)
	if n == 0 {
		var stored int
		err := q.q.QueryRowContext(ctx, `SELECT version FROM reservations WHERE id = ?`, r.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return &rental.NotFoundError{Kind: "reservation", ID: string(r.ID)}
		}
		if err != nil {
			return fmt.Errorf("failed to read reservation version: %w", err)
		}
		return &rental.ConcurrencyError{
			Resource: string(r.ID),
			Reason:   fmt.Sprintf("stale version %d, stored %d", r.Version, stored),
		}
	}
	r.Version++
	return q.saveLines(ctx, r)
}

// saveLines upserts every line and allocation of r.
func (q *queries) saveLines(ctx context.Context, r *rental.Reservation) error {
	for i, l := range r.Lines {
		var start, end sql.NullString
		if l.Period != nil {
			start = nullString(formatTime(l.Period.Start))
			end = nullString(formatTime(l.Period.End))
		}
		var requested sql.NullString
		if len(l.RequestedInstances) > 0 {
			b, _ := json.Marshal(l.RequestedInstances)
			requested = nullString(string(b))
		}
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO reservation_lines (id, reservation_id, position, tool_type_id, quantity,
				lost_quantity, start_at, end_at, daily_rate, price_source, price_captured_at,
				offer_number, assignment_mode, allow_deficit, requested_instances_json, cost)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				quantity = excluded.quantity,
				lost_quantity = excluded.lost_quantity,
				start_at = excluded.start_at,
				end_at = excluded.end_at,
				assignment_mode = excluded.assignment_mode,
				allow_deficit = excluded.allow_deficit,
				requested_instances_json = excluded.requested_instances_json,
				cost = excluded.cost
		`, l.ID, r.ID, i, l.ToolTypeID, l.Quantity, l.LostQuantity, start, end,
			l.Snapshot.DailyRate.String(), l.Snapshot.Source, formatTime(l.Snapshot.CapturedAt),
			l.Snapshot.OfferNumber, l.AssignmentMode, l.AllowDeficit, requested, l.Cost.String())
		if err != nil {
			return fmt.Errorf("failed to save line %s: %w", l.ID, err)
		}

		for j, a := range l.Allocations {
			_, err := q.q.ExecContext(ctx, `
				INSERT INTO line_allocations (id, line_id, reservation_id, tool_type_id, position,
					instance_id, deficit, state, start_at, end_at, picked_at, returned_at,
					released_at, lost_at, not_returned_at, condition, notes, serial_input)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					instance_id = excluded.instance_id,
					deficit = excluded.deficit,
					state = excluded.state,
					start_at = excluded.start_at,
					end_at = excluded.end_at,
					picked_at = excluded.picked_at,
					returned_at = excluded.returned_at,
					released_at = excluded.released_at,
					lost_at = excluded.lost_at,
					not_returned_at = excluded.not_returned_at,
					condition = excluded.condition,
					notes = excluded.notes,
					serial_input = excluded.serial_input
			`, a.ID, l.ID, r.ID, l.ToolTypeID, j, nullString(string(a.InstanceID)), a.Deficit, a.State,
				formatTime(a.Period.Start), formatTime(a.Period.End),
				nullTime(a.PickedAt), nullTime(a.ReturnedAt), nullTime(a.ReleasedAt),
				nullTime(a.LostAt), nullTime(a.NotReturnedAt), a.Condition, a.Notes, a.SerialInput)
			if err != nil {
				return fmt.Errorf("failed to save allocation %s: %w", a.ID, err)
			}
		}
	}
	return nil
}

const reservationColumns = `id, number, requester, project_code, purpose, notes, state, start_at, end_at,
	backfill, source_offer, actual_pickup, actual_return, return_condition, total_cost,
	decision_json, loss_json, created_at, updated_at, version`

func (q *queries) GetReservation(ctx context.Context, id rental.ReservationID) (*rental.Reservation, error) {
	return q.getReservation(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, string(id), "reservation")
}

func (q *queries) GetReservationByNumber(ctx context.Context, number string) (*rental.Reservation, error) {
	return q.getReservation(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE number = ?`, number, "reservation number")
}

func (q *queries) getReservation(ctx context.Context, query, key, kind string) (*rental.Reservation, error) {
	r, err := scanReservation(q.q.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rental.NotFoundError{Kind: kind, ID: key}
	}
	if err != nil {
		return nil, err
	}
	if err := q.loadLines(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (q *queries) ListReservations(ctx context.Context, f rental.ReservationFilter) ([]*rental.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Requester != "" {
		where = append(where, "requester = ?")
		args = append(args, f.Requester)
	}
	if f.EndingBefore != nil {
		where = append(where, "end_at < ?")
		args = append(args, formatTime(*f.EndingBefore))
	}
	query := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, number"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	var out []*rental.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Lines are loaded after the cursor is closed; the single connection
	// cannot serve a nested query while rows are open.
	for _, r := range out {
		if err := q.loadLines(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q *queries) loadLines(ctx context.Context, r *rental.Reservation) error {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, tool_type_id, quantity, lost_quantity, start_at, end_at, daily_rate,
			price_source, price_captured_at, offer_number, assignment_mode, allow_deficit,
			requested_instances_json, cost
		FROM reservation_lines WHERE reservation_id = ? ORDER BY position
	`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to query lines: %w", err)
	}
	r.Lines = nil
	for rows.Next() {
		var (
			l                             rental.Line
			start, end, requested         sql.NullString
			rate, capturedAt, cost, price string
		)
		if err := rows.Scan(&l.ID, &l.ToolTypeID, &l.Quantity, &l.LostQuantity, &start, &end,
			&rate, &price, &capturedAt, &l.Snapshot.OfferNumber, &l.AssignmentMode,
			&l.AllowDeficit, &requested, &cost); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan line: %w", err)
		}
		if start.Valid && end.Valid {
			l.Period = &rental.DateRange{Start: parseTime(start.String), End: parseTime(end.String)}
		}
		l.Snapshot.DailyRate = parseDecimal(rate)
		l.Snapshot.Source = rental.PriceSource(price)
		l.Snapshot.CapturedAt = parseTime(capturedAt)
		l.Cost = parseDecimal(cost)
		if requested.Valid {
			json.Unmarshal([]byte(requested.String), &l.RequestedInstances)
		}
		r.Lines = append(r.Lines, l)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	for i := range r.Lines {
		if err := q.loadAllocations(ctx, &r.Lines[i]); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) loadAllocations(ctx context.Context, l *rental.Line) error {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, instance_id, deficit, state, start_at, end_at, picked_at, returned_at,
			released_at, lost_at, not_returned_at, condition, notes, serial_input
		FROM line_allocations WHERE line_id = ? ORDER BY position
	`, l.ID)
	if err != nil {
		return fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                                           rental.Allocation
			instanceID                                  sql.NullString
			start, end                                  string
			picked, returned, released, lost, notReturn sql.NullString
		)
		if err := rows.Scan(&a.ID, &instanceID, &a.Deficit, &a.State, &start, &end,
			&picked, &returned, &released, &lost, &notReturn, &a.Condition, &a.Notes, &a.SerialInput); err != nil {
			return fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.LineID = l.ID
		a.InstanceID = rental.InstanceID(instanceID.String)
		a.Period = rental.DateRange{Start: parseTime(start), End: parseTime(end)}
		a.PickedAt = parseNullTime(picked)
		a.ReturnedAt = parseNullTime(returned)
		a.ReleasedAt = parseNullTime(released)
		a.LostAt = parseNullTime(lost)
		a.NotReturnedAt = parseNullTime(notReturn)
		l.Allocations = append(l.Allocations, a)
	}
	return rows.Err()
}

func (q *queries) ListBookings(ctx context.Context, typeID rental.ToolTypeID) ([]rental.Booking, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT instance_id, reservation_id, id, state, start_at, end_at
		FROM line_allocations
		WHERE tool_type_id = ? AND deficit = 0 AND state IN (?, ?)
		ORDER BY instance_id, start_at
	`, typeID, rental.AllocReserved, rental.AllocPickedUp)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []rental.Booking
	for rows.Next() {
		var (
			b          rental.Booking
			start, end string
		)
		if err := rows.Scan(&b.InstanceID, &b.ReservationID, &b.AllocationID, &b.State, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		b.Period = rental.DateRange{Start: parseTime(start), End: parseTime(end)}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// JOURNALS
// =============================================================================

func (q *queries) NextSequence(ctx context.Context, name string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	return n, nil
}

func (q *queries) AppendAudit(ctx context.Context, e rental.AuditEntry) error {
	payload, _ := json.Marshal(e.Payload)
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, actor_id, action, reservation_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(e.Timestamp), e.ActorID, e.Action, e.ReservationID, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (q *queries) ListAudit(ctx context.Context, f rental.AuditFilter) ([]rental.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.ReservationID != nil {
		where = append(where, "reservation_id = ?")
		args = append(args, *f.ReservationID)
	}
	if f.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *f.ActorID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT id, ts, actor_id, action, reservation_id, payload_json FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Newest N, returned oldest first.
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []rental.AuditEntry
	for rows.Next() {
		var (
			e       rental.AuditEntry
			ts      string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &e.Action, &e.ReservationID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (q *queries) EnqueueNotification(ctx context.Context, n rental.Notification) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO notifications (id, reservation_id, kind, recipient, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, n.ReservationID, n.Kind, n.Recipient, n.Message, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

func (q *queries) ListNotifications(ctx context.Context, f rental.NotificationFilter) ([]rental.Notification, error) {
	var (
		where []string
		args  []any
	)
	if f.ReservationID != nil {
		where = append(where, "reservation_id = ?")
		args = append(args, *f.ReservationID)
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, k)
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT id, reservation_id, kind, recipient, message, created_at FROM notifications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := q.q.QueryContext(ctx, query+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []rental.Notification
	for rows.Next() {
		var (
			n       rental.Notification
			created string
		)
		if err := rows.Scan(&n.ID, &n.ReservationID, &n.Kind, &n.Recipient, &n.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.CreatedAt = parseTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanToolType(row scanner) (rental.ToolType, error) {
	var (
		t           rental.ToolType
		rate, value string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Manufacturer, &rate, &value,
		&t.RequiresCertification, &t.CertificationIntervalDays)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan tool type: %w", err)
	}
	t.DailyRate = parseDecimal(rate)
	t.ReplacementValue = parseDecimal(value)
	return t, nil
}

func scanInstance(row scanner) (rental.ToolInstance, error) {
	var (
		inst               rental.ToolInstance
		serial             sql.NullString
		lastCert, nextCert sql.NullString
	)
	err := row.Scan(&inst.ID, &inst.ToolTypeID, &serial, &inst.Status, &inst.Location,
		&inst.Condition, &lastCert, &nextCert)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inst, err
		}
		return inst, fmt.Errorf("failed to scan instance: %w", err)
	}
	inst.SerialNumber = serial.String
	inst.LastCertification = parseNullTime(lastCert)
	inst.NextCertification = parseNullTime(nextCert)
	return inst, nil
}

func scanReservation(row scanner) (*rental.Reservation, error) {
	var (
		r                       rental.Reservation
		start, end              string
		pickup, ret             sql.NullString
		total, created, updated string
		decisionJSON, lossJSON  sql.NullString
	)
	err := row.Scan(&r.ID, &r.Number, &r.Requester, &r.ProjectCode, &r.Purpose, &r.Notes, &r.State,
		&start, &end, &r.Backfill, &r.SourceOffer, &pickup, &ret, &r.ReturnCondition, &total,
		&decisionJSON, &lossJSON, &created, &updated, &r.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	r.Period = rental.DateRange{Start: parseTime(start), End: parseTime(end)}
	r.ActualPickup = parseNullTime(pickup)
	r.ActualReturn = parseNullTime(ret)
	r.TotalCost = parseDecimal(total)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	if decisionJSON.Valid {
		var d decisionRecord
		if err := json.Unmarshal([]byte(decisionJSON.String), &d); err == nil {
			r.Decision = d.toDecision()
		}
	}
	if lossJSON.Valid {
		var l lossRecord
		if err := json.Unmarshal([]byte(lossJSON.String), &l); err == nil {
			r.Loss = l.toLoss()
		}
	}
	return &r, nil
}

// decisionRecord and lossRecord are the JSON column layouts.
type decisionRecord struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
	At       string `json:"at"`
	Reason   string `json:"reason,omitempty"`
}

func (d decisionRecord) toDecision() *rental.Decision {
	return &rental.Decision{Approved: d.Approved, By: d.By, At: parseTime(d.At), Reason: d.Reason}
}

type lossRecord struct {
	Amount       decimal.Decimal `json:"amount"`
	CalculatedAt string          `json:"calculatedAt"`
	Units        int             `json:"units"`
}

func (l lossRecord) toLoss() *rental.LossCharge {
	return &rental.LossCharge{Amount: l.Amount, CalculatedAt: parseTime(l.CalculatedAt), Units: l.Units}
}

func marshalOptional(v any) sql.NullString {
	var rec any
	switch x := v.(type) {
	case *rental.Decision:
		if x == nil {
			return sql.NullString{}
		}
		rec = decisionRecord{Approved: x.Approved, By: x.By, At: formatTime(x.At), Reason: x.Reason}
	case *rental.LossCharge:
		if x == nil {
			return sql.NullString{}
		}
		rec = lossRecord{Amount: x.Amount, CalculatedAt: formatTime(x.CalculatedAt), Units: x.Units}
	default:
		return sql.NullString{}
	}
	b, _ := json.Marshal(rec)
	return nullString(string(b))
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

var (
	_ rental.TxStore = (*Store)(nil)
	_ rental.Store   = (*queries)(nil)
)
