package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-equipment-reservations/internal/reservations"
)

//go:embed schema.sql
var schema string

// DB is the part of *pgxpool.Pool the store needs.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Store implements reservations.Store on Postgres. Writers run at READ
// COMMITTED and serialize on row locks taken with SELECT ... FOR UPDATE;
// readers get a REPEATABLE READ snapshot.
type Store struct {
	db  DB
	log *zap.Logger
}

var (
	writeOpts = pgx.TxOptions{}
	viewOpts  = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
)

func NewStore(db DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

func (s *Store) InTx(ctx context.Context, fn func(tx reservations.Tx) error) error {
	return s.run(ctx, writeOpts, fn)
}

func (s *Store) View(ctx context.Context, fn func(tx reservations.Tx) error) error {
	return s.run(ctx, viewOpts, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(tx reservations.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", mapErr(err))
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.log.Warn("rollback failed", zap.Error(err))
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

// mapErr translates driver errors into the store sentinels the workflow
// understands.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return reservations.ErrNoRows
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s (%s)", reservations.ErrVersionConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

const itemCols = `id, name, total_quantity, last_borrowed_by, last_borrowed_at, last_returned_at, updated_at`

func scanItem(row pgx.Row) (reservations.Item, error) {
	var it reservations.Item
	err := row.Scan(&it.ID, &it.Name, &it.TotalQuantity, &it.LastBorrowedBy, &it.LastBorrowedAt, &it.LastReturnedAt, &it.UpdatedAt)
	return it, mapErr(err)
}

func (t *pgTx) LockItems(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	// ORDER BY fixes the lock acquisition order across transactions
	_, err := t.tx.Exec(ctx, `SELECT 1 FROM items WHERE id = ANY($1) ORDER BY id FOR UPDATE`, itemIDs)
	return mapErr(err)
}

func (t *pgTx) GetItem(ctx context.Context, itemID string) (reservations.Item, error) {
	return scanItem(t.tx.QueryRow(ctx, `SELECT `+itemCols+` FROM items WHERE id = $1`, itemID))
}

func (t *pgTx) PutItem(ctx context.Context, it reservations.Item) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO items (`+itemCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			total_quantity = EXCLUDED.total_quantity,
			last_borrowed_by = EXCLUDED.last_borrowed_by,
			last_borrowed_at = EXCLUDED.last_borrowed_at,
			last_returned_at = EXCLUDED.last_returned_at,
			updated_at = EXCLUDED.updated_at`,
		it.ID, it.Name, it.TotalQuantity, it.LastBorrowedBy, it.LastBorrowedAt, it.LastReturnedAt, it.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) AdjustQuantity(ctx context.Context, itemID string, delta int, mark reservations.ItemMark) (reservations.Item, error) {
	return scanItem(t.tx.QueryRow(ctx, `
		UPDATE items SET
			total_quantity = GREATEST(total_quantity + $2, 0),
			last_borrowed_by = COALESCE(NULLIF($3::text, ''), last_borrowed_by),
			last_borrowed_at = COALESCE($4, last_borrowed_at),
			last_returned_at = COALESCE($5, last_returned_at),
			updated_at = COALESCE($6, now())
		WHERE id = $1
		RETURNING `+itemCols,
		itemID, delta, mark.BorrowedBy, mark.BorrowedAt, mark.ReturnedAt, nullTime(mark.At)))
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

const reservationCols = `id, requested_at, window_start, window_end, lines,
	requester_id, requester_name, requester_email, requester_course, requester_year,
	status, purpose, room_number, lab_section, group_members, assigned_teacher_id,
	teacher_approval, lab_approval, returned_at, is_late, days_late, hours_late,
	updated_at, version`

func scanReservation(row pgx.Row) (reservations.Reservation, error) {
	var (
		r                   reservations.Reservation
		status              string
		lines, teacher, lab []byte
	)
	err := row.Scan(&r.ID, &r.RequestedAt, &r.WindowStart, &r.WindowEnd, &lines,
		&r.Requester.ID, &r.Requester.Name, &r.Requester.Email, &r.Requester.Course, &r.Requester.Year,
		&status, &r.Purpose, &r.RoomNumber, &r.LabSection, &r.GroupMembers, &r.AssignedTeacherID,
		&teacher, &lab, &r.ReturnedAt, &r.IsLate, &r.DaysLate, &r.HoursLate,
		&r.UpdatedAt, &r.Version)
	if err != nil {
		return reservations.Reservation{}, mapErr(err)
	}
	r.Status = reservations.Status(status)
	if err := json.Unmarshal(lines, &r.Lines); err != nil {
		return reservations.Reservation{}, fmt.Errorf("decode lines of %s: %w", r.ID, err)
	}
	if r.Teacher, err = decodeApproval(teacher); err != nil {
		return reservations.Reservation{}, fmt.Errorf("decode teacher approval of %s: %w", r.ID, err)
	}
	if r.LabAssistant, err = decodeApproval(lab); err != nil {
		return reservations.Reservation{}, fmt.Errorf("decode lab approval of %s: %w", r.ID, err)
	}
	return r, nil
}

func decodeApproval(b []byte) (*reservations.Approval, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var a reservations.Approval
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func encodeApproval(a *reservations.Approval) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// reservationArgs returns every column value except id and version, in
// reservationCols order.
func reservationArgs(r reservations.Reservation) ([]any, error) {
	lines, err := json.Marshal(r.Lines)
	if err != nil {
		return nil, fmt.Errorf("encode lines: %w", err)
	}
	teacher, err := encodeApproval(r.Teacher)
	if err != nil {
		return nil, fmt.Errorf("encode teacher approval: %w", err)
	}
	lab, err := encodeApproval(r.LabAssistant)
	if err != nil {
		return nil, fmt.Errorf("encode lab approval: %w", err)
	}
	members := r.GroupMembers
	if members == nil {
		members = []string{}
	}
	return []any{
		r.RequestedAt, r.WindowStart, r.WindowEnd, lines,
		r.Requester.ID, r.Requester.Name, r.Requester.Email, r.Requester.Course, r.Requester.Year,
		string(r.Status), r.Purpose, r.RoomNumber, r.LabSection, members, r.AssignedTeacherID,
		teacher, lab, r.ReturnedAt, r.IsLate, r.DaysLate, r.HoursLate,
		r.UpdatedAt,
	}, nil
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (reservations.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id))
}

func (t *pgTx) LockReservation(ctx context.Context, id string) (reservations.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) PutReservation(ctx context.Context, r reservations.Reservation) (reservations.Reservation, error) {
	args, err := reservationArgs(r)
	if err != nil {
		return reservations.Reservation{}, err
	}

	if r.Version == 0 {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO reservations (`+reservationCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21, $22, $23, 1)`,
			append([]any{r.ID}, args...)...)
		if err != nil {
			return reservations.Reservation{}, mapErr(err)
		}
		r.Version = 1
		return r, nil
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE reservations SET (
			requested_at, window_start, window_end, lines,
			requester_id, requester_name, requester_email, requester_course, requester_year,
			status, purpose, room_number, lab_section, group_members, assigned_teacher_id,
			teacher_approval, lab_approval, returned_at, is_late, days_late, hours_late,
			updated_at, version
		) = ($2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, version + 1)
		WHERE id = $1 AND version = $24`,
		append(append([]any{r.ID}, args...), r.Version)...)
	if err != nil {
		return reservations.Reservation{}, mapErr(err)
	}
	if tag.RowsAffected() != 1 {
		return reservations.Reservation{}, fmt.Errorf("%w: reservation %s at version %d", reservations.ErrVersionConflict, r.ID, r.Version)
	}
	r.Version++
	return r, nil
}

func (t *pgTx) DeleteReservation(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return reservations.ErrNoRows
	}
	return nil
}

func (t *pgTx) queryReservations(ctx context.Context, sql string, args ...any) ([]reservations.Reservation, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []reservations.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

func (t *pgTx) QueryContainingItem(ctx context.Context, itemID string, statuses []reservations.Status) ([]reservations.Reservation, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return t.queryReservations(ctx, `
		SELECT `+reservationCols+` FROM reservations
		WHERE lines @> jsonb_build_array(jsonb_build_object('item_id', $1::text))
		  AND status = ANY($2)
		ORDER BY requested_at, id`, itemID, ss)
}

func (t *pgTx) QueryByStatus(ctx context.Context, status reservations.Status) ([]reservations.Reservation, error) {
	return t.queryReservations(ctx, `
		SELECT `+reservationCols+` FROM reservations
		WHERE status = $1
		ORDER BY requested_at, id`, string(status))
}

func (t *pgTx) QueryByRequester(ctx context.Context, userID string) ([]reservations.Reservation, error) {
	return t.queryReservations(ctx, `
		SELECT `+reservationCols+` FROM reservations
		WHERE requester_id = $1
		ORDER BY requested_at DESC, id`, userID)
}

func (t *pgTx) GetProfile(ctx context.Context, userID string) (reservations.Profile, error) {
	var p reservations.Profile
	err := t.tx.QueryRow(ctx, `SELECT id, name, email, course, year FROM users WHERE id = $1`, userID).
		Scan(&p.ID, &p.Name, &p.Email, &p.Course, &p.Year)
	return p, mapErr(err)
}

func (t *pgTx) IncrementLateReturns(ctx context.Context, userID string, at time.Time) (reservations.LateStats, error) {
	var s reservations.LateStats
	err := t.tx.QueryRow(ctx, `
		INSERT INTO late_returns (user_id, late_return_count, last_late_return_date)
		VALUES ($1, 1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			late_return_count = late_returns.late_return_count + 1,
			last_late_return_date = EXCLUDED.last_late_return_date
		RETURNING user_id, late_return_count, last_late_return_date`, userID, at).
		Scan(&s.UserID, &s.LateReturnCount, &s.LastLateReturnDate)
	return s, mapErr(err)
}

func (t *pgTx) GetLateStats(ctx context.Context, userID string) (reservations.LateStats, error) {
	var s reservations.LateStats
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, late_return_count, last_late_return_date
		FROM late_returns WHERE user_id = $1`, userID).
		Scan(&s.UserID, &s.LateReturnCount, &s.LastLateReturnDate)
	return s, mapErr(err)
}

var _ reservations.Store = (*Store)(nil)
