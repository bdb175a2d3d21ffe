package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/teleconsult/internal/platform/db"
)

const pgUniqueViolation = "23505"

// mapPGError converts driver errors into the package's sentinels. Anything
// that is not a server-side error is treated as the store being unreachable.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w (%s)", ErrConflict, pgErr.ConstraintName)
		}
		return fmt.Errorf("postgres %s: %w", pgErr.Code, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool db.Querier }

func NewAppointmentRepoPG(pool db.Querier) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, provider_ref, patient_ref, scheduled_date, scheduled_time,
	status, reason, room_id, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.ProviderRef, &a.PatientRef, &a.ScheduledDate, &a.ScheduledTime,
		&status, &a.Reason, &a.RoomID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	a.Status = Status(status)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments (id, provider_ref, patient_ref, scheduled_date, scheduled_time,
			status, reason, room_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.ProviderRef, a.PatientRef, a.ScheduledDate, a.ScheduledTime,
		string(a.Status), a.Reason, a.RoomID, a.CreatedAt, a.UpdatedAt)
	return mapPGError(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.pool.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetByRoomID(ctx context.Context, roomID string) (*Appointment, error) {
	return r.scanAppointment(r.pool.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE room_id = $1`, roomID))
}

func (r *appointmentRepoPG) FindActiveBySlot(ctx context.Context, slot SlotKey) (*Appointment, error) {
	return r.scanAppointment(r.pool.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE provider_ref = $1 AND scheduled_date = $2 AND scheduled_time = $3 AND status <> 'cancelled'
		LIMIT 1`, slot.ProviderRef, slot.Date, slot.Time))
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: status is no longer %s", ErrInvalidTransition, from)
	}
	return nil
}

func (r *appointmentRepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if filter.ProviderRef != "" {
		where += fmt.Sprintf(` AND provider_ref = $%d`, idx)
		args = append(args, filter.ProviderRef)
		idx++
	}
	if filter.PatientRef != "" {
		where += fmt.Sprintf(` AND patient_ref = $%d`, idx)
		args = append(args, filter.PatientRef)
		idx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(filter.Status))
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPGError(err)
	}

	query := `SELECT ` + apptCols + ` FROM appointments` + where +
		fmt.Sprintf(` ORDER BY scheduled_date DESC, scheduled_time DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapPGError(err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapPGError(err)
	}
	return items, total, nil
}

// =========== Directory Repository ===========

type directoryRepoPG struct{ pool db.Querier }

func NewDirectoryRepoPG(pool db.Querier) DirectoryRepository {
	return &directoryRepoPG{pool: pool}
}

func (r *directoryRepoPG) ProviderActive(ctx context.Context, ref string) (bool, error) {
	return r.active(ctx, `SELECT active FROM providers WHERE id = $1`, ref)
}

func (r *directoryRepoPG) PatientActive(ctx context.Context, ref string) (bool, error) {
	return r.active(ctx, `SELECT active FROM patients WHERE id = $1`, ref)
}

func (r *directoryRepoPG) active(ctx context.Context, query, ref string) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, query, ref).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapPGError(err)
	}
	return active, nil
}
