package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/db"
)

// =========== Assignment Repository ===========

type assignmentRepoPG struct{ conn db.Querier }

func NewAssignmentRepoPG(conn db.Querier) AssignmentRepository { return &assignmentRepoPG{conn: conn} }

const assignmentCols = `id, clinician_id, branch_id, room_id, weekday, start_time, end_time,
	duration_minutes, active, created_at, updated_at`

func (r *assignmentRepoPG) scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.ClinicianID, &a.BranchID, &a.RoomID, &a.Weekday, &a.StartTime, &a.EndTime,
		&a.DurationMinutes, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrRecordNotFound
	}
	return &a, err
}

func (r *assignmentRepoPG) Create(ctx context.Context, a *Assignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn.QueryRow(ctx, `
		INSERT INTO assignment (id, clinician_id, branch_id, room_id, weekday, start_time, end_time,
			duration_minutes, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		a.ID, a.ClinicianID, a.BranchID, a.RoomID, a.Weekday, a.StartTime, a.EndTime,
		a.DurationMinutes, a.Active).Scan(&a.CreatedAt, &a.UpdatedAt)
	if db.IsForeignKeyViolation(err) {
		return fmt.Errorf("branch or room does not exist: %w", ErrRecordNotFound)
	}
	return err
}

func (r *assignmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return r.scanAssignment(r.conn.QueryRow(ctx, `SELECT `+assignmentCols+` FROM assignment WHERE id = $1`, id))
}

func (r *assignmentRepoPG) Update(ctx context.Context, a *Assignment) error {
	err := r.conn.QueryRow(ctx, `
		UPDATE assignment SET room_id=$2, weekday=$3, start_time=$4, end_time=$5,
			duration_minutes=$6, active=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.RoomID, a.Weekday, a.StartTime, a.EndTime, a.DurationMinutes, a.Active).Scan(&a.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrRecordNotFound
	}
	return err
}

func (r *assignmentRepoPG) ListByClinician(ctx context.Context, clinicianID uuid.UUID, activeOnly bool) ([]*Assignment, error) {
	query := `SELECT ` + assignmentCols + ` FROM assignment WHERE clinician_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY weekday, start_time, id`
	rows, err := r.conn.Query(ctx, query, clinicianID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Assignment
	for rows.Next() {
		a, err := r.scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// =========== Exception Repository ===========

type exceptionRepoPG struct{ conn db.Querier }

func NewExceptionRepoPG(conn db.Querier) ExceptionRepository { return &exceptionRepoPG{conn: conn} }

const exceptionCols = `id, clinician_id, branch_id, exception_date, start_time, end_time, kind, reason, created_at`

func (r *exceptionRepoPG) scanException(row pgx.Row) (*Exception, error) {
	var e Exception
	err := row.Scan(&e.ID, &e.ClinicianID, &e.BranchID, &e.Date, &e.StartTime, &e.EndTime,
		&e.Kind, &e.Reason, &e.CreatedAt)
	if db.IsNoRows(err) {
		return nil, ErrRecordNotFound
	}
	return &e, err
}

func (r *exceptionRepoPG) Create(ctx context.Context, e *Exception) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn.QueryRow(ctx, `
		INSERT INTO schedule_exception (id, clinician_id, branch_id, exception_date, start_time, end_time, kind, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		e.ID, e.ClinicianID, e.BranchID, e.Date, e.StartTime, e.EndTime, e.Kind, e.Reason).Scan(&e.CreatedAt)
}

func (r *exceptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Exception, error) {
	return r.scanException(r.conn.QueryRow(ctx, `SELECT `+exceptionCols+` FROM schedule_exception WHERE id = $1`, id))
}

func (r *exceptionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn.Exec(ctx, `DELETE FROM schedule_exception WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *exceptionRepoPG) ListForDay(ctx context.Context, clinicianID uuid.UUID, date Date) ([]*Exception, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+exceptionCols+` FROM schedule_exception
		WHERE clinician_id = $1 AND exception_date = $2
		ORDER BY start_time, id`, clinicianID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Exception
	for rows.Next() {
		e, err := r.scanException(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *exceptionRepoPG) List(ctx context.Context, f ExceptionFilter, limit, offset int) ([]*Exception, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.ClinicianID != nil {
		where += fmt.Sprintf(` AND clinician_id = $%d`, idx)
		args = append(args, *f.ClinicianID)
		idx++
	}
	if f.BranchID != nil {
		where += fmt.Sprintf(` AND (branch_id IS NULL OR branch_id = $%d)`, idx)
		args = append(args, *f.BranchID)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND exception_date >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND exception_date <= $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM schedule_exception`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + exceptionCols + ` FROM schedule_exception` + where +
		fmt.Sprintf(` ORDER BY exception_date, start_time, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Exception
	for rows.Next() {
		e, err := r.scanException(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

// =========== Appointment Repository ===========

// appointmentRepoPG relies on the appointment_no_overlap exclusion
// constraint for the no-double-booking guarantee and on version_id for
// optimistic concurrency.
type appointmentRepoPG struct{ conn db.Querier }

func NewAppointmentRepoPG(conn db.Querier) AppointmentRepository {
	return &appointmentRepoPG{conn: conn}
}

const apptCols = `id, patient_id, assignment_id, clinician_id, branch_id, room_id, appointment_date,
	start_time, end_time, duration_minutes, appointment_type, motive, status, price,
	payment_method, payment_state, cancellation_reason, performed, walk_in,
	created_by, modified_by, version_id, created_at, updated_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.AssignmentID, &a.ClinicianID, &a.BranchID, &a.RoomID, &a.Date,
		&a.StartTime, &a.EndTime, &a.DurationMinutes, &a.Type, &a.Motive, &a.Status, &a.Price,
		&a.PaymentMethod, &a.PaymentState, &a.CancellationReason, &a.Performed, &a.WalkIn,
		&a.CreatedBy, &a.ModifiedBy, &a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrRecordNotFound
	}
	return &a, err
}

func (r *appointmentRepoPG) Insert(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn.QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, assignment_id, clinician_id, branch_id, room_id,
			appointment_date, start_time, end_time, duration_minutes, appointment_type, motive, status,
			price, payment_method, payment_state, cancellation_reason, performed, walk_in,
			created_by, modified_by, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,1)
		RETURNING version_id, created_at, updated_at`,
		a.ID, a.PatientID, a.AssignmentID, a.ClinicianID, a.BranchID, a.RoomID,
		a.Date, a.StartTime, a.EndTime, a.DurationMinutes, a.Type, a.Motive, a.Status,
		a.Price, a.PaymentMethod, a.PaymentState, a.CancellationReason, a.Performed, a.WalkIn,
		a.CreatedBy, a.ModifiedBy).Scan(&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	if db.IsOverlapViolation(err) {
		return ErrSlotTaken
	}
	return err
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn.QueryRow(ctx, `
		UPDATE appointment SET assignment_id=$3, room_id=$4, appointment_date=$5, start_time=$6,
			end_time=$7, duration_minutes=$8, appointment_type=$9, motive=$10, status=$11, price=$12,
			payment_method=$13, payment_state=$14, cancellation_reason=$15, performed=$16,
			modified_by=$17, version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		a.ID, a.VersionID, a.AssignmentID, a.RoomID, a.Date, a.StartTime,
		a.EndTime, a.DurationMinutes, a.Type, a.Motive, a.Status, a.Price,
		a.PaymentMethod, a.PaymentState, a.CancellationReason, a.Performed,
		a.ModifiedBy).Scan(&a.VersionID, &a.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsOverlapViolation(err):
		return ErrSlotTaken
	case db.IsNoRows(err):
		var exists bool
		if qerr := r.conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM appointment WHERE id = $1)`, a.ID).Scan(&exists); qerr != nil {
			return qerr
		}
		if exists {
			return ErrVersionConflict
		}
		return ErrRecordNotFound
	}
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppt(r.conn.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) ListForDay(ctx context.Context, key LedgerKey) ([]*Appointment, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE clinician_id = $1 AND branch_id = $2 AND appointment_date = $3
		ORDER BY start_time, id`, key.ClinicianID, key.BranchID, key.Date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	add := func(clause string, v interface{}) {
		where += fmt.Sprintf(clause, idx)
		args = append(args, v)
		idx++
	}
	if f.ClinicianID != nil {
		add(` AND clinician_id = $%d`, *f.ClinicianID)
	}
	if f.BranchID != nil {
		add(` AND branch_id = $%d`, *f.BranchID)
	}
	if f.PatientID != nil {
		add(` AND patient_id = $%d`, *f.PatientID)
	}
	if f.From != nil {
		add(` AND appointment_date >= $%d`, *f.From)
	}
	if f.To != nil {
		add(` AND appointment_date <= $%d`, *f.To)
	}
	if f.Status != nil {
		add(` AND status = $%d`, *f.Status)
	}
	if f.Performed != nil {
		add(` AND performed = $%d`, *f.Performed)
	}

	var total int
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apptCols + ` FROM appointment` + where +
		fmt.Sprintf(` ORDER BY appointment_date, start_time, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

// =========== Directory ===========

type directoryPG struct{ conn db.Querier }

func NewDirectoryPG(conn db.Querier) Directory { return &directoryPG{conn: conn} }

func (d *directoryPG) BranchActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var active bool
	err := d.conn.QueryRow(ctx, `SELECT active FROM branch WHERE id = $1`, id).Scan(&active)
	if db.IsNoRows(err) {
		return false, ErrRecordNotFound
	}
	return active, err
}

func (d *directoryPG) RoomActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var active bool
	err := d.conn.QueryRow(ctx, `SELECT active FROM room WHERE id = $1`, id).Scan(&active)
	if db.IsNoRows(err) {
		return false, ErrRecordNotFound
	}
	return active, err
}

func (d *directoryPG) Price(ctx context.Context, clinicianID, branchID uuid.UUID, t AppointmentType) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := d.conn.QueryRow(ctx, `
		SELECT price FROM price_list
		WHERE clinician_id = $1 AND branch_id = $2 AND appointment_type = $3`,
		clinicianID, branchID, t).Scan(&price)
	if db.IsNoRows(err) {
		return decimal.Zero, ErrRecordNotFound
	}
	return price, err
}
