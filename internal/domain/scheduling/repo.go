package scheduling

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AssignmentRepository interface {
	Create(ctx context.Context, a *Assignment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error)
	Update(ctx context.Context, a *Assignment) error
	// ListByClinician returns the clinician's assignments ordered by weekday
	// and start time.
	ListByClinician(ctx context.Context, clinicianID uuid.UUID, activeOnly bool) ([]*Assignment, error)
}

type ExceptionFilter struct {
	ClinicianID *uuid.UUID
	BranchID    *uuid.UUID
	From        *Date
	To          *Date
}

type ExceptionRepository interface {
	Create(ctx context.Context, e *Exception) error
	GetByID(ctx context.Context, id uuid.UUID) (*Exception, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// ListForDay returns every exception of the clinician on date, for any branch.
	ListForDay(ctx context.Context, clinicianID uuid.UUID, date Date) ([]*Exception, error)
	List(ctx context.Context, f ExceptionFilter, limit, offset int) ([]*Exception, int, error)
}

type AppointmentFilter struct {
	ClinicianID *uuid.UUID
	BranchID    *uuid.UUID
	PatientID   *uuid.UUID
	From        *Date
	To          *Date
	Status      *Status
	Performed   *bool
}

// AppointmentRepository is the appointment ledger. Writes are atomic and
// conditional: Insert and Update fail with ErrSlotTaken when an exclusive
// appointment would overlap another under the same LedgerKey, and Update
// fails with ErrVersionConflict when the stored version differs from
// a.VersionID. On success Update increments a.VersionID.
type AppointmentRepository interface {
	Insert(ctx context.Context, a *Appointment) error
	Update(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListForDay returns every appointment under key, cancelled included.
	ListForDay(ctx context.Context, key LedgerKey) ([]*Appointment, error)
	// List orders by date, start time and id.
	List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
}

// Directory exposes the clinic configuration the booking rules depend on.
// Unknown ids yield ErrRecordNotFound.
type Directory interface {
	BranchActive(ctx context.Context, branchID uuid.UUID) (bool, error)
	RoomActive(ctx context.Context, roomID uuid.UUID) (bool, error)
	Price(ctx context.Context, clinicianID, branchID uuid.UUID, t AppointmentType) (decimal.Decimal, error)
}
