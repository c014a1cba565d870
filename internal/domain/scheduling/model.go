package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Assignment maps to the assignment table: a recurring weekly window in
// which a clinician sees patients at one branch and room.
type Assignment struct {
	ID              uuid.UUID `db:"id" json:"id"`
	ClinicianID     uuid.UUID `db:"clinician_id" json:"clinician_id"`
	BranchID        uuid.UUID `db:"branch_id" json:"branch_id"`
	RoomID          uuid.UUID `db:"room_id" json:"room_id"`
	Weekday         int       `db:"weekday" json:"weekday"`
	StartTime       Clock     `db:"start_time" json:"start_time"`
	EndTime         Clock     `db:"end_time" json:"end_time"`
	DurationMinutes int       `db:"duration_minutes" json:"duration_minutes"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

func (a *Assignment) Validate() error {
	if a.ClinicianID == uuid.Nil {
		return fmt.Errorf("clinician_id is required")
	}
	if a.BranchID == uuid.Nil {
		return fmt.Errorf("branch_id is required")
	}
	if a.RoomID == uuid.Nil {
		return fmt.Errorf("room_id is required")
	}
	if a.Weekday < 1 || a.Weekday > 7 {
		return fmt.Errorf("weekday must be between 1 (Monday) and 7 (Sunday), got %d", a.Weekday)
	}
	if !a.StartTime.Valid() || !a.EndTime.Valid() {
		return fmt.Errorf("start_time and end_time must be within the day")
	}
	if a.StartTime >= a.EndTime {
		return fmt.Errorf("start_time %s must be before end_time %s", a.StartTime, a.EndTime)
	}
	if a.DurationMinutes <= 0 {
		return fmt.Errorf("duration_minutes must be positive")
	}
	if Clock(a.DurationMinutes) > a.EndTime-a.StartTime {
		return fmt.Errorf("duration_minutes %d exceeds the %s-%s window", a.DurationMinutes, a.StartTime, a.EndTime)
	}
	return nil
}

type ExceptionKind string

const (
	ExceptionBlock    ExceptionKind = "block"
	ExceptionVacation ExceptionKind = "vacation"
	ExceptionPermit   ExceptionKind = "permit"
	ExceptionExtra    ExceptionKind = "extra"
)

var validExceptionKinds = map[ExceptionKind]bool{
	ExceptionBlock: true, ExceptionVacation: true, ExceptionPermit: true, ExceptionExtra: true,
}

// Removes reports whether the exception takes availability away.
func (k ExceptionKind) Removes() bool { return k != ExceptionExtra }

// Exception maps to the schedule_exception table. BranchID nil means the
// exception covers every branch of the clinician.
type Exception struct {
	ID          uuid.UUID     `db:"id" json:"id"`
	ClinicianID uuid.UUID     `db:"clinician_id" json:"clinician_id"`
	BranchID    *uuid.UUID    `db:"branch_id" json:"branch_id,omitempty"`
	Date        Date          `db:"exception_date" json:"date"`
	StartTime   Clock         `db:"start_time" json:"start_time"`
	EndTime     Clock         `db:"end_time" json:"end_time"`
	Kind        ExceptionKind `db:"kind" json:"kind"`
	Reason      string        `db:"reason" json:"reason"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

func (e *Exception) Validate() error {
	if e.ClinicianID == uuid.Nil {
		return fmt.Errorf("clinician_id is required")
	}
	if e.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	if !validExceptionKinds[e.Kind] {
		return fmt.Errorf("invalid kind %q: must be block, vacation, permit or extra", e.Kind)
	}
	if !e.StartTime.Valid() || !e.EndTime.Valid() || e.StartTime >= e.EndTime {
		return fmt.Errorf("start_time must be before end_time")
	}
	return nil
}

// AppliesTo reports whether the exception concerns assignment a.
func (e *Exception) AppliesTo(a *Assignment) bool {
	if e.ClinicianID != a.ClinicianID {
		return false
	}
	return e.BranchID == nil || *e.BranchID == a.BranchID
}

type Status string

const (
	StatusScheduled  Status = "agendada"
	StatusConfirmed  Status = "confirmada"
	StatusInProgress Status = "en_atencion"
	StatusAttended   Status = "atendida"
	StatusCancelled  Status = "cancelada"
	StatusNoShow     Status = "no_asistio"
)

type AppointmentType string

const (
	TypeConsultation AppointmentType = "consultation"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeEmergency    AppointmentType = "emergency"
	TypeFirstVisit   AppointmentType = "first_visit"
)

var validAppointmentTypes = map[AppointmentType]bool{
	TypeConsultation: true, TypeFollowUp: true, TypeEmergency: true, TypeFirstVisit: true,
}

func (t AppointmentType) Valid() bool { return validAppointmentTypes[t] }

type PaymentMethod string

const (
	PaymentNone      PaymentMethod = ""
	PaymentCash      PaymentMethod = "cash"
	PaymentCard      PaymentMethod = "card"
	PaymentTransfer  PaymentMethod = "transfer"
	PaymentInsurance PaymentMethod = "insurance"
)

var validPaymentMethods = map[PaymentMethod]bool{
	PaymentNone: true, PaymentCash: true, PaymentCard: true, PaymentTransfer: true, PaymentInsurance: true,
}

func (m PaymentMethod) Valid() bool { return validPaymentMethods[m] }

type PaymentState string

const (
	PaymentPending PaymentState = "pending"
	PaymentPaid    PaymentState = "paid"
	PaymentPartial PaymentState = "partial"
)

func (s PaymentState) Valid() bool {
	return s == PaymentPending || s == PaymentPaid || s == PaymentPartial
}

// Appointment maps to the appointment table. Rows are never deleted;
// cancellation is a status.
type Appointment struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	PatientID          uuid.UUID       `db:"patient_id" json:"patient_id"`
	AssignmentID       uuid.UUID       `db:"assignment_id" json:"assignment_id"`
	ClinicianID        uuid.UUID       `db:"clinician_id" json:"clinician_id"`
	BranchID           uuid.UUID       `db:"branch_id" json:"branch_id"`
	RoomID             *uuid.UUID      `db:"room_id" json:"room_id,omitempty"`
	Date               Date            `db:"appointment_date" json:"date"`
	StartTime          Clock           `db:"start_time" json:"start_time"`
	EndTime            Clock           `db:"end_time" json:"end_time"`
	DurationMinutes    int             `db:"duration_minutes" json:"duration_minutes"`
	Type               AppointmentType `db:"appointment_type" json:"type"`
	Motive             string          `db:"motive" json:"motive"`
	Status             Status          `db:"status" json:"status"`
	Price              decimal.Decimal `db:"price" json:"price"`
	PaymentMethod      PaymentMethod   `db:"payment_method" json:"payment_method,omitempty"`
	PaymentState       PaymentState    `db:"payment_state" json:"payment_state"`
	CancellationReason *string         `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	Performed          bool            `db:"performed" json:"performed"`
	WalkIn             bool            `db:"walk_in" json:"walk_in"`
	CreatedBy          *uuid.UUID      `db:"created_by" json:"created_by,omitempty"`
	ModifiedBy         *uuid.UUID      `db:"modified_by" json:"modified_by,omitempty"`
	VersionID          int             `db:"version_id" json:"version_id"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// Occupies reports whether the appointment blocks its interval for others.
func (a *Appointment) Occupies() bool { return a.Status != StatusCancelled }

// Exclusive reports whether no other exclusive appointment may overlap this
// one. Walk-ins are recorded after the fact and are exempt.
func (a *Appointment) Exclusive() bool { return a.Occupies() && !a.WalkIn }

// Overlaps reports whether [start,end) intersects the appointment's interval.
func (a *Appointment) Overlaps(start, end Clock) bool {
	return overlaps(a.StartTime, a.EndTime, start, end)
}

// Key is the ledger partition the appointment belongs to.
func (a *Appointment) Key() LedgerKey {
	return LedgerKey{ClinicianID: a.ClinicianID, BranchID: a.BranchID, Date: a.Date}
}

// CheckInvariants verifies the relations between fields that every stored
// appointment must satisfy.
func (a *Appointment) CheckInvariants() error {
	if a.DurationMinutes <= 0 {
		return fmt.Errorf("duration_minutes must be positive")
	}
	if a.EndTime != a.StartTime.Add(a.DurationMinutes) {
		return fmt.Errorf("end_time %s must equal start_time %s plus %d minutes", a.EndTime, a.StartTime, a.DurationMinutes)
	}
	if a.EndTime > EndOfDay {
		return fmt.Errorf("appointment must end by 24:00")
	}
	if a.Performed && a.Status != StatusAttended {
		return fmt.Errorf("a performed appointment must be %s, got %s", StatusAttended, a.Status)
	}
	if (a.CancellationReason != nil) != (a.Status == StatusCancelled) {
		return fmt.Errorf("cancellation_reason must be set exactly when status is %s", StatusCancelled)
	}
	if strings.TrimSpace(a.Motive) == "" {
		return fmt.Errorf("motive is required")
	}
	if a.Price.IsNegative() {
		return fmt.Errorf("price must not be negative")
	}
	return nil
}

// LedgerKey partitions the appointment ledger. Bookings under different keys
// never conflict.
type LedgerKey struct {
	ClinicianID uuid.UUID
	BranchID    uuid.UUID
	Date        Date
}

func (k LedgerKey) String() string {
	return fmt.Sprintf("booking:day:%s:%s:%s", k.ClinicianID, k.BranchID, k.Date)
}

// Slot is one bookable interval.
type Slot struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// SlotSet is the availability of one assignment on one date.
type SlotSet struct {
	AssignmentID    uuid.UUID `json:"assignment_id"`
	ClinicianID     uuid.UUID `json:"clinician_id"`
	BranchID        uuid.UUID `json:"branch_id"`
	RoomID          uuid.UUID `json:"room_id"`
	Date            Date      `json:"date"`
	DurationMinutes int       `json:"duration_minutes"`
	Slots           []Slot    `json:"slots"`
}

// Availability answers an availability query. Reason explains an empty result.
type Availability struct {
	ClinicianID uuid.UUID `json:"clinician_id"`
	Date        Date      `json:"date"`
	Sets        []SlotSet `json:"sets"`
	Reason      string    `json:"reason,omitempty"`
}

// Empty reports whether no slot at all is offered.
func (a *Availability) Empty() bool {
	for _, s := range a.Sets {
		if len(s.Slots) > 0 {
			return false
		}
	}
	return true
}
