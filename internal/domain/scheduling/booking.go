package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BookingRequest struct {
	PatientID       uuid.UUID
	AssignmentID    uuid.UUID
	Date            Date
	Start           Clock
	DurationMinutes int // 0 means the assignment's duration
	Type            AppointmentType
	Motive          string
	Price           *decimal.Decimal // nil means the price list entry
	PaymentMethod   PaymentMethod
	Actor           *uuid.UUID
}

func (r *BookingRequest) validate() error {
	switch {
	case r.PatientID == uuid.Nil:
		return validationError("patient_id is required")
	case r.AssignmentID == uuid.Nil:
		return validationError("assignment_id is required")
	case r.Date.IsZero():
		return validationError("date is required")
	case !r.Start.Valid() || r.Start == EndOfDay:
		return validationError("start_time %s is not a time of day", r.Start)
	case r.DurationMinutes < 0:
		return validationError("duration_minutes must not be negative")
	case !r.Type.Valid():
		return validationError("invalid appointment type %q", r.Type)
	case strings.TrimSpace(r.Motive) == "":
		return validationError("motive is required")
	case !r.PaymentMethod.Valid():
		return validationError("invalid payment method %q", r.PaymentMethod)
	case r.Price != nil && r.Price.IsNegative():
		return validationError("price must not be negative")
	}
	return nil
}

// CreateAppointment books [Start, Start+duration) against the assignment.
// The slot is re-validated under the lock of the clinician, branch and date,
// and the insert itself is conditional on the interval still being free.
func (s *Service) CreateAppointment(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	a, err := s.assignments.GetByID(ctx, req.AssignmentID)
	if err != nil {
		return nil, mapRepoErr(err, "assignment")
	}
	if err := s.checkBookable(ctx, a, req.Date); err != nil {
		return nil, err
	}
	if req.Date.Before(DateOf(s.clinicNow())) {
		return nil, validationError("date %s is in the past", req.Date)
	}

	duration := req.DurationMinutes
	if duration == 0 {
		duration = a.DurationMinutes
	}
	if req.Start.Add(duration) > EndOfDay {
		return nil, validationError("appointment must end by 24:00")
	}
	price, err := s.resolvePrice(ctx, req.Price, a.ClinicianID, a.BranchID, req.Type)
	if err != nil {
		return nil, err
	}

	appt := &Appointment{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		AssignmentID:    a.ID,
		ClinicianID:     a.ClinicianID,
		BranchID:        a.BranchID,
		RoomID:          uuidPtr(a.RoomID),
		Date:            req.Date,
		StartTime:       req.Start,
		EndTime:         req.Start.Add(duration),
		DurationMinutes: duration,
		Type:            req.Type,
		Motive:          strings.TrimSpace(req.Motive),
		Status:          StatusScheduled,
		Price:           price,
		PaymentMethod:   req.PaymentMethod,
		PaymentState:    PaymentPending,
		CreatedBy:       req.Actor,
		ModifiedBy:      req.Actor,
	}
	if err := appt.CheckInvariants(); err != nil {
		return nil, validationError("%s", err)
	}

	release, err := s.lockKeys(ctx, appt.Key())
	if err != nil {
		return nil, err
	}
	defer release()

	free, err := s.freeSlots(ctx, a, req.Date, uuid.Nil)
	if err != nil {
		return nil, err
	}
	if !covers(free, req.Start, duration) {
		return nil, ErrSlotConflict
	}
	if err := s.appointments.Insert(ctx, appt); err != nil {
		return nil, mapRepoErr(err, "appointment")
	}
	release()

	s.log.Info().Str("appointment_id", appt.ID.String()).Str("key", appt.Key().String()).
		Stringer("start", appt.StartTime).Msg("appointment booked")
	s.publish(ctx, EventAppointmentCreated, appt)
	return appt, nil
}

type RescheduleRequest struct {
	ID    uuid.UUID
	Date  Date
	Start Clock
	Actor *uuid.UUID
}

// RescheduleAppointment moves an appointment to a new date and start time,
// keeping its duration and status. The target must be free apart from the
// appointment itself.
func (s *Service) RescheduleAppointment(ctx context.Context, req RescheduleRequest) (*Appointment, error) {
	if req.Date.IsZero() {
		return nil, validationError("date is required")
	}
	if !req.Start.Valid() || req.Start == EndOfDay {
		return nil, validationError("start_time %s is not a time of day", req.Start)
	}

	current, err := s.appointments.GetByID(ctx, req.ID)
	if err != nil {
		return nil, mapRepoErr(err, "appointment")
	}
	if current.Status.Terminal() {
		return nil, newError(KindState, CodeTerminalState, "appointment is %s and cannot be rescheduled", current.Status)
	}
	if current.Date == req.Date && current.StartTime == req.Start {
		return nil, ErrNoChange
	}
	if req.Date.Before(DateOf(s.clinicNow())) {
		return nil, validationError("date %s is in the past", req.Date)
	}
	if req.Start.Add(current.DurationMinutes) > EndOfDay {
		return nil, validationError("appointment must end by 24:00")
	}

	target, err := s.assignmentFor(ctx, current.ClinicianID, current.BranchID, req.Date, req.Start)
	if err != nil {
		return nil, err
	}
	if err := s.checkBookable(ctx, target, req.Date); err != nil {
		return nil, err
	}

	newKey := LedgerKey{ClinicianID: current.ClinicianID, BranchID: current.BranchID, Date: req.Date}
	release, err := s.lockKeys(ctx, current.Key(), newKey)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock; a concurrent writer may have changed it.
	appt, err := s.appointments.GetByID(ctx, req.ID)
	if err != nil {
		return nil, mapRepoErr(err, "appointment")
	}
	if appt.VersionID != current.VersionID {
		return nil, ErrConcurrentModify
	}

	free, err := s.freeSlots(ctx, target, req.Date, appt.ID)
	if err != nil {
		return nil, err
	}
	if !covers(free, req.Start, appt.DurationMinutes) {
		return nil, ErrSlotConflict
	}

	fromDate, fromStart := appt.Date, appt.StartTime
	appt.AssignmentID = target.ID
	appt.RoomID = uuidPtr(target.RoomID)
	appt.Date = req.Date
	appt.StartTime = req.Start
	appt.EndTime = req.Start.Add(appt.DurationMinutes)
	appt.ModifiedBy = req.Actor
	if err := s.appointments.Update(ctx, appt); err != nil {
		return nil, mapRepoErr(err, "appointment")
	}
	release()

	s.log.Info().Str("appointment_id", appt.ID.String()).
		Stringer("from_date", fromDate).Stringer("from_start", fromStart).
		Stringer("to_date", appt.Date).Stringer("to_start", appt.StartTime).
		Msg("appointment rescheduled")
	s.publish(ctx, EventAppointmentRescheduled, appt)
	return appt, nil
}

// assignmentFor picks the active assignment of the clinician at branch whose
// weekday matches date, preferring one whose window contains start.
func (s *Service) assignmentFor(ctx context.Context, clinicianID, branchID uuid.UUID, date Date, start Clock) (*Assignment, error) {
	active, err := s.assignments.ListByClinician(ctx, clinicianID, true)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	if len(active) == 0 {
		return nil, ErrNoActiveAssignment
	}
	var fallback *Assignment
	for _, a := range active {
		if a.BranchID != branchID || a.Weekday != date.ISOWeekday() {
			continue
		}
		if start >= a.StartTime && start < a.EndTime {
			return a, nil
		}
		if fallback == nil {
			fallback = a
		}
	}
	if fallback == nil {
		return nil, newError(KindConfiguration, CodeWeekdayMismatch,
			"clinician has no active assignment at this branch on %s", WeekdayName(date.ISOWeekday()))
	}
	return fallback, nil
}

// CancelAppointment cancels with a mandatory reason. Cancelling frees the
// interval, so no lock is taken; the version check still applies.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, actor *uuid.UUID, reason string) (*Appointment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrMissingReason
	}
	appt, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "appointment")
	}
	if err := checkTransition(appt.Status, StatusCancelled); err != nil {
		return nil, err
	}

	appt.Status = StatusCancelled
	appt.CancellationReason = &reason
	appt.ModifiedBy = actor
	if err := s.appointments.Update(ctx, appt); err != nil {
		return nil, mapRepoErr(err, "appointment")
	}

	s.log.Info().Str("appointment_id", appt.ID.String()).Str("reason", reason).Msg("appointment cancelled")
	s.publish(ctx, EventAppointmentCancelled, appt)
	return appt, nil
}

// MarkPerformed records that the consultation took place.
func (s *Service) MarkPerformed(ctx context.Context, id uuid.UUID, actor *uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusAttended, actor, EventAppointmentPerformed)
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID, actor *uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed, actor, EventAppointmentStatusChanged)
}

func (s *Service) StartConsultation(ctx context.Context, id uuid.UUID, actor *uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusInProgress, actor, EventAppointmentStatusChanged)
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, actor *uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusNoShow, actor, EventAppointmentStatusChanged)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, actor *uuid.UUID, eventType string) (*Appointment, error) {
	appt, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "appointment")
	}
	if err := checkTransition(appt.Status, to); err != nil {
		return nil, err
	}

	from := appt.Status
	appt.Status = to
	appt.Performed = to == StatusAttended
	appt.ModifiedBy = actor
	if err := s.appointments.Update(ctx, appt); err != nil {
		return nil, mapRepoErr(err, "appointment")
	}

	s.log.Info().Str("appointment_id", appt.ID.String()).
		Str("from", string(from)).Str("to", string(to)).Msg("appointment status changed")
	s.publish(ctx, eventType, appt)
	return appt, nil
}

type WalkInRequest struct {
	PatientID     uuid.UUID
	ClinicianID   uuid.UUID
	BranchID      *uuid.UUID
	Type          AppointmentType
	Motive        string
	Price         *decimal.Decimal
	PaymentMethod PaymentMethod
	Actor         *uuid.UUID
}

// RegisterWalkIn records a consultation that is already happening: the
// appointment starts now, is attended and performed, and is not checked
// against availability.
func (s *Service) RegisterWalkIn(ctx context.Context, req WalkInRequest) (*Appointment, error) {
	switch {
	case req.PatientID == uuid.Nil:
		return nil, validationError("patient_id is required")
	case req.ClinicianID == uuid.Nil:
		return nil, validationError("clinician_id is required")
	case !req.Type.Valid():
		return nil, validationError("invalid appointment type %q", req.Type)
	case strings.TrimSpace(req.Motive) == "":
		return nil, validationError("motive is required")
	case !req.PaymentMethod.Valid():
		return nil, validationError("invalid payment method %q", req.PaymentMethod)
	case req.Price != nil && req.Price.IsNegative():
		return nil, validationError("price must not be negative")
	}

	now := s.clinicNow()
	today := DateOf(now)
	primary, err := s.primaryAssignment(ctx, req.ClinicianID, req.BranchID, today.ISOWeekday())
	if err != nil {
		return nil, err
	}
	branchID := primary.BranchID
	if err := s.checkBranch(ctx, branchID); err != nil {
		return nil, err
	}

	price, err := s.resolvePrice(ctx, req.Price, req.ClinicianID, branchID, req.Type)
	if err != nil {
		return nil, err
	}

	start := ClockOf(now)
	duration := primary.DurationMinutes
	if start.Add(duration) > EndOfDay {
		duration = int(EndOfDay - start)
	}
	appt := &Appointment{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		AssignmentID:    primary.ID,
		ClinicianID:     req.ClinicianID,
		BranchID:        branchID,
		RoomID:          uuidPtr(primary.RoomID),
		Date:            today,
		StartTime:       start,
		EndTime:         start.Add(duration),
		DurationMinutes: duration,
		Type:            req.Type,
		Motive:          strings.TrimSpace(req.Motive),
		Status:          StatusAttended,
		Price:           price,
		PaymentMethod:   req.PaymentMethod,
		PaymentState:    PaymentPending,
		Performed:       true,
		WalkIn:          true,
		CreatedBy:       req.Actor,
		ModifiedBy:      req.Actor,
	}
	if err := appt.CheckInvariants(); err != nil {
		return nil, validationError("%s", err)
	}
	if err := s.appointments.Insert(ctx, appt); err != nil {
		return nil, mapRepoErr(err, "appointment")
	}

	s.log.Info().Str("appointment_id", appt.ID.String()).Str("clinician_id", appt.ClinicianID.String()).
		Stringer("start", appt.StartTime).Msg("walk-in registered")
	s.publish(ctx, EventAppointmentPerformed, appt)
	return appt, nil
}

// primaryAssignment is the active assignment on weekday, else the first
// active one. With a branch only assignments at that branch are considered.
func (s *Service) primaryAssignment(ctx context.Context, clinicianID uuid.UUID, branchID *uuid.UUID, weekday int) (*Assignment, error) {
	active, err := s.assignments.ListByClinician(ctx, clinicianID, true)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	var fallback *Assignment
	for _, a := range active {
		if branchID != nil && a.BranchID != *branchID {
			continue
		}
		if a.Weekday == weekday {
			return a, nil
		}
		if fallback == nil {
			fallback = a
		}
	}
	if fallback == nil {
		return nil, ErrNoActiveAssignment
	}
	return fallback, nil
}

type PaymentUpdate struct {
	Price         *decimal.Decimal
	PaymentState  *PaymentState
	PaymentMethod *PaymentMethod
	Actor         *uuid.UUID
}

// UpdatePayment edits the billing fields of a performed appointment.
func (s *Service) UpdatePayment(ctx context.Context, id uuid.UUID, u PaymentUpdate) (*Appointment, error) {
	if u.Price == nil && u.PaymentState == nil && u.PaymentMethod == nil {
		return nil, validationError("nothing to update: set price, payment_state or payment_method")
	}
	if u.Price != nil && u.Price.IsNegative() {
		return nil, validationError("price must not be negative")
	}
	if u.PaymentState != nil && !u.PaymentState.Valid() {
		return nil, validationError("invalid payment state %q", *u.PaymentState)
	}
	if u.PaymentMethod != nil && !u.PaymentMethod.Valid() {
		return nil, validationError("invalid payment method %q", *u.PaymentMethod)
	}

	appt, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "appointment")
	}
	if !appt.Performed {
		return nil, newError(KindState, CodeInvalidTransition, "appointment %s has not been performed and has no charge", id)
	}

	if u.Price != nil {
		appt.Price = u.Price.Round(2)
	}
	if u.PaymentState != nil {
		appt.PaymentState = *u.PaymentState
	}
	if u.PaymentMethod != nil {
		appt.PaymentMethod = *u.PaymentMethod
	}
	appt.ModifiedBy = u.Actor
	if err := s.appointments.Update(ctx, appt); err != nil {
		return nil, mapRepoErr(err, "appointment")
	}

	s.publish(ctx, EventAppointmentPaymentUpdate, appt)
	return appt, nil
}

func (s *Service) resolvePrice(ctx context.Context, given *decimal.Decimal, clinicianID, branchID uuid.UUID, t AppointmentType) (decimal.Decimal, error) {
	if given != nil {
		return given.Round(2), nil
	}
	price, err := s.directory.Price(ctx, clinicianID, branchID, t)
	if errors.Is(err, ErrRecordNotFound) {
		return decimal.Zero, ErrNoPrice
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("price lookup: %w", err)
	}
	return price, nil
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }
