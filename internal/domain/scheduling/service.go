package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/lock"
)

const (
	EventAppointmentCreated       = "appointment.created"
	EventAppointmentRescheduled   = "appointment.rescheduled"
	EventAppointmentCancelled     = "appointment.cancelled"
	EventAppointmentStatusChanged = "appointment.status_changed"
	EventAppointmentPerformed     = "appointment.performed"
	EventAppointmentPaymentUpdate = "appointment.payment_updated"
)

const defaultLockTTL = 5 * time.Second

type Service struct {
	assignments  AssignmentRepository
	exceptions   ExceptionRepository
	appointments AppointmentRepository
	directory    Directory
	locker       lock.Locker
	publisher    events.Publisher

	log     zerolog.Logger
	now     func() time.Time
	loc     *time.Location
	lockTTL time.Duration
}

func NewService(assignments AssignmentRepository, exceptions ExceptionRepository, appointments AppointmentRepository,
	directory Directory, locker lock.Locker, publisher events.Publisher) *Service {
	return &Service{
		assignments:  assignments,
		exceptions:   exceptions,
		appointments: appointments,
		directory:    directory,
		locker:       locker,
		publisher:    publisher,
		log:          zerolog.Nop(),
		now:          time.Now,
		loc:          time.UTC,
		lockTTL:      defaultLockTTL,
	}
}

func (s *Service) SetLogger(log zerolog.Logger) { s.log = log }

// SetNow replaces the clock used for "today" and for walk-in start times.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// SetLocation sets the clinic time zone in which dates and times of day are
// interpreted.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

func (s *Service) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

func (s *Service) clinicNow() time.Time { return s.now().In(s.loc) }

// =========== Availability ===========

type AvailabilityQuery struct {
	ClinicianID  uuid.UUID
	BranchID     *uuid.UUID
	AssignmentID *uuid.UUID
	Date         Date
}

// GetAvailableSlots computes one SlotSet per active assignment of the
// clinician running on q.Date, optionally narrowed to a branch or a single
// assignment. With only an assignment the clinician is taken from it. An
// empty result carries a Reason.
func (s *Service) GetAvailableSlots(ctx context.Context, q AvailabilityQuery) (*Availability, error) {
	if q.Date.IsZero() {
		return nil, validationError("date is required")
	}
	if q.ClinicianID == uuid.Nil {
		if q.AssignmentID == nil {
			return nil, validationError("clinician_id or assignment_id is required")
		}
		a, err := s.assignments.GetByID(ctx, *q.AssignmentID)
		if err != nil {
			return nil, mapRepoErr(err, "assignment")
		}
		q.ClinicianID = a.ClinicianID
	}

	active, err := s.assignments.ListByClinician(ctx, q.ClinicianID, true)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	if q.AssignmentID != nil {
		active, err = s.narrowToAssignment(ctx, active, *q.AssignmentID)
		if err != nil {
			return nil, err
		}
	}
	if len(active) == 0 {
		return nil, ErrNoActiveAssignment
	}
	if q.BranchID != nil {
		if err := s.checkBranch(ctx, *q.BranchID); err != nil {
			return nil, err
		}
		active = filterAssignments(active, func(a *Assignment) bool { return a.BranchID == *q.BranchID })
	}

	result := &Availability{ClinicianID: q.ClinicianID, Date: q.Date, Sets: []SlotSet{}}
	now := s.clinicNow()
	if q.Date.Before(DateOf(now)) {
		result.Reason = "date is in the past"
		return result, nil
	}

	weekday := q.Date.ISOWeekday()
	onDay := filterAssignments(active, func(a *Assignment) bool { return a.Weekday == weekday })
	if len(onDay) == 0 {
		result.Reason = "no availability for " + WeekdayName(weekday)
		return result, nil
	}

	usable := make([]*Assignment, 0, len(onDay))
	var configErr error
	for _, a := range onDay {
		if err := s.checkPlace(ctx, a); err != nil {
			if KindOf(err) != KindConfiguration {
				return nil, err
			}
			configErr = err
			continue
		}
		usable = append(usable, a)
	}
	if len(usable) == 0 {
		return nil, configErr
	}

	exceptions, err := s.exceptions.ListForDay(ctx, q.ClinicianID, q.Date)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	ledger := make(map[LedgerKey][]*Appointment)
	for _, a := range usable {
		key := LedgerKey{ClinicianID: a.ClinicianID, BranchID: a.BranchID, Date: q.Date}
		occupied, ok := ledger[key]
		if !ok {
			if occupied, err = s.appointments.ListForDay(ctx, key); err != nil {
				return nil, fmt.Errorf("list appointments: %w", err)
			}
			ledger[key] = occupied
		}
		result.Sets = append(result.Sets, SlotSet{
			AssignmentID:    a.ID,
			ClinicianID:     a.ClinicianID,
			BranchID:        a.BranchID,
			RoomID:          a.RoomID,
			Date:            q.Date,
			DurationMinutes: a.DurationMinutes,
			Slots:           nonNilSlots(GenerateSlots(a, q.Date, exceptions, occupied, now)),
		})
	}
	if result.Empty() {
		result.Reason = "fully booked"
	}
	return result, nil
}

func (s *Service) narrowToAssignment(ctx context.Context, active []*Assignment, id uuid.UUID) ([]*Assignment, error) {
	for _, a := range active {
		if a.ID == id {
			return []*Assignment{a}, nil
		}
	}
	a, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "assignment")
	}
	if !a.Active {
		return nil, ErrAssignmentInactive
	}
	return nil, validationError("assignment %s belongs to another clinician", id)
}

func filterAssignments(in []*Assignment, keep func(*Assignment) bool) []*Assignment {
	var out []*Assignment
	for _, a := range in {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func nonNilSlots(s []Slot) []Slot {
	if s == nil {
		return []Slot{}
	}
	return s
}

// freeSlots regenerates the availability of a on date from the current
// ledger, ignoring the appointment excluded (the one being moved).
func (s *Service) freeSlots(ctx context.Context, a *Assignment, date Date, excluded uuid.UUID) ([]Slot, error) {
	exceptions, err := s.exceptions.ListForDay(ctx, a.ClinicianID, date)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	occupied, err := s.appointments.ListForDay(ctx, LedgerKey{ClinicianID: a.ClinicianID, BranchID: a.BranchID, Date: date})
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	if excluded != uuid.Nil {
		kept := occupied[:0]
		for _, o := range occupied {
			if o.ID != excluded {
				kept = append(kept, o)
			}
		}
		occupied = kept
	}
	return GenerateSlots(a, date, exceptions, occupied, s.clinicNow()), nil
}

// =========== Configuration checks ===========

func (s *Service) checkBranch(ctx context.Context, branchID uuid.UUID) error {
	ok, err := s.directory.BranchActive(ctx, branchID)
	if errors.Is(err, ErrRecordNotFound) {
		return newError(KindNotFound, CodeNotFound, "branch %s not found", branchID)
	}
	if err != nil {
		return fmt.Errorf("branch lookup: %w", err)
	}
	if !ok {
		return ErrInactiveBranch
	}
	return nil
}

func (s *Service) checkRoom(ctx context.Context, roomID uuid.UUID) error {
	ok, err := s.directory.RoomActive(ctx, roomID)
	if errors.Is(err, ErrRecordNotFound) {
		return ErrNoActiveRoom
	}
	if err != nil {
		return fmt.Errorf("room lookup: %w", err)
	}
	if !ok {
		return ErrNoActiveRoom
	}
	return nil
}

// checkPlace verifies that the branch and room of a are in service.
func (s *Service) checkPlace(ctx context.Context, a *Assignment) error {
	if err := s.checkBranch(ctx, a.BranchID); err != nil {
		return err
	}
	return s.checkRoom(ctx, a.RoomID)
}

// checkBookable runs every configuration check for booking a on date.
func (s *Service) checkBookable(ctx context.Context, a *Assignment, date Date) error {
	if !a.Active {
		return ErrAssignmentInactive
	}
	if a.Weekday != date.ISOWeekday() {
		return newError(KindConfiguration, CodeWeekdayMismatch,
			"assignment runs on %s, %s is a %s", WeekdayName(a.Weekday), date, WeekdayName(date.ISOWeekday()))
	}
	return s.checkPlace(ctx, a)
}

// =========== Schedule catalog ===========

func (s *Service) CreateAssignment(ctx context.Context, a *Assignment) error {
	if err := a.Validate(); err != nil {
		return validationError("%s", err)
	}
	if _, err := s.directory.BranchActive(ctx, a.BranchID); err != nil {
		return mapRepoErr(err, "branch")
	}
	if _, err := s.directory.RoomActive(ctx, a.RoomID); err != nil {
		return mapRepoErr(err, "room")
	}
	a.Active = true
	if err := s.assignments.Create(ctx, a); err != nil {
		return mapRepoErr(err, "assignment")
	}
	s.log.Info().Str("assignment_id", a.ID.String()).Str("clinician_id", a.ClinicianID.String()).
		Int("weekday", a.Weekday).Msg("assignment created")
	return nil
}

func (s *Service) GetAssignment(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	a, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "assignment")
	}
	return a, nil
}

func (s *Service) ListAssignments(ctx context.Context, clinicianID uuid.UUID, activeOnly bool) ([]*Assignment, error) {
	if clinicianID == uuid.Nil {
		return nil, validationError("clinician_id is required")
	}
	return s.assignments.ListByClinician(ctx, clinicianID, activeOnly)
}

// DeactivateAssignment retires an assignment. Existing appointments keep
// referring to it.
func (s *Service) DeactivateAssignment(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	a, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "assignment")
	}
	if !a.Active {
		return a, nil
	}
	a.Active = false
	if err := s.assignments.Update(ctx, a); err != nil {
		return nil, mapRepoErr(err, "assignment")
	}
	return a, nil
}

// =========== Exception calendar ===========

func (s *Service) CreateException(ctx context.Context, e *Exception) error {
	e.Reason = strings.TrimSpace(e.Reason)
	if err := e.Validate(); err != nil {
		return validationError("%s", err)
	}
	if e.BranchID != nil {
		if _, err := s.directory.BranchActive(ctx, *e.BranchID); err != nil {
			return mapRepoErr(err, "branch")
		}
	}
	if err := s.exceptions.Create(ctx, e); err != nil {
		return mapRepoErr(err, "exception")
	}
	s.log.Info().Str("exception_id", e.ID.String()).Str("clinician_id", e.ClinicianID.String()).
		Str("kind", string(e.Kind)).Stringer("date", e.Date).Msg("schedule exception created")
	return nil
}

func (s *Service) ListExceptions(ctx context.Context, f ExceptionFilter, limit, offset int) ([]*Exception, int, error) {
	return s.exceptions.List(ctx, f, limit, offset)
}

func (s *Service) DeleteException(ctx context.Context, id uuid.UUID) error {
	if err := s.exceptions.Delete(ctx, id); err != nil {
		return mapRepoErr(err, "exception")
	}
	return nil
}

// =========== Appointment queries ===========

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "appointment")
	}
	return a, nil
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, validationError("invalid status %q", *f.Status)
	}
	return s.appointments.List(ctx, f, limit, offset)
}

// =========== Helpers ===========

// mapRepoErr translates repository errors into typed errors.
func mapRepoErr(err error, resource string) error {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return newError(KindNotFound, CodeNotFound, "%s not found", resource)
	case errors.Is(err, ErrSlotTaken):
		return ErrSlotConflict
	case errors.Is(err, ErrVersionConflict):
		return ErrConcurrentModify
	}
	return fmt.Errorf("%s: %w", resource, err)
}

// lockKeys serializes the caller against every other booking touching keys.
// The returned release is safe to call more than once, so callers can defer
// it and still drop the lock early once the ledger write is committed.
func (s *Service) lockKeys(ctx context.Context, keys ...LedgerKey) (func(), error) {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	release, err := lock.AcquireOrdered(ctx, s.locker, names, s.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("acquire booking lock: %w", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := release(); err != nil {
				s.log.Warn().Err(err).Strs("keys", names).Msg("release booking lock")
			}
		})
	}, nil
}

// publish emits an event for a committed change. Failures are logged only:
// the ledger write already stands.
func (s *Service) publish(ctx context.Context, eventType string, a *Appointment) {
	e, err := events.New(eventType, "Appointment", a.ID.String(), a, s.now())
	if err == nil {
		err = s.publisher.Publish(ctx, e)
	}
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Str("appointment_id", a.ID.String()).
			Msg("publish appointment event")
	}
}
