package scheduling

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =========== Assignment ===========

type memoryAssignmentRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]Assignment
}

func NewMemoryAssignmentRepo() AssignmentRepository {
	return &memoryAssignmentRepo{items: make(map[uuid.UUID]Assignment)}
}

func (r *memoryAssignmentRepo) Create(_ context.Context, a *Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	r.items[a.ID] = *a
	return nil
}

func (r *memoryAssignmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &a, nil
}

func (r *memoryAssignmentRepo) Update(_ context.Context, a *Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[a.ID]; !ok {
		return ErrRecordNotFound
	}
	r.items[a.ID] = *a
	return nil
}

func (r *memoryAssignmentRepo) ListByClinician(_ context.Context, clinicianID uuid.UUID, activeOnly bool) ([]*Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Assignment
	for _, a := range r.items {
		if a.ClinicianID != clinicianID || (activeOnly && !a.Active) {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// =========== Exception ===========

type exceptionDayKey struct {
	clinicianID uuid.UUID
	date        Date
}

type memoryExceptionRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]Exception
	byDay map[exceptionDayKey][]uuid.UUID
}

func NewMemoryExceptionRepo() ExceptionRepository {
	return &memoryExceptionRepo{
		items: make(map[uuid.UUID]Exception),
		byDay: make(map[exceptionDayKey][]uuid.UUID),
	}
}

func (r *memoryExceptionRepo) Create(_ context.Context, e *Exception) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	r.items[e.ID] = *e
	k := exceptionDayKey{e.ClinicianID, e.Date}
	r.byDay[k] = append(r.byDay[k], e.ID)
	return nil
}

func (r *memoryExceptionRepo) GetByID(_ context.Context, id uuid.UUID) (*Exception, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &e, nil
}

func (r *memoryExceptionRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return ErrRecordNotFound
	}
	delete(r.items, id)
	k := exceptionDayKey{e.ClinicianID, e.Date}
	ids := r.byDay[k]
	for i, other := range ids {
		if other == id {
			r.byDay[k] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (r *memoryExceptionRepo) ListForDay(_ context.Context, clinicianID uuid.UUID, date Date) ([]*Exception, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Exception
	for _, id := range r.byDay[exceptionDayKey{clinicianID, date}] {
		e := r.items[id]
		out = append(out, &e)
	}
	sortExceptions(out)
	return out, nil
}

func (r *memoryExceptionRepo) List(_ context.Context, f ExceptionFilter, limit, offset int) ([]*Exception, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Exception
	for _, e := range r.items {
		if f.ClinicianID != nil && e.ClinicianID != *f.ClinicianID {
			continue
		}
		if f.BranchID != nil && e.BranchID != nil && *e.BranchID != *f.BranchID {
			continue
		}
		if f.From != nil && e.Date.Before(*f.From) {
			continue
		}
		if f.To != nil && e.Date.After(*f.To) {
			continue
		}
		e := e
		all = append(all, &e)
	}
	sortExceptions(all)
	return paginate(all, limit, offset), len(all), nil
}

func sortExceptions(items []*Exception) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Date != items[j].Date {
			return items[i].Date.Before(items[j].Date)
		}
		if items[i].StartTime != items[j].StartTime {
			return items[i].StartTime < items[j].StartTime
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

// =========== Appointment ===========

// memoryAppointmentRepo indexes appointments by LedgerKey so the conflict
// check on write only scans one clinician-branch-day.
type memoryAppointmentRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]Appointment
	byKey map[LedgerKey][]uuid.UUID
}

func NewMemoryAppointmentRepo() AppointmentRepository {
	return &memoryAppointmentRepo{
		items: make(map[uuid.UUID]Appointment),
		byKey: make(map[LedgerKey][]uuid.UUID),
	}
}

// conflicts reports whether a would overlap another exclusive appointment.
// Callers hold r.mu.
func (r *memoryAppointmentRepo) conflicts(a *Appointment) bool {
	if !a.Exclusive() {
		return false
	}
	for _, id := range r.byKey[a.Key()] {
		if id == a.ID {
			continue
		}
		other := r.items[id]
		if other.Exclusive() && other.Overlaps(a.StartTime, a.EndTime) {
			return true
		}
	}
	return false
}

func (r *memoryAppointmentRepo) Insert(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if r.conflicts(a) {
		return ErrSlotTaken
	}
	a.VersionID = 1
	r.items[a.ID] = *a
	r.byKey[a.Key()] = append(r.byKey[a.Key()], a.ID)
	return nil
}

func (r *memoryAppointmentRepo) Update(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[a.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if stored.VersionID != a.VersionID {
		return ErrVersionConflict
	}
	if r.conflicts(a) {
		return ErrSlotTaken
	}
	if oldKey := stored.Key(); oldKey != a.Key() {
		ids := r.byKey[oldKey]
		for i, id := range ids {
			if id == a.ID {
				r.byKey[oldKey] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		r.byKey[a.Key()] = append(r.byKey[a.Key()], a.ID)
	}
	a.VersionID++
	r.items[a.ID] = *a
	return nil
}

func (r *memoryAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &a, nil
}

func (r *memoryAppointmentRepo) ListForDay(_ context.Context, key LedgerKey) ([]*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appointment
	for _, id := range r.byKey[key] {
		a := r.items[id]
		out = append(out, &a)
	}
	sortAppointments(out)
	return out, nil
}

func (r *memoryAppointmentRepo) List(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Appointment
	for _, a := range r.items {
		if !f.matches(&a) {
			continue
		}
		a := a
		all = append(all, &a)
	}
	sortAppointments(all)
	return paginate(all, limit, offset), len(all), nil
}

func (f AppointmentFilter) matches(a *Appointment) bool {
	switch {
	case f.ClinicianID != nil && a.ClinicianID != *f.ClinicianID:
		return false
	case f.BranchID != nil && a.BranchID != *f.BranchID:
		return false
	case f.PatientID != nil && a.PatientID != *f.PatientID:
		return false
	case f.From != nil && a.Date.Before(*f.From):
		return false
	case f.To != nil && a.Date.After(*f.To):
		return false
	case f.Status != nil && a.Status != *f.Status:
		return false
	case f.Performed != nil && a.Performed != *f.Performed:
		return false
	}
	return true
}

func sortAppointments(items []*Appointment) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Date != items[j].Date {
			return items[i].Date.Before(items[j].Date)
		}
		if items[i].StartTime != items[j].StartTime {
			return items[i].StartTime < items[j].StartTime
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// =========== Directory ===========

type priceKey struct {
	clinicianID uuid.UUID
	branchID    uuid.UUID
	apptType    AppointmentType
}

// MemoryDirectory is a Directory backed by maps, filled by its setters.
type MemoryDirectory struct {
	mu       sync.RWMutex
	branches map[uuid.UUID]bool
	rooms    map[uuid.UUID]bool
	prices   map[priceKey]decimal.Decimal
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		branches: make(map[uuid.UUID]bool),
		rooms:    make(map[uuid.UUID]bool),
		prices:   make(map[priceKey]decimal.Decimal),
	}
}

func (d *MemoryDirectory) SetBranch(id uuid.UUID, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.branches[id] = active
}

func (d *MemoryDirectory) SetRoom(id uuid.UUID, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[id] = active
}

func (d *MemoryDirectory) SetPrice(clinicianID, branchID uuid.UUID, t AppointmentType, price decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prices[priceKey{clinicianID, branchID, t}] = price
}

func (d *MemoryDirectory) BranchActive(_ context.Context, id uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	active, ok := d.branches[id]
	if !ok {
		return false, ErrRecordNotFound
	}
	return active, nil
}

func (d *MemoryDirectory) RoomActive(_ context.Context, id uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	active, ok := d.rooms[id]
	if !ok {
		return false, ErrRecordNotFound
	}
	return active, nil
}

func (d *MemoryDirectory) Price(_ context.Context, clinicianID, branchID uuid.UUID, t AppointmentType) (decimal.Decimal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.prices[priceKey{clinicianID, branchID, t}]
	if !ok {
		return decimal.Zero, ErrRecordNotFound
	}
	return p, nil
}
