package scheduling

import (
	"sort"
	"time"
)

// overlaps is the half-open interval test: touching intervals do not overlap.
func overlaps(aStart, aEnd, bStart, bEnd Clock) bool {
	return aStart < bEnd && bStart < aEnd
}

// partition cuts [start,end) into consecutive intervals of duration minutes.
// A remainder shorter than duration is dropped.
func partition(start, end Clock, duration int) []Slot {
	if duration <= 0 {
		return nil
	}
	var out []Slot
	for s := start; s.Add(duration) <= end; s = s.Add(duration) {
		out = append(out, Slot{Start: s, End: s.Add(duration)})
	}
	return out
}

// GenerateSlots returns the free slots of assignment a on date, ascending.
//
// Candidates come from partitioning the assignment window, plus any "extra"
// exception windows that apply to it (never overlapping a base candidate).
// An extra window that overlaps or touches the assignment window continues
// the assignment's grid; a detached one is partitioned from its own start.
// A candidate is dropped when it intersects a removing exception or an
// occupying appointment, even partially. When date is today in now's
// location, slots starting at or before now are dropped; past dates yield
// nothing.
//
// exceptions and occupied may contain entries for other dates, clinicians or
// branches; they are filtered here.
func GenerateSlots(a *Assignment, date Date, exceptions []*Exception, occupied []*Appointment, now time.Time) []Slot {
	if !a.Active || a.Weekday != date.ISOWeekday() {
		return nil
	}
	today := DateOf(now)
	if date.Before(today) {
		return nil
	}

	candidates := partition(a.StartTime, a.EndTime, a.DurationMinutes)
	for _, e := range exceptions {
		if e.Kind != ExceptionExtra || e.Date != date || !e.AppliesTo(a) {
			continue
		}
		for _, s := range partition(extraStart(a, e), e.EndTime, a.DurationMinutes) {
			if !overlapsAny(candidates, s) {
				candidates = append(candidates, s)
			}
		}
	}

	var cutoff Clock = -1
	if date == today {
		cutoff = ClockOf(now)
	}

	out := make([]Slot, 0, len(candidates))
	for _, s := range candidates {
		if s.Start <= cutoff {
			continue
		}
		if blockedByException(a, date, exceptions, s) || blockedByAppointment(a, date, occupied, s) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// extraStart is where partitioning of extra window e begins.
func extraStart(a *Assignment, e *Exception) Clock {
	d := a.DurationMinutes
	if d <= 0 || e.StartTime > a.EndTime || e.EndTime < a.StartTime {
		return e.StartTime
	}
	off := int(e.StartTime-a.StartTime) % d
	if off < 0 {
		off += d
	}
	if off == 0 {
		return e.StartTime
	}
	return e.StartTime.Add(d - off)
}

func overlapsAny(slots []Slot, s Slot) bool {
	for _, o := range slots {
		if overlaps(o.Start, o.End, s.Start, s.End) {
			return true
		}
	}
	return false
}

func blockedByException(a *Assignment, date Date, exceptions []*Exception, s Slot) bool {
	for _, e := range exceptions {
		if !e.Kind.Removes() || e.Date != date || !e.AppliesTo(a) {
			continue
		}
		if overlaps(e.StartTime, e.EndTime, s.Start, s.End) {
			return true
		}
	}
	return false
}

func blockedByAppointment(a *Assignment, date Date, occupied []*Appointment, s Slot) bool {
	for _, appt := range occupied {
		if !appt.Occupies() || appt.Date != date || appt.ClinicianID != a.ClinicianID || appt.BranchID != a.BranchID {
			continue
		}
		if appt.Overlaps(s.Start, s.End) {
			return true
		}
	}
	return false
}

// covers reports whether start is a slot start and [start,start+duration) is
// covered by contiguous slots. slots must be sorted.
func covers(slots []Slot, start Clock, duration int) bool {
	end := start.Add(duration)
	cursor := start
	for _, s := range slots {
		if s.Start < cursor {
			continue
		}
		if s.Start > cursor {
			return false
		}
		cursor = s.End
		if cursor >= end {
			return true
		}
	}
	return false
}
