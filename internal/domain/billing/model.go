package billing

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/scheduling"
)

// ChargeRecord is the billing view of one performed appointment. It is
// derived on demand and never stored; Amount always equals the appointment
// price.
type ChargeRecord struct {
	AppointmentID uuid.UUID                  `json:"appointment_id"`
	PatientID     uuid.UUID                  `json:"patient_id"`
	ClinicianID   uuid.UUID                  `json:"clinician_id"`
	BranchID      uuid.UUID                  `json:"branch_id"`
	Date          scheduling.Date            `json:"date"`
	StartTime     scheduling.Clock           `json:"start_time"`
	Type          scheduling.AppointmentType `json:"type"`
	WalkIn        bool                       `json:"walk_in"`
	Price         decimal.Decimal            `json:"price"`
	Amount        decimal.Decimal            `json:"amount"`
	PaymentMethod scheduling.PaymentMethod   `json:"payment_method,omitempty"`
	PaymentState  scheduling.PaymentState    `json:"payment_state"`
	Collected     decimal.Decimal            `json:"collected"`
	Outstanding   decimal.Decimal            `json:"outstanding"`
}

// PaymentPolicy decides how much of a price counts as collected.
type PaymentPolicy struct {
	// PartialRatio is the share of the price collected when the payment
	// state is partial. Must be in (0, 1].
	PartialRatio decimal.Decimal
}

func DefaultPolicy() PaymentPolicy {
	return PaymentPolicy{PartialRatio: decimal.NewFromFloat(0.5)}
}

func (p PaymentPolicy) Validate() error {
	if !p.PartialRatio.IsPositive() || p.PartialRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("partial ratio must be in (0, 1], got %s", p.PartialRatio)
	}
	return nil
}

// Collected returns the amount collected on price, rounded to cents.
func (p PaymentPolicy) Collected(price decimal.Decimal, state scheduling.PaymentState) decimal.Decimal {
	switch state {
	case scheduling.PaymentPaid:
		return price.Round(2)
	case scheduling.PaymentPartial:
		return price.Mul(p.PartialRatio).Round(2)
	default:
		return decimal.Zero
	}
}

// Derive builds one ChargeRecord per performed appointment, ordered by date,
// start time and appointment id. It is a pure function of its inputs.
func Derive(appointments []*scheduling.Appointment, policy PaymentPolicy) []ChargeRecord {
	out := make([]ChargeRecord, 0, len(appointments))
	for _, a := range appointments {
		if !a.Performed {
			continue
		}
		collected := policy.Collected(a.Price, a.PaymentState)
		out = append(out, ChargeRecord{
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			ClinicianID:   a.ClinicianID,
			BranchID:      a.BranchID,
			Date:          a.Date,
			StartTime:     a.StartTime,
			Type:          a.Type,
			WalkIn:        a.WalkIn,
			Price:         a.Price,
			Amount:        a.Price,
			PaymentMethod: a.PaymentMethod,
			PaymentState:  a.PaymentState,
			Collected:     collected,
			Outstanding:   a.Price.Round(2).Sub(collected),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].AppointmentID.String() < out[j].AppointmentID.String()
	})
	return out
}

// Summary totals a list of charges.
type Summary struct {
	Count       int                             `json:"count"`
	Billed      decimal.Decimal                 `json:"billed"`
	Collected   decimal.Decimal                 `json:"collected"`
	Outstanding decimal.Decimal                 `json:"outstanding"`
	ByState     map[scheduling.PaymentState]int `json:"by_state"`
}

func Summarize(records []ChargeRecord) Summary {
	s := Summary{
		Billed:      decimal.Zero,
		Collected:   decimal.Zero,
		Outstanding: decimal.Zero,
		ByState:     make(map[scheduling.PaymentState]int),
	}
	for _, r := range records {
		s.Count++
		s.Billed = s.Billed.Add(r.Amount)
		s.Collected = s.Collected.Add(r.Collected)
		s.Outstanding = s.Outstanding.Add(r.Outstanding)
		s.ByState[r.PaymentState]++
	}
	return s
}
