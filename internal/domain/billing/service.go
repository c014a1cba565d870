package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/blobstore"
)

// pageSize bounds each read from the appointment ledger while deriving.
const pageSize = 500

type Service struct {
	source  AppointmentSource
	policy  PaymentPolicy
	log     zerolog.Logger
	exports blobstore.Store
}

func NewService(source AppointmentSource, policy PaymentPolicy) (*Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Service{source: source, policy: policy, log: zerolog.Nop()}, nil
}

func (s *Service) SetLogger(log zerolog.Logger) { s.log = log }

func (s *Service) Policy() PaymentPolicy { return s.policy }

type ChargeFilter struct {
	ClinicianID  *uuid.UUID
	BranchID     *uuid.UUID
	PatientID    *uuid.UUID
	From         *scheduling.Date
	To           *scheduling.Date
	PaymentState *scheduling.PaymentState
}

// DeriveCharges returns the charge records of every performed appointment
// matching f. Calling it twice on an unchanged ledger yields equal results.
func (s *Service) DeriveCharges(ctx context.Context, f ChargeFilter) ([]ChargeRecord, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, &scheduling.Error{Kind: scheduling.KindValidation, Code: scheduling.CodeValidation,
			Message: fmt.Sprintf("to %s is before from %s", f.To, f.From)}
	}
	if f.PaymentState != nil && !f.PaymentState.Valid() {
		return nil, &scheduling.Error{Kind: scheduling.KindValidation, Code: scheduling.CodeValidation,
			Message: fmt.Sprintf("invalid payment state %q", *f.PaymentState)}
	}

	performed := true
	af := scheduling.AppointmentFilter{
		ClinicianID: f.ClinicianID,
		BranchID:    f.BranchID,
		PatientID:   f.PatientID,
		From:        f.From,
		To:          f.To,
		Performed:   &performed,
	}
	var all []*scheduling.Appointment
	for offset := 0; ; offset += pageSize {
		page, total, err := s.source.ListAppointments(ctx, af, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list performed appointments: %w", err)
		}
		all = append(all, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}

	records := Derive(all, s.policy)
	if f.PaymentState == nil {
		return records, nil
	}
	filtered := records[:0]
	for _, r := range records {
		if r.PaymentState == *f.PaymentState {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (s *Service) Summary(ctx context.Context, f ChargeFilter) (Summary, error) {
	records, err := s.DeriveCharges(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(records), nil
}

type ChargeUpdate struct {
	Amount        *decimal.Decimal
	PaymentState  *scheduling.PaymentState
	PaymentMethod *scheduling.PaymentMethod
	Actor         *uuid.UUID
}

// UpdateCharge edits the charge of a performed appointment. The amount is
// written back as the appointment price.
func (s *Service) UpdateCharge(ctx context.Context, appointmentID uuid.UUID, u ChargeUpdate) (*ChargeRecord, error) {
	appt, err := s.source.UpdatePayment(ctx, appointmentID, scheduling.PaymentUpdate{
		Price:         u.Amount,
		PaymentState:  u.PaymentState,
		PaymentMethod: u.PaymentMethod,
		Actor:         u.Actor,
	})
	if err != nil {
		return nil, err
	}
	records := Derive([]*scheduling.Appointment{appt}, s.policy)
	if len(records) != 1 {
		return nil, fmt.Errorf("appointment %s has no charge after update", appointmentID)
	}
	s.log.Info().Str("appointment_id", appointmentID.String()).
		Str("payment_state", string(records[0].PaymentState)).
		Str("amount", records[0].Amount.StringFixed(2)).Msg("charge updated")
	return &records[0], nil
}

// GetCharge returns the charge of one appointment.
func (s *Service) GetCharge(ctx context.Context, appointmentID uuid.UUID) (*ChargeRecord, error) {
	appt, err := s.source.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	records := Derive([]*scheduling.Appointment{appt}, s.policy)
	if len(records) == 0 {
		return nil, &scheduling.Error{Kind: scheduling.KindNotFound, Code: scheduling.CodeNotFound,
			Message: fmt.Sprintf("appointment %s has not been performed and has no charge", appointmentID)}
	}
	return &records[0], nil
}
