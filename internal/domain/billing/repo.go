package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/domain/scheduling"
)

// AppointmentSource is the slice of the scheduling service billing reads
// from and writes charge edits back to. *scheduling.Service implements it.
type AppointmentSource interface {
	ListAppointments(ctx context.Context, f scheduling.AppointmentFilter, limit, offset int) ([]*scheduling.Appointment, int, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	UpdatePayment(ctx context.Context, id uuid.UUID, u scheduling.PaymentUpdate) (*scheduling.Appointment, error)
}
