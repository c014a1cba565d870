package billing

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/blobstore"
)

// ExportPrefix is where charge exports are written in the object store.
const ExportPrefix = "exports/charges/"

const CodeExportsDisabled = "exports_disabled"

var csvHeader = []string{
	"appointment_id", "patient_id", "clinician_id", "branch_id", "date", "start_time",
	"type", "walk_in", "price", "amount", "payment_method", "payment_state", "collected", "outstanding",
}

// WriteCSV writes records as CSV with a header row. Money columns carry two
// decimals.
func WriteCSV(w io.Writer, records []ChargeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("charges csv: write header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.AppointmentID.String(),
			r.PatientID.String(),
			r.ClinicianID.String(),
			r.BranchID.String(),
			r.Date.String(),
			r.StartTime.String(),
			string(r.Type),
			strconv.FormatBool(r.WalkIn),
			r.Price.StringFixed(2),
			r.Amount.StringFixed(2),
			string(r.PaymentMethod),
			string(r.PaymentState),
			r.Collected.StringFixed(2),
			r.Outstanding.StringFixed(2),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("charges csv: write row %s: %w", r.AppointmentID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportName is the object name of the export selected by f. Every active
// filter is part of the name so a narrowed export never replaces a wider one
// over the same range. From and To must be set.
func ExportName(f ChargeFilter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s_%s", ExportPrefix, *f.From, *f.To)
	if f.ClinicianID != nil {
		fmt.Fprintf(&b, "_clinician-%s", *f.ClinicianID)
	}
	if f.BranchID != nil {
		fmt.Fprintf(&b, "_branch-%s", *f.BranchID)
	}
	if f.PatientID != nil {
		fmt.Fprintf(&b, "_patient-%s", *f.PatientID)
	}
	if f.PaymentState != nil {
		fmt.Fprintf(&b, "_%s", *f.PaymentState)
	}
	b.WriteString(".csv")
	return b.String()
}

// SetExportStore enables ExportCharges.
func (s *Service) SetExportStore(store blobstore.Store) { s.exports = store }

// ExportCharges derives the charges matching f and stores them as one CSV
// object. Both ends of the date range are required so the object name is
// stable; exporting the same range and filters again replaces the previous
// object.
func (s *Service) ExportCharges(ctx context.Context, f ChargeFilter) (*blobstore.Object, error) {
	if s.exports == nil {
		return nil, &scheduling.Error{Kind: scheduling.KindConfiguration, Code: CodeExportsDisabled,
			Message: "charge exports are not configured"}
	}
	if f.From == nil || f.To == nil {
		return nil, &scheduling.Error{Kind: scheduling.KindValidation, Code: scheduling.CodeValidation,
			Message: "from and to are required for an export"}
	}
	records, err := s.DeriveCharges(ctx, f)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		return nil, err
	}
	name := ExportName(f)
	obj, err := s.exports.Put(ctx, name, "text/csv", bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return nil, fmt.Errorf("store export %s: %w", name, err)
	}
	s.log.Info().Str("object", obj.Name).Int("records", len(records)).Int64("size", obj.Size).Msg("charges exported")
	return obj, nil
}
